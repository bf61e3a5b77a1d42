package devotional

import "github.com/lamplight/rewards-engine/generic"

// Achievement ids.
const (
	AchFirstSteps      generic.AchievementID = "first_steps"
	AchFaithfulReader  generic.AchievementID = "faithful_reader"
	AchScholar         generic.AchievementID = "scholar"
	AchPlanFinisher    generic.AchievementID = "plan_finisher"
	AchWeekStreak      generic.AchievementID = "week_streak"
	AchMonthStreak     generic.AchievementID = "month_streak"
	AchCenturyStreak   generic.AchievementID = "century_streak"
	AchFirstPost       generic.AchievementID = "first_post"
	AchStoryteller     generic.AchievementID = "storyteller"
	AchEncourager      generic.AchievementID = "encourager"
	AchFriendly        generic.AchievementID = "friendly"
	AchCommunity       generic.AchievementID = "community_builder"
	AchGroupMember     generic.AchievementID = "group_member"
	AchChallenger      generic.AchievementID = "challenger"
	AchRisingStar      generic.AchievementID = "rising_star"
	AchDevoted         generic.AchievementID = "devoted"
)

// Achievements returns the catalog in evaluation order. Points achievements
// come last so rewards earned earlier in the same call count toward them.
func Achievements() []generic.AchievementDefinition {
	return []generic.AchievementDefinition{
		{
			ID: AchFirstSteps, Name: "First Steps", Description: "Complete your first reading day",
			Category: "reading", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterReadings, Target: 1},
			RewardPoints: 10,
		},
		{
			ID: AchFaithfulReader, Name: "Faithful Reader", Description: "Complete 30 reading days",
			Category: "reading", Rarity: generic.RarityRare,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterReadings, Target: 30},
			RewardPoints: 100,
		},
		{
			ID: AchScholar, Name: "Scholar", Description: "Complete 365 reading days",
			Category: "reading", Rarity: generic.RarityLegendary,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterReadings, Target: 365},
			RewardPoints: 1000,
		},
		{
			ID: AchPlanFinisher, Name: "Plan Finisher", Description: "Finish a reading plan",
			Category: "reading", Rarity: generic.RarityRare,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterPlans, Target: 1},
			RewardPoints: 75,
		},
		{
			ID: AchWeekStreak, Name: "Week of Devotion", Description: "Keep a 7-day streak",
			Category: "streak", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementStreak, Target: 7},
			RewardPoints: 50,
		},
		{
			ID: AchMonthStreak, Name: "Month of Devotion", Description: "Keep a 30-day streak",
			Category: "streak", Rarity: generic.RarityEpic,
			Requirement:  generic.Requirement{Type: generic.RequirementStreak, Target: 30},
			RewardPoints: 200,
		},
		{
			ID: AchCenturyStreak, Name: "Century", Description: "Keep a 100-day streak",
			Category: "streak", Rarity: generic.RarityLegendary,
			Requirement:  generic.Requirement{Type: generic.RequirementStreak, Target: 100},
			RewardPoints: 500,
		},
		{
			ID: AchFirstPost, Name: "Voice", Description: "Share your first post",
			Category: "community", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterPosts, Target: 1},
			RewardPoints: 10,
		},
		{
			ID: AchStoryteller, Name: "Storyteller", Description: "Share 25 posts",
			Category: "community", Rarity: generic.RarityRare,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterPosts, Target: 25},
			RewardPoints: 100,
		},
		{
			ID: AchEncourager, Name: "Encourager", Description: "Like 50 posts",
			Category: "community", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterLikes, Target: 50},
			RewardPoints: 25,
		},
		{
			ID: AchFriendly, Name: "Friendly", Description: "Add 5 friends",
			Category: "social", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementSocial, Target: 5},
			RewardPoints: 25,
		},
		{
			ID: AchCommunity, Name: "Community Builder", Description: "Add 25 friends",
			Category: "social", Rarity: generic.RarityEpic,
			Requirement:  generic.Requirement{Type: generic.RequirementSocial, Target: 25},
			RewardPoints: 150,
		},
		{
			ID: AchGroupMember, Name: "Fellowship", Description: "Join a group",
			Category: "social", Rarity: generic.RarityCommon,
			Requirement:  generic.Requirement{Type: generic.RequirementGroup, Target: 1},
			RewardPoints: 15,
		},
		{
			ID: AchChallenger, Name: "Challenger", Description: "Complete 3 challenges",
			Category: "challenge", Rarity: generic.RarityRare,
			Requirement:  generic.Requirement{Type: generic.RequirementChallenge, Target: 3},
			RewardPoints: 75,
		},
		{
			ID: AchRisingStar, Name: "Rising Star", Description: "Earn 1,000 points",
			Category: "milestone", Rarity: generic.RarityRare,
			Requirement:  generic.Requirement{Type: generic.RequirementPoints, Target: 1000},
			RewardPoints: 100,
		},
		{
			ID: AchDevoted, Name: "Devoted", Description: "Earn 5,000 points",
			Category: "milestone", Rarity: generic.RarityLegendary,
			Requirement:  generic.Requirement{Type: generic.RequirementPoints, Target: 5000},
			RewardPoints: 500,
		},
	}
}
