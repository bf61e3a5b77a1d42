package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamplight/rewards-engine/devotional"
	"github.com/lamplight/rewards-engine/generic"
)

// =============================================================================
// RULE ENGINE
// =============================================================================

func TestRuleEngine_Evaluate(t *testing.T) {
	rules := generic.NewRuleEngine(devotional.Achievements())
	snap := generic.Snapshot{
		Aggregate: generic.UserAggregate{TotalPoints: 40, CurrentStreakDays: 7},
		Counters:  generic.Counters{generic.CounterReadings: 1, generic.CounterPosts: 1},
		Unlocked:  map[generic.AchievementID]time.Time{devotional.AchFirstPost: day1},
	}

	satisfied := rules.Evaluate(snap)

	assert.Equal(t,
		[]generic.AchievementID{devotional.AchFirstSteps, devotional.AchWeekStreak},
		achievementIDs(satisfied))
}

func TestRuleEngine_Statuses(t *testing.T) {
	rules := generic.NewRuleEngine(devotional.Achievements())
	snap := generic.Snapshot{
		Counters: generic.Counters{generic.CounterPosts: 40, generic.CounterFriends: 2},
		Unlocked: map[generic.AchievementID]time.Time{devotional.AchFirstPost: day1},
	}

	byID := make(map[generic.AchievementID]generic.AchievementStatus)
	for _, st := range rules.Statuses(snap) {
		byID[st.Definition.ID] = st
	}

	require.Len(t, byID, len(devotional.Achievements()))
	assert.True(t, byID[devotional.AchFirstPost].Unlocked)
	require.NotNil(t, byID[devotional.AchFirstPost].UnlockedAt)
	assert.Equal(t, int64(25), byID[devotional.AchStoryteller].Progress, "capped at target")
	assert.False(t, byID[devotional.AchStoryteller].Unlocked)
	assert.Equal(t, int64(2), byID[devotional.AchFriendly].Progress)
}

// =============================================================================
// ACHIEVEMENTS THROUGH THE ENGINE
// =============================================================================

func TestAchievements_WeekStreakUnlocksOnce(t *testing.T) {
	// GIVEN: six consecutive daily logins
	engine, mem, clock := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()
	login := generic.Activity{Type: generic.ActivityDailyLogin}
	for range 6 {
		_, err := engine.RecordActivity(ctx, "u1", login)
		require.NoError(t, err)
		clock.AdvanceDays(1)
	}

	// WHEN: the seventh day's login arrives three times
	var unlocked []generic.AchievementID
	for range 3 {
		res, err := engine.RecordActivity(ctx, "u1", login)
		require.NoError(t, err)
		unlocked = append(unlocked, achievementIDs(res.NewAchievements)...)
	}

	// THEN: week_streak is unlocked exactly once and paid exactly once
	assert.Equal(t, []generic.AchievementID{devotional.AchWeekStreak}, unlocked)

	entries, err := mem.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, countReason(entries, generic.ReasonAchievementUnlocked))
	assert.Equal(t, 7, countReason(entries, generic.ReasonDailyLogin))

	stats, err := engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7*devotional.PointsDailyLogin+50), stats.Aggregate.TotalPoints)
}

func TestAchievements_PointsCascade(t *testing.T) {
	// GIVEN: a user just short of 1,000 points
	engine, _, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()
	_, err := engine.AdminAdjust(ctx, "u1", 995, "seed", "migration")
	require.NoError(t, err)

	// WHEN: a login crosses the threshold
	res, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin})

	// THEN: rising_star unlocks and its reward lands in the same call
	require.NoError(t, err)
	assert.Equal(t, []generic.AchievementID{devotional.AchRisingStar}, achievementIDs(res.NewAchievements))
	assert.Equal(t, int64(995+10+100), res.TotalPoints)
	assert.Equal(t, 2, res.Level)
}

func TestAchievements_RewardCountsTowardLaterThreshold(t *testing.T) {
	// GIVEN: a catalog where the first reward pushes the total over the second
	catalog, err := generic.NewCatalog(devotional.Rules(), []generic.AchievementDefinition{
		{ID: "poster", Requirement: generic.Requirement{Type: generic.RequirementCount, Counter: generic.CounterPosts, Target: 1}, RewardPoints: 100},
		{ID: "hundred", Requirement: generic.Requirement{Type: generic.RequirementPoints, Target: 100}, RewardPoints: 1},
	})
	require.NoError(t, err)
	engine, _, _ := newEngine(t, catalog)

	// WHEN: one post is created
	res, err := engine.RecordActivity(context.Background(), "u1",
		generic.Activity{Type: generic.ActivityPostCreated, NaturalKey: "post-1"})

	// THEN: both unlock in the same call
	require.NoError(t, err)
	assert.ElementsMatch(t, []generic.AchievementID{"poster", "hundred"}, achievementIDs(res.NewAchievements))
	assert.Equal(t, int64(5+100+1), res.TotalPoints)
}
