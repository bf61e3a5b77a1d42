/*
Package devotional is the built-in rule table of the devotional app:
what every user action is worth, which counters it moves, and the
achievement catalog.

ACTIVITY RULES:
  daily_login           +10  once per UTC day         logins      streak
  reading_day_complete  +5   once per plan day        readings    streak
  plan_complete         +50  once per plan            plans       streak
  post_created          +5   once per post            posts       streak
  like_given            +1   once per liked item      likes
  friend_added          0    once per friend          friends
  group_joined          0    once per group           groups
  challenge_completed   +25  once per challenge       challenges  streak
  referral_signup       0    once, links referrer

  Every rule except daily_login and referral_signup counts as an "action" for referral
  qualification.

USAGE:
  catalog := devotional.MustCatalog()
  engine := generic.NewEngine(store, catalog, generic.DefaultEngineConfig())

SEE ALSO:
  - achievements.go: the achievement catalog
  - factory/: loading an alternative catalog from JSON
*/
package devotional

import (
	"github.com/lamplight/rewards-engine/generic"
)

// Point values.
const (
	PointsDailyLogin         = 10
	PointsReadingDay         = 5
	PointsPlanComplete       = 50
	PointsPostCreated        = 5
	PointsLikeGiven          = 1
	PointsChallengeCompleted = 25
)

// Rules returns the activity rules in declaration order.
func Rules() []generic.ActivityRule {
	return []generic.ActivityRule{
		{
			Type:    generic.ActivityDailyLogin,
			Reason:  generic.ReasonDailyLogin,
			Points:  PointsDailyLogin,
			Counter: generic.CounterLogins,
			Streak:  true,
			Key:     generic.KeyToday,
		},
		{
			Type:           generic.ActivityReadingDayComplete,
			Reason:         generic.ReasonReadingDayComplete,
			Points:         PointsReadingDay,
			Counter:        generic.CounterReadings,
			Streak:         true,
			CountsAsAction: true,
			Key:            generic.KeyPlanDay,
			Effect:         generic.EffectReadingProgress,
		},
		{
			Type:           generic.ActivityPlanComplete,
			Reason:         generic.ReasonPlanComplete,
			Points:         PointsPlanComplete,
			Counter:        generic.CounterPlans,
			Streak:         true,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:           generic.ActivityPostCreated,
			Reason:         generic.ReasonPostCreated,
			Points:         PointsPostCreated,
			Counter:        generic.CounterPosts,
			Streak:         true,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:           generic.ActivityLikeGiven,
			Reason:         generic.ReasonLikeGiven,
			Points:         PointsLikeGiven,
			Counter:        generic.CounterLikes,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:           generic.ActivityFriendAdded,
			Counter:        generic.CounterFriends,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:           generic.ActivityGroupJoined,
			Counter:        generic.CounterGroups,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:           generic.ActivityChallengeCompleted,
			Reason:         generic.ReasonChallengeComplete,
			Points:         PointsChallengeCompleted,
			Counter:        generic.CounterChallenges,
			Streak:         true,
			CountsAsAction: true,
			Key:            generic.KeyExplicit,
		},
		{
			Type:   generic.ActivityReferralSignup,
			Key:    generic.KeyExplicit,
			Effect: generic.EffectReferralLink,
		},
	}
}

// Catalog builds the built-in catalog.
func Catalog() (*generic.Catalog, error) {
	return generic.NewCatalog(Rules(), Achievements())
}

// MustCatalog is Catalog for program start-up. The built-in table is
// covered by tests, so a failure here is a programming error.
func MustCatalog() *generic.Catalog {
	c, err := Catalog()
	if err != nil {
		panic(err)
	}
	return c
}
