/*
Package generic provides the core gamification and rewards engine.

PURPOSE:
  This package turns user activity (logins, reading days, posts, likes,
  referrals, plan completions) into points, levels, streaks and unlocked
  achievements. It knows nothing about HTTP, SQL or the catalog content;
  those live in api/, store/ and devotional/.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable record of points earned or spent
  - UserAggregate: The per-user running snapshot (total, streak)
  - AchievementDefinition / AchievementUnlock: catalog rows and per-user unlocks
  - ReferralLink: referrer -> referred relationship and its reward state
  - ReadingProgress: one completed day of a reading plan
  - Counters: per-user activity counters read by achievement rules

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only corrected
  2. Idempotency: Every award carries a deterministic idempotency key
  3. Explicit users: Every call takes a UserID, there is no ambient user
  4. Typed rows: Stores return these records, never loose maps

USAGE:
  entry := generic.LedgerEntry{
      UserID:     "user-123",
      Amount:     5,
      Reason:     generic.ReasonReadingDayComplete,
      NaturalKey: "plan-john:3",
  }

SEE ALSO:
  - ledger.go: Points Ledger
  - dispatcher.go: the only mutation boundary for points
  - engine.go: RecordActivity orchestration
*/
package generic

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type AchievementID string
type ReferralID string

// =============================================================================
// LEDGER ENTRY - Atomic change to a user's points
// =============================================================================

// Reason is the enumerated category of a ledger entry.
type Reason string

const (
	ReasonDailyLogin          Reason = "daily_login"
	ReasonReadingDayComplete  Reason = "reading_day_complete"
	ReasonPlanComplete        Reason = "plan_complete"
	ReasonPostCreated         Reason = "post_created"
	ReasonLikeGiven           Reason = "like_given"
	ReasonReferralBonus       Reason = "referral_bonus"
	ReasonAdminAdjustment     Reason = "admin_adjustment"
	ReasonAchievementUnlocked Reason = "achievement_unlocked"
	ReasonChallengeComplete   Reason = "challenge_complete"
)

var knownReasons = map[Reason]bool{
	ReasonDailyLogin:          true,
	ReasonReadingDayComplete:  true,
	ReasonPlanComplete:        true,
	ReasonPostCreated:         true,
	ReasonLikeGiven:           true,
	ReasonReferralBonus:       true,
	ReasonAdminAdjustment:     true,
	ReasonAchievementUnlocked: true,
	ReasonChallengeComplete:   true,
}

// Valid reports whether r is one of the enumerated reasons.
func (r Reason) Valid() bool { return knownReasons[r] }

// LedgerEntry is one immutable row of the points ledger.
type LedgerEntry struct {
	ID             EntryID
	UserID         UserID
	Amount         int64
	Reason         Reason
	NaturalKey     string
	IdempotencyKey string
	Note           string
	CreatedAt      time.Time
}

// IdempotencyKey derives the deterministic key for (user, reason, naturalKey).
// Each part is length-prefixed ("3:bob|11:daily_login|10:2026-03-01"), so
// distinct triples never share a key whatever characters the ids contain.
// An empty naturalKey yields an empty key: the entry is not deduplicated.
func IdempotencyKey(userID UserID, reason Reason, naturalKey string) string {
	if naturalKey == "" {
		return ""
	}
	parts := []string{string(userID), string(reason), naturalKey}
	for i, p := range parts {
		parts[i] = strconv.Itoa(len(p)) + ":" + p
	}
	return strings.Join(parts, "|")
}

// =============================================================================
// USER AGGREGATE - Running snapshot maintained alongside the ledger
// =============================================================================

// UserAggregate is the per-user summary. TotalPoints is the running total of
// the ledger; Level is derived on read and never stored.
type UserAggregate struct {
	UserID            UserID
	TotalPoints       int64
	Level             int
	CurrentStreakDays int
	LongestStreakDays int
	LastActivityDate  *Day
	UpdatedAt         time.Time
}

// Streak extracts the streak fields.
func (a UserAggregate) Streak() StreakState {
	return StreakState{
		Current:      a.CurrentStreakDays,
		Longest:      a.LongestStreakDays,
		LastActivity: a.LastActivityDate,
	}
}

// WithLevel returns a copy with Level re-derived from TotalPoints.
func (a UserAggregate) WithLevel() UserAggregate {
	a.Level = Level(a.TotalPoints)
	return a
}

// =============================================================================
// COUNTERS - Activity counters read by count-type achievements
// =============================================================================

type Counter string

const (
	CounterLogins     Counter = "logins"
	CounterReadings   Counter = "readings"
	CounterPlans      Counter = "plans"
	CounterPosts      Counter = "posts"
	CounterLikes      Counter = "likes"
	CounterFriends    Counter = "friends"
	CounterGroups     Counter = "groups"
	CounterChallenges Counter = "challenges"
	CounterActions    Counter = "actions" // every non-login activity
)

// Counters maps counter name to value. Missing counters read as zero.
type Counters map[Counter]int64

func (c Counters) Get(name Counter) int64 {
	if c == nil {
		return 0
	}
	return c[name]
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

type RequirementType string

const (
	RequirementCount     RequirementType = "count"
	RequirementStreak    RequirementType = "streak"
	RequirementPoints    RequirementType = "points"
	RequirementSocial    RequirementType = "social"
	RequirementGroup     RequirementType = "group"
	RequirementChallenge RequirementType = "challenge"
)

// Requirement is a threshold rule. Counter is only read for count requirements.
type Requirement struct {
	Type    RequirementType
	Target  int64
	Counter Counter
}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// AchievementDefinition is a static catalog row. Not user data.
type AchievementDefinition struct {
	ID           AchievementID
	Name         string
	Description  string
	Category     string
	Rarity       Rarity
	Requirement  Requirement
	RewardPoints int64
}

// AchievementUnlock records that a user unlocked an achievement. One-way.
type AchievementUnlock struct {
	UserID        UserID
	AchievementID AchievementID
	UnlockedAt    time.Time
}

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralRewarded  ReferralStatus = "rewarded"
)

// ReferralLink links a referred user to the referrer. Exactly one per ReferredID.
type ReferralLink struct {
	ID          ReferralID
	ReferrerID  UserID
	ReferredID  UserID
	Status      ReferralStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	RewardedAt  *time.Time
}

// =============================================================================
// READING PLAN PROGRESS
// =============================================================================

// ReadingProgress is one day of a reading plan. Day is unique per (user, plan).
type ReadingProgress struct {
	UserID       UserID
	PlanID       string
	Day          int
	Completed    bool
	CompletedAt  time.Time
	PointsEarned int64
}

// =============================================================================
// ACTIVITY EVENT - Primary action dedup row
// =============================================================================

// ActivityEvent is recorded once per (user, type, natural key). Counters and
// streaks only move when a new event is inserted.
type ActivityEvent struct {
	UserID     UserID
	Type       ActivityType
	NaturalKey string
	Day        Day
	CreatedAt  time.Time
}
