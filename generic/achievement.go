/*
achievement.go - Achievement rule engine

PURPOSE:
  Evaluates the static achievement catalog against a user's aggregates and
  unlocks every achievement whose threshold is met, exactly once.

REQUIREMENT -> AGGREGATE FIELD:
  count      Counters[Requirement.Counter]
  streak     CurrentStreakDays
  points     TotalPoints
  social     Counters[friends]
  group      Counters[groups]
  challenge  Counters[challenges]

RULES:
  - Catalog order is evaluation order.
  - Already-unlocked achievements are never re-evaluated or revoked.
  - Everything satisfied in one call is unlocked in that call, each with
    its own ledger entry keyed (user, achievement_unlocked, achievementID).
  - The rule engine only proposes; Dispatcher writes the unlock row and the
    reward entry together. A concurrent duplicate hits the unique
    constraint and becomes a no-op.
*/
package generic

import (
	"context"
	"time"

	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/metrics"
)

// =============================================================================
// SNAPSHOT - What the rules read
// =============================================================================

// Snapshot is a consistent read of everything achievement rules look at.
type Snapshot struct {
	Aggregate UserAggregate
	Counters  Counters
	Unlocked  map[AchievementID]time.Time
}

func (s Snapshot) IsUnlocked(id AchievementID) bool {
	_, ok := s.Unlocked[id]
	return ok
}

// =============================================================================
// RULE ENGINE - Pure evaluation
// =============================================================================

type RuleEngine struct {
	catalog []AchievementDefinition
}

func NewRuleEngine(catalog []AchievementDefinition) *RuleEngine {
	return &RuleEngine{catalog: append([]AchievementDefinition(nil), catalog...)}
}

// Catalog returns the definitions in evaluation order.
func (r *RuleEngine) Catalog() []AchievementDefinition {
	return append([]AchievementDefinition(nil), r.catalog...)
}

// Value reads the aggregate a requirement is measured against.
func (r *RuleEngine) Value(req Requirement, snap Snapshot) int64 {
	switch req.Type {
	case RequirementCount:
		return snap.Counters.Get(req.Counter)
	case RequirementStreak:
		return int64(snap.Aggregate.CurrentStreakDays)
	case RequirementPoints:
		return snap.Aggregate.TotalPoints
	case RequirementSocial:
		return snap.Counters.Get(CounterFriends)
	case RequirementGroup:
		return snap.Counters.Get(CounterGroups)
	case RequirementChallenge:
		return snap.Counters.Get(CounterChallenges)
	}
	return 0
}

// Evaluate returns the locked achievements whose threshold is met, in
// catalog order.
func (r *RuleEngine) Evaluate(snap Snapshot) []AchievementDefinition {
	var satisfied []AchievementDefinition
	for _, def := range r.catalog {
		if snap.IsUnlocked(def.ID) {
			continue
		}
		if r.Value(def.Requirement, snap) >= def.Requirement.Target {
			satisfied = append(satisfied, def)
		}
	}
	return satisfied
}

// AchievementStatus is one catalog row as seen by a user.
type AchievementStatus struct {
	Definition AchievementDefinition
	Unlocked   bool
	UnlockedAt *time.Time
	Progress   int64 // current value, capped at target
}

// Statuses lists the whole catalog with lock state and progress.
func (r *RuleEngine) Statuses(snap Snapshot) []AchievementStatus {
	out := make([]AchievementStatus, 0, len(r.catalog))
	for _, def := range r.catalog {
		st := AchievementStatus{Definition: def}
		if at, ok := snap.Unlocked[def.ID]; ok {
			at := at
			st.Unlocked = true
			st.UnlockedAt = &at
			st.Progress = def.Requirement.Target
		} else {
			st.Progress = min(r.Value(def.Requirement, snap), def.Requirement.Target)
		}
		out = append(out, st)
	}
	return out
}

// =============================================================================
// ACHIEVEMENTS - Evaluate + dispatch
// =============================================================================

type Achievements struct {
	Rules      *RuleEngine
	Store      TxStore
	Dispatcher *Dispatcher
	Clock      Clock
	Timeout    time.Duration
}

// Snapshot reads aggregates, counters and unlocks in one transaction.
func (a *Achievements) Snapshot(ctx context.Context, userID UserID) (Snapshot, error) {
	ctx, cancel := detach(ctx, a.Timeout)
	defer cancel()

	var snap Snapshot
	err := a.Store.WithTx(ctx, func(s Store) error {
		agg, err := s.ReadAggregate(ctx, userID)
		if err != nil {
			return err
		}
		counters, err := s.Counters(ctx, userID)
		if err != nil {
			return err
		}
		unlocks, err := s.Unlocks(ctx, userID)
		if err != nil {
			return err
		}
		snap = Snapshot{Aggregate: agg.WithLevel(), Counters: counters, Unlocked: make(map[AchievementID]time.Time, len(unlocks))}
		for _, u := range unlocks {
			snap.Unlocked[u.AchievementID] = u.UnlockedAt
		}
		return nil
	})
	return snap, AsPersistence("achievement snapshot", err)
}

// Evaluate unlocks every newly satisfied achievement for userID and returns
// the ones this call unlocked. Rewards can push totals over a points
// threshold, so evaluation repeats until a round unlocks nothing; the
// catalog size bounds the rounds.
func (a *Achievements) Evaluate(ctx context.Context, userID UserID) ([]AchievementDefinition, error) {
	var unlocked []AchievementDefinition
	for round := 0; round <= len(a.Rules.catalog); round++ {
		snap, err := a.Snapshot(ctx, userID)
		if err != nil {
			return unlocked, err
		}
		satisfied := a.Rules.Evaluate(snap)
		if len(satisfied) == 0 {
			return unlocked, nil
		}
		for _, def := range satisfied {
			res, err := a.Dispatcher.Dispatch(ctx, Proposal{
				UserID:     userID,
				Reason:     ReasonAchievementUnlocked,
				NaturalKey: string(def.ID),
				Amount:     def.RewardPoints,
				Unlock: &AchievementUnlock{
					UserID:        userID,
					AchievementID: def.ID,
					UnlockedAt:    a.now(),
				},
			})
			if err != nil {
				return unlocked, err
			}
			if res.Unlocked {
				unlocked = append(unlocked, def)
				metrics.AchievementsUnlocked.WithLabelValues(string(def.ID)).Inc()
				logging.Ctx(logging.WithUserID(ctx, string(userID))).Info().
					Str("achievement", string(def.ID)).
					Int64("reward", def.RewardPoints).
					Msg("achievement unlocked")
			}
		}
	}
	return unlocked, nil
}

func (a *Achievements) now() time.Time {
	if a.Clock == nil {
		return SystemClock()
	}
	return a.Clock()
}
