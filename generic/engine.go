/*
engine.go - RecordActivity orchestration

PURPOSE:
  Engine is the single call surface the application uses when a user does
  something. It records the primary state change, then asks the reward
  components to propose awards and the dispatcher to persist them.

RECORD ACTIVITY PIPELINE:
  1. Resolve the rule. Unknown type or bad context: logged, ignored,
     current totals returned, no error.
  2. Primary transaction (activity dedup row, counters, streak, reading
     progress, referral link). Counters and streak move only when the
     activity row is new.
  3. Dispatch the activity's own award.
  4. Reading-day completion that finishes a plan records plan_complete.
  5. Evaluate achievements.
  6. Drive the user's referral link.
  7. Read totals back.

  The primary transaction commits before any award is attempted. Award
  failures are returned to the caller with the primary state kept; a retry
  of the same call fills in whatever was missed, because every step is
  idempotent. Steps 3-6 stop early once the store is unavailable.

DAY BOUNDARY:
  "today" is the UTC day of the engine clock, computed once per call.
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/metrics"
)

// unknownActivityLabel stands in for types outside the catalog on metrics.
const unknownActivityLabel = "unknown"

// ActivityResult is what RecordActivity returns for display.
type ActivityResult struct {
	TotalPoints     int64
	Level           int
	ProgressToNext  int64
	NewAchievements []AchievementDefinition
	StreakDays      int

	// Duplicate is true when the activity had already been recorded.
	Duplicate bool

	// Ignored is true when the activity matched no rule.
	Ignored       bool
	IgnoredReason string
}

// EngineConfig tunes an Engine.
type EngineConfig struct {
	StoreTimeout time.Duration
	Referral     ReferralConfig
	Clock        Clock
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StoreTimeout: DefaultStoreTimeout,
		Referral:     DefaultReferralConfig(),
		Clock:        SystemClock,
	}
}

type Engine struct {
	Store        TxStore
	Catalog      *Catalog
	Ledger       *DefaultLedger
	Dispatcher   *Dispatcher
	Achievements *Achievements
	Referrals    *ReferralChain
	Clock        Clock
	Timeout      time.Duration
}

// NewEngine wires the ledger, dispatcher, achievement and referral
// components over one store.
func NewEngine(store TxStore, catalog *Catalog, cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	ledger := &DefaultLedger{Store: store, Clock: cfg.Clock}
	dispatcher := NewDispatcher(store, ledger, cfg.StoreTimeout)
	return &Engine{
		Store:      store,
		Catalog:    catalog,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Achievements: &Achievements{
			Rules:      NewRuleEngine(catalog.Achievements()),
			Store:      store,
			Dispatcher: dispatcher,
			Clock:      cfg.Clock,
			Timeout:    cfg.StoreTimeout,
		},
		Referrals: &ReferralChain{
			Store:      store,
			Dispatcher: dispatcher,
			Config:     cfg.Referral,
			Clock:      cfg.Clock,
			Timeout:    cfg.StoreTimeout,
		},
		Clock:   cfg.Clock,
		Timeout: cfg.StoreTimeout,
	}
}

// =============================================================================
// RECORD ACTIVITY
// =============================================================================

// RecordActivity applies one user action. See the file comment for the
// pipeline. The returned result is populated even when err is non-nil, as
// long as the primary transaction committed.
func (e *Engine) RecordActivity(ctx context.Context, userID UserID, act Activity) (ActivityResult, error) {
	start := time.Now()
	defer func() { metrics.RecordActivityDuration.Observe(time.Since(start).Seconds()) }()

	ctx = logging.WithUserID(ctx, string(userID))
	today := DayOf(e.now())
	return e.record(ctx, userID, act, today)
}

// primaryOutcome is what the primary transaction did.
type primaryOutcome struct {
	naturalKey    string
	inserted      bool
	planCompleted string // plan id whose last day was just completed
}

func (e *Engine) record(ctx context.Context, userID UserID, act Activity, today Day) (ActivityResult, error) {
	rule, ok := e.Catalog.Rule(act.Type)
	if !ok {
		return e.ignore(ctx, userID, act, today, &InvalidActivityError{Type: act.Type, Reason: "no rule for activity type"})
	}
	if userID == "" {
		return e.ignore(ctx, userID, act, today, &InvalidActivityError{Type: act.Type, Reason: "user id is required"})
	}
	naturalKey, err := resolveKey(rule, act, today)
	if err != nil {
		return e.ignore(ctx, userID, act, today, err)
	}

	primary, err := e.recordPrimary(ctx, userID, rule, act, naturalKey, today)
	if errors.Is(err, ErrInvalidActivity) {
		return e.ignore(ctx, userID, act, today, err)
	}
	if err != nil {
		metrics.ActivitiesTotal.WithLabelValues(string(rule.Type), "failed").Inc()
		logging.Ctx(ctx).Error().Err(err).
			Str("activity", string(act.Type)).
			Str("natural_key", naturalKey).
			Msg("primary activity write failed")
		return ActivityResult{}, err
	}

	result := ActivityResult{Duplicate: !primary.inserted}
	var errs []error
	stop := func(err error) bool {
		if err == nil {
			return false
		}
		errs = append(errs, err)
		return isFatal(err)
	}

	if !e.runAwards(ctx, userID, rule, primary, today, &result, stop) {
		unlocked, err := e.Achievements.Evaluate(ctx, userID)
		result.NewAchievements = append(result.NewAchievements, unlocked...)
		if !stop(err) {
			_, err = e.Referrals.Drive(ctx, userID)
			stop(err)
		}
	}

	if err := e.fillTotals(ctx, userID, today, &result); err != nil {
		errs = append(errs, err)
	}

	outcome := "recorded"
	if result.Duplicate {
		outcome = "duplicate"
	}
	metrics.ActivitiesTotal.WithLabelValues(string(rule.Type), outcome).Inc()

	joined := errors.Join(errs...)
	if joined != nil {
		logging.Ctx(ctx).Error().Err(joined).
			Str("activity", string(act.Type)).
			Str("natural_key", primary.naturalKey).
			Msg("activity recorded, rewards incomplete")
	}
	return result, joined
}

// runAwards dispatches the activity's own award and any plan completion.
// Returns true if the pipeline must stop.
func (e *Engine) runAwards(ctx context.Context, userID UserID, rule ActivityRule, primary primaryOutcome, today Day, result *ActivityResult, stop func(error) bool) bool {
	if rule.Points > 0 {
		_, err := e.Dispatcher.Award(ctx, userID, rule.Reason, primary.naturalKey, rule.Points)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).
				Str("reason", string(rule.Reason)).
				Str("natural_key", primary.naturalKey).
				Msg("award failed")
		}
		if stop(err) {
			return true
		}
	}
	if primary.planCompleted != "" {
		if _, ok := e.Catalog.Rule(ActivityPlanComplete); ok {
			sub, err := e.record(ctx, userID, Activity{Type: ActivityPlanComplete, NaturalKey: primary.planCompleted}, today)
			result.NewAchievements = append(result.NewAchievements, sub.NewAchievements...)
			if stop(err) {
				return true
			}
		}
	}
	return false
}

// recordPrimary writes the activity's own state in one transaction.
func (e *Engine) recordPrimary(ctx context.Context, userID UserID, rule ActivityRule, act Activity, naturalKey string, today Day) (primaryOutcome, error) {
	ctx, cancel := detach(ctx, e.Timeout)
	defer cancel()

	out := primaryOutcome{naturalKey: naturalKey}
	err := e.Store.WithTx(ctx, func(s Store) error {
		out.inserted = false
		out.planCompleted = ""

		if rule.Effect == EffectReferralLink {
			if _, _, err := e.Referrals.linkIn(ctx, s, UserID(naturalKey), userID); err != nil {
				return err
			}
		}

		inserted, err := s.InsertActivity(ctx, ActivityEvent{
			UserID:     userID,
			Type:       rule.Type,
			NaturalKey: naturalKey,
			Day:        today,
			CreatedAt:  e.now(),
		})
		if err != nil {
			return err
		}
		out.inserted = inserted

		if inserted {
			if rule.Counter != "" {
				if _, err := s.IncrementCounter(ctx, userID, rule.Counter, 1); err != nil {
					return err
				}
			}
			if rule.CountsAsAction {
				if _, err := s.IncrementCounter(ctx, userID, CounterActions, 1); err != nil {
					return err
				}
			}
			if rule.Streak {
				agg, err := s.ReadAggregate(ctx, userID)
				if err != nil {
					return err
				}
				if next, changed := AdvanceStreak(agg.Streak(), today); changed {
					if err := s.SaveStreak(ctx, userID, next); err != nil {
						return err
					}
				}
			}
		}

		if rule.Effect == EffectReadingProgress {
			// Plan completion is re-checked on duplicates so a retry can
			// finish what a failed call started.
			plan, err := parsePlanDay(rule.Type, act.Context)
			if err != nil {
				return err
			}
			if _, err := s.InsertProgress(ctx, ReadingProgress{
				UserID:       userID,
				PlanID:       plan.PlanID,
				Day:          plan.Day,
				Completed:    true,
				CompletedAt:  e.now(),
				PointsEarned: rule.Points,
			}); err != nil {
				return err
			}
			if plan.TotalDays > 0 {
				done, err := s.CompletedDays(ctx, userID, plan.PlanID)
				if err != nil {
					return err
				}
				if done >= plan.TotalDays {
					out.planCompleted = plan.PlanID
				}
			}
		}
		return nil
	})
	return out, AsPersistence("record activity", err)
}

func (e *Engine) ignore(ctx context.Context, userID UserID, act Activity, today Day, cause error) (ActivityResult, error) {
	metrics.ActivitiesTotal.WithLabelValues(e.activityLabel(act.Type), "ignored").Inc()
	logging.Ctx(ctx).Warn().Err(cause).
		Str("activity", string(act.Type)).
		Msg("activity ignored")

	result := ActivityResult{Ignored: true, IgnoredReason: cause.Error()}
	if userID == "" {
		result.Level = Level(0)
		return result, nil
	}
	if err := e.fillTotals(ctx, userID, today, &result); err != nil {
		return result, err
	}
	return result, nil
}

// activityLabel bounds the metric label set to the catalog's types.
func (e *Engine) activityLabel(t ActivityType) string {
	if _, ok := e.Catalog.Rule(t); !ok {
		return unknownActivityLabel
	}
	return string(t)
}

func (e *Engine) fillTotals(ctx context.Context, userID UserID, today Day, result *ActivityResult) error {
	rctx, cancel := detach(ctx, e.Timeout)
	defer cancel()
	agg, err := e.Store.ReadAggregate(rctx, userID)
	if err != nil {
		return AsPersistence("read totals", err)
	}
	result.TotalPoints = agg.TotalPoints
	result.Level = Level(agg.TotalPoints)
	result.ProgressToNext = ProgressToNext(agg.TotalPoints)
	result.StreakDays = EffectiveStreak(agg.Streak(), today)
	return nil
}

// =============================================================================
// ADMIN ADJUSTMENT
// =============================================================================

// AdminAdjust appends an admin_adjustment entry. An empty naturalKey gets a
// fresh uuid, so only caller-keyed adjustments are deduplicated.
func (e *Engine) AdminAdjust(ctx context.Context, userID UserID, amount int64, naturalKey, note string) (AwardResult, error) {
	if userID == "" {
		return AwardResult{}, &ConstraintViolationError{Constraint: "entry_user", Detail: "user id is required"}
	}
	if amount == 0 {
		return AwardResult{}, &ConstraintViolationError{Constraint: "entry_amount", Detail: "adjustment amount must be non-zero"}
	}
	if naturalKey == "" {
		naturalKey = uuid.NewString()
	}
	res, err := e.Dispatcher.Dispatch(ctx, Proposal{
		UserID:     userID,
		Reason:     ReasonAdminAdjustment,
		NaturalKey: naturalKey,
		Amount:     amount,
		Note:       note,
	})
	if err != nil {
		return res, err
	}
	logging.Ctx(ctx).Info().
		Str("user_id", string(userID)).
		Int64("amount", amount).
		Str("outcome", string(res.Outcome)).
		Msg("admin adjustment")
	return res, nil
}

// =============================================================================
// READS
// =============================================================================

// UserStats is the full read model for one user.
type UserStats struct {
	Aggregate       UserAggregate
	Level           int
	ProgressToNext  int64
	ProgressPercent decimal.Decimal
	StreakDays      int
	Counters        Counters
	Unlocks         []AchievementUnlock
}

func (e *Engine) Stats(ctx context.Context, userID UserID) (UserStats, error) {
	snap, err := e.Achievements.Snapshot(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	today := DayOf(e.now())
	stats := UserStats{
		Aggregate:       snap.Aggregate,
		Level:           Level(snap.Aggregate.TotalPoints),
		ProgressToNext:  ProgressToNext(snap.Aggregate.TotalPoints),
		ProgressPercent: ProgressPercent(snap.Aggregate.TotalPoints),
		StreakDays:      EffectiveStreak(snap.Aggregate.Streak(), today),
		Counters:        snap.Counters,
	}
	for _, def := range e.Catalog.Achievements() {
		if at, ok := snap.Unlocked[def.ID]; ok {
			stats.Unlocks = append(stats.Unlocks, AchievementUnlock{UserID: userID, AchievementID: def.ID, UnlockedAt: at})
		}
	}
	return stats, nil
}

// AchievementStatuses lists the catalog with the user's lock state.
func (e *Engine) AchievementStatuses(ctx context.Context, userID UserID) ([]AchievementStatus, error) {
	snap, err := e.Achievements.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.Achievements.Rules.Statuses(snap), nil
}

// History returns the user's ledger, oldest first.
func (e *Engine) History(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	ctx, cancel := detach(ctx, e.Timeout)
	defer cancel()
	return e.Ledger.Entries(ctx, userID)
}

// Reconcile compares the running total with the ledger sum.
func (e *Engine) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	ctx, cancel := detach(ctx, e.Timeout)
	defer cancel()
	return e.Ledger.Reconcile(ctx, userID)
}

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
)

// Leaderboard returns the top users by points. Eventually consistent.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]UserAggregate, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	limit = min(limit, MaxLeaderboardSize)

	ctx, cancel := detach(ctx, e.Timeout)
	defer cancel()
	top, err := e.Store.TopAggregates(ctx, limit)
	if err != nil {
		return nil, AsPersistence("leaderboard", err)
	}
	today := DayOf(e.now())
	for i := range top {
		top[i] = top[i].WithLevel()
		top[i].CurrentStreakDays = EffectiveStreak(top[i].Streak(), today)
	}
	return top, nil
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return SystemClock()
	}
	return e.Clock()
}
