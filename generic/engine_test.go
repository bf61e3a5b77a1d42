package generic_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamplight/rewards-engine/devotional"
	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/generic/store"
	"github.com/lamplight/rewards-engine/metrics"
)

var day1 = time.Date(2026, time.March, 1, 8, 30, 0, 0, time.UTC)

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestRecordActivity_ReadingDayTwice_AwardsOnce(t *testing.T) {
	// GIVEN: a catalog with no achievements, so only the activity pays
	catalog, err := generic.NewCatalog(devotional.Rules(), nil)
	require.NoError(t, err)
	engine, mem, _ := newEngine(t, catalog)
	ctx := context.Background()
	act := readingDay("john", 1, 0)

	// WHEN: the same reading day is completed twice
	first, err := engine.RecordActivity(ctx, "u1", act)
	require.NoError(t, err)
	second, err := engine.RecordActivity(ctx, "u1", act)
	require.NoError(t, err)

	// THEN: total is 5 with exactly one ledger entry
	assert.Equal(t, int64(5), first.TotalPoints)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(5), second.TotalPoints)
	assert.True(t, second.Duplicate)

	entries, err := mem.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	counters, err := mem.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Get(generic.CounterReadings))
}

func TestRecordActivity_DailyLoginOncePerDay(t *testing.T) {
	engine, _, clock := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()
	login := generic.Activity{Type: generic.ActivityDailyLogin}

	r1, err := engine.RecordActivity(ctx, "u1", login)
	require.NoError(t, err)
	r2, err := engine.RecordActivity(ctx, "u1", login)
	require.NoError(t, err)
	clock.AdvanceDays(1)
	r3, err := engine.RecordActivity(ctx, "u1", login)
	require.NoError(t, err)

	assert.Equal(t, int64(10), r1.TotalPoints)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, int64(10), r2.TotalPoints)
	assert.Equal(t, int64(20), r3.TotalPoints)
	assert.Equal(t, 2, r3.StreakDays)
}

func TestRecordActivity_DailyLoginIgnoresCallerKey(t *testing.T) {
	// GIVEN: logins on one day, each carrying a different caller key
	engine, mem, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()

	// WHEN: all four are recorded
	var last generic.ActivityResult
	for _, key := range []string{"a", "b", "c", "d"} {
		r, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin, NaturalKey: key})
		require.NoError(t, err)
		last = r
	}

	// THEN: only the first pays, keyed on the UTC date
	assert.True(t, last.Duplicate)
	assert.Equal(t, int64(10), last.TotalPoints)

	entries, err := mem.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2026-03-01", entries[0].NaturalKey)

	counters, err := mem.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Get(generic.CounterLogins))
}

// =============================================================================
// PLAN COMPLETION
// =============================================================================

func TestRecordActivity_PlanCompletion(t *testing.T) {
	// GIVEN: a three-day plan
	catalog, err := generic.NewCatalog(devotional.Rules(), nil)
	require.NoError(t, err)
	engine, mem, clock := newEngine(t, catalog)
	ctx := context.Background()

	// WHEN: each day is completed, the last one twice
	for d := 1; d <= 3; d++ {
		_, err := engine.RecordActivity(ctx, "u1", readingDay("psalms", d, 3))
		require.NoError(t, err)
		clock.AdvanceDays(1)
	}
	_, err = engine.RecordActivity(ctx, "u1", readingDay("psalms", 3, 3))
	require.NoError(t, err)

	// THEN: plan_complete is awarded exactly once
	entries, err := mem.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, countReason(entries, generic.ReasonPlanComplete))
	assert.Equal(t, 3, countReason(entries, generic.ReasonReadingDayComplete))

	agg, err := mem.ReadAggregate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3*devotional.PointsReadingDay+devotional.PointsPlanComplete), agg.TotalPoints)
	assert.Equal(t, 3, agg.CurrentStreakDays)

	counters, err := mem.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Get(generic.CounterPlans))
}

func TestRecordActivity_PlanCompletionUnlocksPlanFinisher(t *testing.T) {
	engine, _, clock := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()

	var last generic.ActivityResult
	for d := 1; d <= 2; d++ {
		var err error
		last, err = engine.RecordActivity(ctx, "u1", readingDay("ruth", d, 2))
		require.NoError(t, err)
		clock.AdvanceDays(1)
	}

	assert.Contains(t, achievementIDs(last.NewAchievements), devotional.AchPlanFinisher)
}

// =============================================================================
// INVALID ACTIVITY
// =============================================================================

func TestRecordActivity_InvalidIsIgnored(t *testing.T) {
	engine, mem, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()

	_, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin})
	require.NoError(t, err)

	tests := []struct {
		name string
		user generic.UserID
		act  generic.Activity
	}{
		{"unknown type", "u1", generic.Activity{Type: "walked_on_water"}},
		{"missing plan id", "u1", generic.Activity{Type: generic.ActivityReadingDayComplete, Context: map[string]string{"day": "1"}}},
		{"bad day", "u1", readingDayRaw("john", "zero")},
		{"post without key", "u1", generic.Activity{Type: generic.ActivityPostCreated}},
		{"self referral", "u1", generic.Activity{Type: generic.ActivityReferralSignup, NaturalKey: "u1"}},
		{"no user", "", generic.Activity{Type: generic.ActivityDailyLogin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.RecordActivity(ctx, tt.user, tt.act)
			require.NoError(t, err)
			assert.True(t, res.Ignored)
			assert.NotEmpty(t, res.IgnoredReason)
			if tt.user != "" {
				assert.Equal(t, int64(devotional.PointsDailyLogin), res.TotalPoints)
			}
		})
	}

	entries, err := mem.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordActivity_UnknownTypeMetricLabel(t *testing.T) {
	// GIVEN: the ignored-activity counters before the call
	engine, _, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()
	unknown := metrics.ActivitiesTotal.WithLabelValues("unknown", "ignored")
	before := testutil.ToFloat64(unknown)

	// WHEN: an activity type outside the catalog is reported
	res, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: "type-8f3a1c"})
	require.NoError(t, err)
	require.True(t, res.Ignored)

	// THEN: it is counted under "unknown" and its raw type never becomes a label
	assert.Equal(t, before+1, testutil.ToFloat64(unknown))
	assert.False(t, activityLabelSeen(t, "type-8f3a1c"))

	// A known type with bad context keeps its own label.
	post := metrics.ActivitiesTotal.WithLabelValues(string(generic.ActivityPostCreated), "ignored")
	before = testutil.ToFloat64(post)
	_, err = engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityPostCreated})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(post))
}

// =============================================================================
// PERSISTENCE FAILURE
// =============================================================================

func TestRecordActivity_AwardTimeoutKeepsPrimary(t *testing.T) {
	// GIVEN: a store whose ledger writes hang past the timeout
	mem := store.NewMemory()
	slow := &hangingEntries{Memory: mem}
	clock := newStepClock(day1)
	engine := generic.NewEngine(slow, devotional.MustCatalog(), generic.EngineConfig{
		StoreTimeout: 30 * time.Millisecond,
		Clock:        clock.Now,
	})
	ctx := context.Background()

	// WHEN: a login is recorded
	_, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin})

	// THEN: the caller sees a retryable error and the primary action is kept
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrPersistenceUnavailable)
	assert.True(t, generic.IsRetryable(err))

	counters, cerr := mem.Counters(ctx, "u1")
	require.NoError(t, cerr)
	assert.Equal(t, int64(1), counters.Get(generic.CounterLogins))
	agg, aerr := mem.ReadAggregate(ctx, "u1")
	require.NoError(t, aerr)
	assert.Equal(t, int64(0), agg.TotalPoints)
	assert.Equal(t, 1, agg.CurrentStreakDays)

	// AND: a retry once the store recovers fills in the award only
	slow.healthy()
	res, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(devotional.PointsDailyLogin), res.TotalPoints)
	assert.Equal(t, 1, res.StreakDays)
}

func TestRecordActivity_PrimaryFailure(t *testing.T) {
	engine := generic.NewEngine(brokenTx{store.NewMemory()}, devotional.MustCatalog(), generic.DefaultEngineConfig())

	_, err := engine.RecordActivity(context.Background(), "u1", generic.Activity{Type: generic.ActivityDailyLogin})
	assert.ErrorIs(t, err, generic.ErrPersistenceUnavailable)
}

// =============================================================================
// READS AND ADMIN
// =============================================================================

func TestStats_BrokenStreakReadsZero(t *testing.T) {
	engine, _, clock := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()

	for range 3 {
		_, err := engine.RecordActivity(ctx, "u1", generic.Activity{Type: generic.ActivityDailyLogin})
		require.NoError(t, err)
		clock.AdvanceDays(1)
	}
	stats, err := engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.StreakDays, "last activity was yesterday")

	clock.AdvanceDays(1)
	stats, err = engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.StreakDays)
	assert.Equal(t, 3, stats.Aggregate.LongestStreakDays)
	assert.Equal(t, int64(3), stats.Counters.Get(generic.CounterLogins))
}

func TestAdminAdjust(t *testing.T) {
	engine, _, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()

	res, err := engine.AdminAdjust(ctx, "u1", 40, "", "welcome")
	require.NoError(t, err)
	assert.Equal(t, generic.OutcomeOK, res.Outcome)

	// Unkeyed adjustments are never deduplicated.
	res, err = engine.AdminAdjust(ctx, "u1", 40, "", "welcome")
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Aggregate.TotalPoints)

	res, err = engine.AdminAdjust(ctx, "u1", -30, "refund-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Aggregate.TotalPoints)

	_, err = engine.AdminAdjust(ctx, "u1", -500, "", "")
	assert.ErrorIs(t, err, generic.ErrConstraintViolation)

	_, err = engine.AdminAdjust(ctx, "u1", 0, "", "")
	assert.ErrorIs(t, err, generic.ErrConstraintViolation)

	rec, err := engine.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, rec.Drift())
	assert.Equal(t, 3, rec.Entries)
}

func TestLeaderboard(t *testing.T) {
	engine, _, _ := newEngine(t, devotional.MustCatalog())
	ctx := context.Background()
	for user, pts := range map[generic.UserID]int64{"a": 1500, "b": 20, "c": 700} {
		_, err := engine.AdminAdjust(ctx, user, pts, "", "")
		require.NoError(t, err)
	}

	top, err := engine.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, generic.UserID("a"), top[0].UserID)
	assert.Equal(t, 2, top[0].Level)
	assert.Equal(t, generic.UserID("c"), top[1].UserID)

	top, err = engine.Leaderboard(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

// activityLabelSeen reports whether any rewards_activities_total series
// carries the given type label.
func activityLabelSeen(t *testing.T, typ string) bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "rewards_activities_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "type" && lp.GetValue() == typ {
					return true
				}
			}
		}
	}
	return false
}

func newEngine(t *testing.T, catalog *generic.Catalog) (*generic.Engine, *store.Memory, *stepClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := newStepClock(day1)
	engine := generic.NewEngine(mem, catalog, generic.EngineConfig{
		StoreTimeout: time.Second,
		Referral:     generic.DefaultReferralConfig(),
		Clock:        clock.Now,
	})
	return engine, mem, clock
}

// stepClock is a test clock moved forward by whole days.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{now: t} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) AdvanceDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}

func readingDay(plan string, day, total int) generic.Activity {
	ctx := map[string]string{generic.ContextPlanID: plan, generic.ContextDay: strconv.Itoa(day)}
	if total > 0 {
		ctx[generic.ContextTotalDays] = strconv.Itoa(total)
	}
	return generic.Activity{Type: generic.ActivityReadingDayComplete, Context: ctx}
}

func readingDayRaw(plan, day string) generic.Activity {
	return generic.Activity{
		Type:    generic.ActivityReadingDayComplete,
		Context: map[string]string{generic.ContextPlanID: plan, generic.ContextDay: day},
	}
}

func countReason(entries []generic.LedgerEntry, reason generic.Reason) int {
	n := 0
	for _, e := range entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

func achievementIDs(defs []generic.AchievementDefinition) []generic.AchievementID {
	ids := make([]generic.AchievementID, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	return ids
}

// hangingEntries blocks ledger inserts until the context expires, until
// healthy is called.
type hangingEntries struct {
	*store.Memory
	mu sync.Mutex
	ok bool
}

func (h *hangingEntries) healthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ok = true
}

func (h *hangingEntries) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ok
}

func (h *hangingEntries) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return h.Memory.WithTx(ctx, func(s generic.Store) error {
		return fn(&hangingTx{Store: s, parent: h})
	})
}

type hangingTx struct {
	generic.Store
	parent *hangingEntries
}

func (t *hangingTx) InsertEntry(ctx context.Context, e generic.LedgerEntry) (generic.LedgerEntry, bool, error) {
	if !t.parent.isHealthy() {
		<-ctx.Done()
		return generic.LedgerEntry{}, false, ctx.Err()
	}
	return t.Store.InsertEntry(ctx, e)
}

// brokenTx fails every transaction with a transient error.
type brokenTx struct {
	*store.Memory
}

func (brokenTx) WithTx(context.Context, func(generic.Store) error) error {
	return &generic.PersistenceError{Op: "begin", Err: errors.New("database is locked")}
}

// failKeys fails ledger inserts whose natural key has the given suffix, n
// times.
type failKeys struct {
	*store.Memory
	suffix string
	mu     sync.Mutex
	left   int
}

func (f *failKeys) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return f.Memory.WithTx(ctx, func(s generic.Store) error {
		return fn(&failKeysTx{Store: s, parent: f})
	})
}

func (f *failKeys) take(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left > 0 && strings.HasSuffix(key, f.suffix) {
		f.left--
		return true
	}
	return false
}

type failKeysTx struct {
	generic.Store
	parent *failKeys
}

func (t *failKeysTx) InsertEntry(ctx context.Context, e generic.LedgerEntry) (generic.LedgerEntry, bool, error) {
	if t.parent.take(e.NaturalKey) {
		return generic.LedgerEntry{}, false, &generic.PersistenceError{Op: "insert entry", Err: errors.New("database is locked")}
	}
	return t.Store.InsertEntry(ctx, e)
}
