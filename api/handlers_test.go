/*
handlers_test.go - Tests for the HTTP API

Tests run the full chi router over the in-memory store with a fixed clock.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamplight/rewards-engine/api"
	"github.com/lamplight/rewards-engine/devotional"
	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/generic/store"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestRecordActivity_ReadingDayTwice(t *testing.T) {
	// GIVEN: a fresh user
	router, _ := newTestRouter(t, api.RouterConfig{})
	body := map[string]any{
		"type":    "reading_day_complete",
		"context": map[string]string{"plan_id": "john", "day": "3"},
	}

	// WHEN: the same reading day is posted twice
	first := do(t, router, http.MethodPost, "/api/users/u1/activities", body)
	second := do(t, router, http.MethodPost, "/api/users/u1/activities", body)

	// THEN: points are awarded once and the second call is a duplicate
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var r1, r2 api.ActivityResultDTO
	decode(t, first, &r1)
	decode(t, second, &r2)
	assert.False(t, r1.Duplicate)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, r1.TotalPoints, r2.TotalPoints)

	var ledger api.LedgerDTO
	decode(t, do(t, router, http.MethodGet, "/api/users/u1/ledger", nil), &ledger)
	reasons := map[string]int{}
	for _, e := range ledger.Entries {
		reasons[e.Reason]++
	}
	assert.Equal(t, 1, reasons["reading_day_complete"])
}

func TestRecordActivity_UnknownTypeIsIgnored(t *testing.T) {
	// GIVEN: a user with a login
	router, _ := newTestRouter(t, api.RouterConfig{})
	do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "daily_login"})

	// WHEN: an unknown activity type is posted
	rec := do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "levitation"})

	// THEN: 200 with ignored=true and the current totals
	require.Equal(t, http.StatusOK, rec.Code)
	var res api.ActivityResultDTO
	decode(t, rec, &res)
	assert.True(t, res.Ignored)
	assert.NotEmpty(t, res.IgnoredReason)
	assert.Equal(t, int64(devotional.PointsDailyLogin), res.TotalPoints)
}

func TestRecordActivity_ValidationErrors(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})

	tests := []struct {
		name string
		body any
	}{
		{"missing type", map[string]any{"natural_key": "x"}},
		{"malformed json", "not-json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/users/u1/activities", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRecordActivity_StoreUnavailable(t *testing.T) {
	// GIVEN: a store whose transactions always fail transiently
	mem := store.NewMemory()
	router := routerOver(t, downStore{mem}, api.RouterConfig{})

	// WHEN: an activity is posted
	rec := do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "daily_login"})

	// THEN: 503 with Retry-After
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRecordActivity_RateLimitedPerUser(t *testing.T) {
	// GIVEN: a limit of one activity per minute
	router, _ := newTestRouter(t, api.RouterConfig{RateLimitPerMinute: 1})
	login := map[string]any{"type": "daily_login"}

	// WHEN: one user posts twice and another user once
	first := do(t, router, http.MethodPost, "/api/users/u1/activities", login)
	second := do(t, router, http.MethodPost, "/api/users/u1/activities", login)
	other := do(t, router, http.MethodPost, "/api/users/u2/activities", login)

	// THEN: only the repeat from u1 is limited
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestGetStats(t *testing.T) {
	// GIVEN: a user who logged in and read
	router, _ := newTestRouter(t, api.RouterConfig{})
	do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "daily_login"})
	do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{
		"type": "reading_day_complete", "context": map[string]string{"plan_id": "p", "day": "1"},
	})

	// WHEN: stats are requested
	rec := do(t, router, http.MethodGet, "/api/users/u1/stats", nil)

	// THEN: totals, streak, counters and the first_steps unlock are reported
	require.Equal(t, http.StatusOK, rec.Code)
	var stats api.StatsDTO
	decode(t, rec, &stats)
	assert.Equal(t, "u1", stats.UserID)
	assert.Equal(t, 1, stats.CurrentStreakDays)
	assert.Equal(t, "2026-03-10", stats.LastActivityDate)
	assert.Equal(t, int64(1), stats.Counters["logins"])
	assert.Equal(t, int64(1), stats.Counters["readings"])
	assert.Equal(t, 1, stats.Level)
	require.Len(t, stats.Unlocks, 1)
	assert.Equal(t, string(devotional.AchFirstSteps), stats.Unlocks[0].AchievementID)

	// points = login + reading + first_steps reward
	want := int64(devotional.PointsDailyLogin + devotional.PointsReadingDay + 10)
	assert.Equal(t, want, stats.TotalPoints)
	assert.Equal(t, generic.ProgressPercent(want).String(), stats.ProgressPercent.String())
}

func TestGetUserAchievements(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})
	do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "post_created", "natural_key": "p1"})

	rec := do(t, router, http.MethodGet, "/api/users/u1/achievements", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []api.AchievementStatusDTO
	decode(t, rec, &statuses)
	assert.Len(t, statuses, len(devotional.Achievements()))

	byID := map[string]api.AchievementStatusDTO{}
	for _, s := range statuses {
		byID[s.ID] = s
	}
	assert.True(t, byID[string(devotional.AchFirstPost)].Unlocked)
	assert.NotNil(t, byID[string(devotional.AchFirstPost)].UnlockedAt)
	assert.False(t, byID[string(devotional.AchStoryteller)].Unlocked)
	assert.Equal(t, int64(1), byID[string(devotional.AchStoryteller)].Progress)
}

func TestCreateAdjustment(t *testing.T) {
	// GIVEN: a keyed adjustment
	router, _ := newTestRouter(t, api.RouterConfig{})
	body := map[string]any{"amount": 250, "natural_key": "support-ticket-9", "note": "goodwill"}

	// WHEN: it is posted twice
	first := do(t, router, http.MethodPost, "/api/users/u1/adjustments", body)
	second := do(t, router, http.MethodPost, "/api/users/u1/adjustments", body)

	// THEN: created once, then returned as a duplicate
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	var a1, a2 api.AdjustmentDTO
	decode(t, first, &a1)
	decode(t, second, &a2)
	assert.False(t, a1.Duplicate)
	assert.True(t, a2.Duplicate)
	assert.Equal(t, a1.Entry.ID, a2.Entry.ID)
	assert.Equal(t, int64(250), a2.TotalPoints)
	assert.Equal(t, "admin_adjustment", a1.Entry.Reason)
}

func TestCreateAdjustment_Rejects(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})

	zero := do(t, router, http.MethodPost, "/api/users/u1/adjustments", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, zero.Code)

	// A deduction below zero breaks the non-negative total constraint.
	negative := do(t, router, http.MethodPost, "/api/users/u1/adjustments", map[string]any{"amount": -5})
	assert.Equal(t, http.StatusConflict, negative.Code)
}

func TestReferralFlow(t *testing.T) {
	// GIVEN: a link between two users
	router, _ := newTestRouter(t, api.RouterConfig{})
	rec := do(t, router, http.MethodPost, "/api/referrals", map[string]any{"referrer_id": "alice", "referred_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var link api.ReferralDTO
	decode(t, rec, &link)
	assert.Equal(t, "pending", link.Status)
	assert.True(t, link.Created)

	again := do(t, router, http.MethodPost, "/api/referrals", map[string]any{"referrer_id": "carol", "referred_id": "bob"})
	require.Equal(t, http.StatusOK, again.Code)
	var existing api.ReferralDTO
	decode(t, again, &existing)
	assert.Equal(t, link.ID, existing.ID)
	assert.Equal(t, "alice", existing.ReferrerID)

	// WHEN: bob qualifies
	do(t, router, http.MethodPost, "/api/users/bob/activities", map[string]any{"type": "daily_login"})
	do(t, router, http.MethodPost, "/api/users/bob/activities", map[string]any{"type": "like_given", "natural_key": "l1"})

	// THEN: both users hold their bonus
	var alice, bob api.StatsDTO
	decode(t, do(t, router, http.MethodGet, "/api/users/alice/stats", nil), &alice)
	decode(t, do(t, router, http.MethodGet, "/api/users/bob/stats", nil), &bob)
	assert.Equal(t, int64(100), alice.TotalPoints)
	assert.Equal(t, int64(devotional.PointsDailyLogin+devotional.PointsLikeGiven+50), bob.TotalPoints)

	// AND: a redrive has nothing left to do
	var report api.RedriveReportDTO
	redrive := do(t, router, http.MethodPost, "/api/referrals/redrive", nil)
	require.Equal(t, http.StatusOK, redrive.Code)
	decode(t, redrive, &report)
	assert.Zero(t, report.Retried)
	assert.Zero(t, report.Failed)
}

func TestLinkReferral_SelfReferral(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})
	rec := do(t, router, http.MethodPost, "/api/referrals", map[string]any{"referrer_id": "alice", "referred_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeaderboard(t *testing.T) {
	// GIVEN: three users with different totals
	router, _ := newTestRouter(t, api.RouterConfig{})
	for user, amount := range map[string]int{"a": 30, "b": 300, "c": 3} {
		rec := do(t, router, http.MethodPost, "/api/users/"+user+"/adjustments", map[string]any{"amount": amount})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// WHEN: the top two are requested
	rec := do(t, router, http.MethodGet, "/api/leaderboard?limit=2", nil)

	// THEN: ranked by points
	require.Equal(t, http.StatusOK, rec.Code)
	var top []api.LeaderboardEntryDTO
	decode(t, rec, &top)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].UserID)
	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, "a", top[1].UserID)

	bad := do(t, router, http.MethodGet, "/api/leaderboard?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestListAchievements(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})
	rec := do(t, router, http.MethodGet, "/api/achievements", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var defs []api.AchievementDTO
	decode(t, rec, &defs)
	require.Len(t, defs, len(devotional.Achievements()))
	assert.Equal(t, string(devotional.AchFirstSteps), defs[0].ID)
}

func TestHealthz(t *testing.T) {
	t.Run("without checker", func(t *testing.T) {
		router, _ := newTestRouter(t, api.RouterConfig{})
		rec := do(t, router, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing checker", func(t *testing.T) {
		engine := generic.NewEngine(store.NewMemory(), devotional.MustCatalog(), generic.EngineConfig{Clock: generic.FixedClock(testNow)})
		router := api.NewRouter(api.NewHandler(engine, fakeHealth{err: errors.New("disk gone")}), api.RouterConfig{})
		rec := do(t, router, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var dto api.HealthDTO
		decode(t, rec, &dto)
		assert.Equal(t, "open", dto.Breaker)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, api.RouterConfig{})
	do(t, router, http.MethodPost, "/api/users/u1/activities", map[string]any{"type": "daily_login"})

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rewards_activities_total")
}

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestRouter(t *testing.T, cfg api.RouterConfig) (chi.Router, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return routerOver(t, mem, cfg), mem
}

func routerOver(t *testing.T, s generic.TxStore, cfg api.RouterConfig) chi.Router {
	t.Helper()
	engine := generic.NewEngine(s, devotional.MustCatalog(), generic.EngineConfig{
		StoreTimeout: time.Second,
		Referral:     generic.DefaultReferralConfig(),
		Clock:        generic.FixedClock(testNow),
	})
	return api.NewRouter(api.NewHandler(engine, nil), cfg)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

// downStore fails every transaction as if the database were locked.
type downStore struct {
	*store.Memory
}

func (downStore) WithTx(context.Context, func(generic.Store) error) error {
	return &generic.PersistenceError{Op: "begin", Err: errors.New("database is locked")}
}

type fakeHealth struct{ err error }

func (f fakeHealth) Ping(context.Context) error { return f.err }
func (fakeHealth) BreakerState() string         { return "open" }
