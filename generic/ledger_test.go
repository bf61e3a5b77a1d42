package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/generic/store"
)

func TestLedger_AppendDuplicate(t *testing.T) {
	// GIVEN: an entry already appended
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()
	first, err := ledger.Append(ctx, entry("u1", generic.ReasonDailyLogin, "2026-03-01", 10))
	require.NoError(t, err)

	// WHEN: the same (user, reason, key) is appended again
	second, err := ledger.Append(ctx, entry("u1", generic.ReasonDailyLogin, "2026-03-01", 10))

	// THEN: the existing entry comes back with ErrDuplicateAward
	require.ErrorIs(t, err, generic.ErrDuplicateAward)
	assert.True(t, generic.IsDuplicate(err))
	assert.Equal(t, first.ID, second.ID)

	total, err := ledger.TotalPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestLedger_SameKeyDifferentReasonOrUser(t *testing.T) {
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()

	_, err := ledger.Append(ctx, entry("u1", generic.ReasonPostCreated, "k", 5))
	require.NoError(t, err)
	_, err = ledger.Append(ctx, entry("u1", generic.ReasonLikeGiven, "k", 1))
	require.NoError(t, err)
	_, err = ledger.Append(ctx, entry("u2", generic.ReasonPostCreated, "k", 5))
	require.NoError(t, err)

	entries, err := ledger.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedger_KeysDoNotCollideAcrossUsers(t *testing.T) {
	// GIVEN: a user id that contains the key separator
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()
	_, err := ledger.Append(ctx, entry("v|daily_login", generic.ReasonPostCreated, "k", 5))
	require.NoError(t, err)

	// WHEN: another user's parts join to the same text
	got, err := ledger.Append(ctx, entry("v", generic.ReasonDailyLogin, "post_created|k", 10))

	// THEN: the second award is stored on its own
	require.NoError(t, err)
	assert.Equal(t, generic.UserID("v"), got.UserID)
	assert.NotEqual(t,
		generic.IdempotencyKey("v|daily_login", generic.ReasonPostCreated, "k"),
		generic.IdempotencyKey("v", generic.ReasonDailyLogin, "post_created|k"))

	total, err := ledger.TotalPoints(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	total, err = ledger.TotalPoints(ctx, "v|daily_login")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestLedger_Rejects(t *testing.T) {
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()

	tests := []struct {
		name  string
		entry generic.LedgerEntry
	}{
		{"negative award", entry("u1", generic.ReasonDailyLogin, "d", -10)},
		{"unknown reason", entry("u1", "bribe", "d", 10)},
		{"no user", entry("", generic.ReasonDailyLogin, "d", 10)},
		{"negative total", entry("u1", generic.ReasonAdminAdjustment, "d", -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Append(ctx, tt.entry)
			var cv *generic.ConstraintViolationError
			assert.ErrorAs(t, err, &cv)
		})
	}

	entries, err := ledger.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedger_Reconcile(t *testing.T) {
	// GIVEN: a mix of awards and adjustments
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()
	for i, amt := range []int64{10, 5, 50, -20, 100} {
		reason := generic.ReasonAchievementUnlocked
		if amt < 0 {
			reason = generic.ReasonAdminAdjustment
		}
		_, err := ledger.Append(ctx, entry("u1", reason, string(rune('a'+i)), amt))
		require.NoError(t, err)
	}

	// WHEN: reconciling
	rec, err := ledger.Reconcile(ctx, "u1")

	// THEN: the running total matches the sum of entries
	require.NoError(t, err)
	assert.Equal(t, int64(145), rec.LedgerSum)
	assert.Equal(t, rec.LedgerSum, rec.RunningTotal)
	assert.Zero(t, rec.Drift())
	assert.Equal(t, 5, rec.Entries)
}

func TestLedger_EntriesOldestFirst(t *testing.T) {
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"c", "a", "b"} {
		e := entry("u1", generic.ReasonPostCreated, key, 5)
		e.CreatedAt = base.Add(time.Duration(2-i) * time.Hour)
		_, err := ledger.Append(ctx, e)
		require.NoError(t, err)
	}

	entries, err := ledger.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].NaturalKey)
	assert.Equal(t, "c", entries[2].NaturalKey)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

func entry(user generic.UserID, reason generic.Reason, key string, amount int64) generic.LedgerEntry {
	return generic.LedgerEntry{UserID: user, Reason: reason, NaturalKey: key, Amount: amount}
}
