/*
store.go - Persistence interface for the rewards engine

PURPOSE:
  Defines the capability set the engine needs from its backing store:
  insert-if-absent on unique keys, aggregate reads, atomic increments,
  conditional updates and simple queries. Different implementations can use
  SQLite, PostgreSQL, or in-memory storage.

INSERT-IF-ABSENT CONTRACT:
  Insert* methods return (inserted bool). A unique-key hit returns
  inserted=false and a nil error: duplicates are the normal path for
  retries, never an error. InsertEntry also returns the existing row.

ATOMICITY:
  WithTx runs fn inside one transaction. Every read-then-write of an
  aggregate (points, streak, referral status) happens inside WithTx so two
  tabs triggering the same user cannot lose updates.

ERRORS:
  Implementations translate driver failures:
  - timeouts / busy / unreachable -> ErrPersistenceUnavailable
  - non-key constraint failures   -> *ConstraintViolationError

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql + go-sqlite3)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
  - dispatcher.go: the only writer of entries and unlock markers
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for rewards persistence
// =============================================================================

// Store handles persistence for ledger entries, aggregates and the rows the
// rule engines read. Ledger entries are APPEND-ONLY: there is no update or
// delete for them.
type Store interface {
	// InsertEntry appends a ledger entry unless its idempotency key exists.
	// Returns the stored entry (existing one on duplicate) and inserted.
	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error)

	// Entries returns a user's ledger, oldest first.
	Entries(ctx context.Context, userID UserID) ([]LedgerEntry, error)

	// ReadAggregate returns the user's snapshot; a zero aggregate if absent.
	ReadAggregate(ctx context.Context, userID UserID) (UserAggregate, error)

	// IncrementPoints atomically adds delta to the running total and returns
	// the updated aggregate. A negative resulting total is rejected.
	IncrementPoints(ctx context.Context, userID UserID, delta int64) (UserAggregate, error)

	// SaveStreak persists the streak fields of the aggregate.
	SaveStreak(ctx context.Context, userID UserID, streak StreakState) error

	// InsertActivity records a primary action once per (user, type, key).
	InsertActivity(ctx context.Context, event ActivityEvent) (bool, error)

	// IncrementCounter atomically adds delta to a named counter.
	IncrementCounter(ctx context.Context, userID UserID, counter Counter, delta int64) (int64, error)

	// Counters returns all counters for a user.
	Counters(ctx context.Context, userID UserID) (Counters, error)

	// InsertUnlock records an achievement unlock once per (user, achievement).
	InsertUnlock(ctx context.Context, unlock AchievementUnlock) (bool, error)

	// Unlocks returns a user's unlocks, oldest first.
	Unlocks(ctx context.Context, userID UserID) ([]AchievementUnlock, error)

	// InsertReferral creates a link unless the referred user already has one.
	InsertReferral(ctx context.Context, link ReferralLink) (bool, error)

	// ReferralByReferred returns the referred user's link or ErrNotFound.
	ReferralByReferred(ctx context.Context, referredID UserID) (ReferralLink, error)

	// ReferralsByStatus lists links in a given status, oldest first.
	ReferralsByStatus(ctx context.Context, status ReferralStatus) ([]ReferralLink, error)

	// TransitionReferral moves a link from -> to only if it is currently in
	// from, stamping CompletedAt or RewardedAt with at. Returns whether the
	// transition happened.
	TransitionReferral(ctx context.Context, id ReferralID, from, to ReferralStatus, at time.Time) (bool, error)

	// InsertProgress records a completed reading day once per (user, plan, day).
	InsertProgress(ctx context.Context, progress ReadingProgress) (bool, error)

	// CompletedDays counts completed days of a plan for a user.
	CompletedDays(ctx context.Context, userID UserID, planID string) (int, error)

	// TopAggregates returns the highest totals, best first.
	TopAggregates(ctx context.Context, limit int) ([]UserAggregate, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic read-then-write sequences
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
