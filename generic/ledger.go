/*
ledger.go - Append-only points ledger

PURPOSE:
  The Ledger is the immutable source of truth for points. Every login
  bonus, reading-day award, achievement reward, referral bonus and admin
  correction is recorded here.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. IDEMPOTENT: Same idempotency key = same entry (no duplicates)
  4. CONSISTENT: The running total moves in the same transaction as the
     append, so TotalPoints is an O(1) read that never drifts.

CORRECTIONS:
  A mistaken award is never edited. An admin_adjustment entry with a
  negative amount is appended instead; both rows remain in history.

DUPLICATES:
  Appending an entry whose idempotency key already exists is a no-op that
  returns the EXISTING entry together with ErrDuplicateAward. This is what
  makes a double-clicked "complete reading day" safe.

SEE ALSO:
  - store.go: Low-level persistence interface
  - dispatcher.go: the only caller that appends
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - Append-only points log
// =============================================================================

type Ledger interface {
	// Append adds an entry and moves the running total atomically.
	// Returns the existing entry and ErrDuplicateAward for a repeated key.
	Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)

	// TotalPoints reads the running total. O(1).
	TotalPoints(ctx context.Context, userID UserID) (int64, error)

	// Entries returns all entries for a user, chronologically.
	Entries(ctx context.Context, userID UserID) ([]LedgerEntry, error)

	// Reconcile re-sums the ledger and compares it with the running total.
	Reconcile(ctx context.Context, userID UserID) (Reconciliation, error)
}

// Reconciliation reports whether the running total matches the ledger.
type Reconciliation struct {
	UserID       UserID
	RunningTotal int64
	LedgerSum    int64
	Entries      int
}

func (r Reconciliation) Drift() int64 { return r.RunningTotal - r.LedgerSum }

// =============================================================================
// DEFAULT LEDGER - Implementation using TxStore
// =============================================================================

type DefaultLedger struct {
	Store TxStore
	Clock Clock
}

func NewLedger(store TxStore) *DefaultLedger {
	return &DefaultLedger{Store: store, Clock: SystemClock}
}

func (l *DefaultLedger) Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	var stored LedgerEntry
	var dupErr error
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		stored, _, err = l.appendIn(ctx, s, entry)
		if IsDuplicate(err) {
			dupErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return LedgerEntry{}, AsPersistence("ledger append", err)
	}
	return stored, dupErr
}

// appendIn performs the append inside an open transaction. The caller owns
// the transaction so it can bundle other writes (unlock markers) with it.
func (l *DefaultLedger) appendIn(ctx context.Context, s Store, entry LedgerEntry) (LedgerEntry, UserAggregate, error) {
	if err := validateEntry(entry); err != nil {
		return LedgerEntry{}, UserAggregate{}, err
	}
	if entry.ID == "" {
		entry.ID = EntryID(uuid.NewString())
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = IdempotencyKey(entry.UserID, entry.Reason, entry.NaturalKey)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}

	stored, inserted, err := s.InsertEntry(ctx, entry)
	if err != nil {
		return LedgerEntry{}, UserAggregate{}, err
	}
	if !inserted {
		agg, err := s.ReadAggregate(ctx, entry.UserID)
		if err != nil {
			return LedgerEntry{}, UserAggregate{}, err
		}
		return stored, agg.WithLevel(), fmt.Errorf("key %s: %w", entry.IdempotencyKey, ErrDuplicateAward)
	}

	agg, err := s.IncrementPoints(ctx, entry.UserID, entry.Amount)
	if err != nil {
		return LedgerEntry{}, UserAggregate{}, err
	}
	return stored, agg.WithLevel(), nil
}

func (l *DefaultLedger) TotalPoints(ctx context.Context, userID UserID) (int64, error) {
	agg, err := l.Store.ReadAggregate(ctx, userID)
	if err != nil {
		return 0, AsPersistence("ledger total", err)
	}
	return agg.TotalPoints, nil
}

func (l *DefaultLedger) Entries(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	entries, err := l.Store.Entries(ctx, userID)
	return entries, AsPersistence("ledger entries", err)
}

func (l *DefaultLedger) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	rec := Reconciliation{UserID: userID}
	err := l.Store.WithTx(ctx, func(s Store) error {
		entries, err := s.Entries(ctx, userID)
		if err != nil {
			return err
		}
		agg, err := s.ReadAggregate(ctx, userID)
		if err != nil {
			return err
		}
		rec.RunningTotal = agg.TotalPoints
		rec.Entries = len(entries)
		for _, e := range entries {
			rec.LedgerSum += e.Amount
		}
		return nil
	})
	return rec, AsPersistence("ledger reconcile", err)
}

func (l *DefaultLedger) now() time.Time {
	if l.Clock == nil {
		return SystemClock()
	}
	return l.Clock()
}

func validateEntry(e LedgerEntry) error {
	if e.UserID == "" {
		return &ConstraintViolationError{Constraint: "entry_user", Detail: "user id is required"}
	}
	if !e.Reason.Valid() {
		return &ConstraintViolationError{Constraint: "entry_reason", Detail: fmt.Sprintf("unknown reason %q", e.Reason)}
	}
	if e.Amount < 0 && e.Reason != ReasonAdminAdjustment {
		return &ConstraintViolationError{Constraint: "entry_amount", Detail: "only admin adjustments may be negative"}
	}
	return nil
}
