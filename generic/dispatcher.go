/*
dispatcher.go - The single mutation boundary for points

PURPOSE:
  Every award in the system passes through Dispatcher. The achievement
  rules, the referral chain and the activity engine only PROPOSE awards;
  the dispatcher persists them. Idempotency and transactional consistency
  therefore live in exactly one place.

WHAT ONE DISPATCH DOES (one store transaction):
  1. Insert the "already awarded" marker if the proposal carries one
     (achievement unlock row, unique per user+achievement)
  2. Append the ledger entry unless its idempotency key exists
  3. Move the running total and re-derive the level

OUTCOMES:
  ok         new entry written
  duplicate  key already present, totals unchanged (not an error)
  failed     store rejected the write, nothing persisted

CANCELLATION:
  A dispatch is detached from the caller's cancellation and bounded by
  its own timeout: an aborted request cannot leave a half-written award
  and a slow store cannot hang the call.
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/lamplight/rewards-engine/metrics"
)

// DefaultStoreTimeout bounds every store interaction started by the engine.
const DefaultStoreTimeout = 5 * time.Second

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Proposal is an award some component would like persisted.
type Proposal struct {
	UserID     UserID
	Reason     Reason
	NaturalKey string
	Amount     int64
	Note       string

	// Unlock is written in the same transaction as the entry.
	Unlock *AchievementUnlock
}

// AwardResult is what the dispatcher did with a proposal.
type AwardResult struct {
	Outcome   Outcome
	Entry     LedgerEntry
	Aggregate UserAggregate

	// Unlocked is true when this dispatch inserted the unlock marker.
	Unlocked bool
}

type Dispatcher struct {
	Store   TxStore
	Ledger  *DefaultLedger
	Timeout time.Duration
}

func NewDispatcher(store TxStore, ledger *DefaultLedger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{Store: store, Ledger: ledger, Timeout: timeout}
}

// Award persists one award. See Dispatch.
func (d *Dispatcher) Award(ctx context.Context, userID UserID, reason Reason, naturalKey string, amount int64) (AwardResult, error) {
	return d.Dispatch(ctx, Proposal{UserID: userID, Reason: reason, NaturalKey: naturalKey, Amount: amount})
}

// Dispatch persists a proposal idempotently. A duplicate returns
// OutcomeDuplicate and a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, p Proposal) (AwardResult, error) {
	ctx, cancel := detach(ctx, d.Timeout)
	defer cancel()

	var res AwardResult
	err := d.Store.WithTx(ctx, func(s Store) error {
		res = AwardResult{}
		if p.Unlock != nil {
			inserted, err := s.InsertUnlock(ctx, *p.Unlock)
			if err != nil {
				return err
			}
			res.Unlocked = inserted
		}

		if p.Amount == 0 {
			agg, err := s.ReadAggregate(ctx, p.UserID)
			if err != nil {
				return err
			}
			res.Aggregate = agg.WithLevel()
			res.Outcome = OutcomeOK
			if p.Unlock != nil && !res.Unlocked {
				res.Outcome = OutcomeDuplicate
			}
			return nil
		}

		entry, agg, err := d.Ledger.appendIn(ctx, s, LedgerEntry{
			UserID:     p.UserID,
			Amount:     p.Amount,
			Reason:     p.Reason,
			NaturalKey: p.NaturalKey,
			Note:       p.Note,
		})
		switch {
		case IsDuplicate(err):
			res.Outcome = OutcomeDuplicate
		case err != nil:
			return err
		default:
			res.Outcome = OutcomeOK
		}
		res.Entry = entry
		res.Aggregate = agg
		return nil
	})
	if err != nil {
		err = AsPersistence("dispatch "+string(p.Reason), err)
		metrics.AwardsTotal.WithLabelValues(string(p.Reason), string(OutcomeFailed)).Inc()
		return AwardResult{Outcome: OutcomeFailed}, err
	}
	metrics.AwardsTotal.WithLabelValues(string(p.Reason), string(res.Outcome)).Inc()
	return res, nil
}

// detach returns a context that ignores the caller's cancellation but keeps
// its values, bounded by timeout.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// isFatal reports errors that must stop an activity pipeline early.
func isFatal(err error) bool {
	return IsRetryable(err) || errors.Is(err, ErrConstraintViolation)
}
