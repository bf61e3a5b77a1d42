/*
referral.go - Referral reward chain

STATE MACHINE (per ReferralLink, terminal at rewarded):

  pending ──(referred user qualifies)──> completed ──(both bonuses written)──> rewarded

  pending -> completed
    Fires once the referred user's counters show at least MinLogins logins
    and MinActions completed actions. Conditional update: only a link that
    is still pending moves, so two concurrent activities cannot both fire.

  completed -> rewarded
    Dispatches two referral_bonus awards, keyed from the link id:
      <linkID>:referrer -> ReferrerBonus to the referrer
      <linkID>:referred -> ReferredBonus to the referred user
    Only when both succeed does the link move to rewarded. After a partial
    failure the link stays completed and Redrive retries it; each award is
    individually idempotent, so re-running never writes a third entry.
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/metrics"
)

// ReferralConfig holds bonus amounts and the qualifying thresholds.
type ReferralConfig struct {
	ReferrerBonus int64
	ReferredBonus int64
	MinLogins     int64
	MinActions    int64
}

// DefaultReferralConfig returns the product defaults.
func DefaultReferralConfig() ReferralConfig {
	return ReferralConfig{ReferrerBonus: 100, ReferredBonus: 50, MinLogins: 1, MinActions: 1}
}

// Qualifies reports whether counters meet the pending -> completed threshold.
func (c ReferralConfig) Qualifies(counters Counters) bool {
	return counters.Get(CounterLogins) >= c.MinLogins && counters.Get(CounterActions) >= c.MinActions
}

type ReferralChain struct {
	Store      TxStore
	Dispatcher *Dispatcher
	Config     ReferralConfig
	Clock      Clock
	Timeout    time.Duration
}

// =============================================================================
// LINK
// =============================================================================

// Link creates a pending link from referrerID to referredID. A referred user
// that already has a link keeps it: the existing link is returned with
// created=false.
func (c *ReferralChain) Link(ctx context.Context, referrerID, referredID UserID) (ReferralLink, bool, error) {
	ctx, cancel := detach(ctx, c.Timeout)
	defer cancel()

	var link ReferralLink
	var created bool
	err := c.Store.WithTx(ctx, func(s Store) error {
		var err error
		link, created, err = c.linkIn(ctx, s, referrerID, referredID)
		return err
	})
	if err != nil {
		return ReferralLink{}, false, AsPersistence("referral link", err)
	}
	if created {
		logging.Ctx(ctx).Info().
			Str("referral_id", string(link.ID)).
			Str("referrer_id", string(referrerID)).
			Str("referred_id", string(referredID)).
			Msg("referral linked")
		metrics.ReferralTransitions.WithLabelValues(string(ReferralPending)).Inc()
	}
	return link, created, nil
}

func (c *ReferralChain) linkIn(ctx context.Context, s Store, referrerID, referredID UserID) (ReferralLink, bool, error) {
	switch {
	case referrerID == "" || referredID == "":
		return ReferralLink{}, false, &InvalidActivityError{Type: ActivityReferralSignup, Reason: "referrer and referred ids are required"}
	case referrerID == referredID:
		return ReferralLink{}, false, &InvalidActivityError{Type: ActivityReferralSignup, Reason: "self-referral"}
	}

	link := ReferralLink{
		ID:         ReferralID(uuid.NewString()),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Status:     ReferralPending,
		CreatedAt:  c.now(),
	}
	inserted, err := s.InsertReferral(ctx, link)
	if err != nil {
		return ReferralLink{}, false, err
	}
	if inserted {
		return link, true, nil
	}
	existing, err := s.ReferralByReferred(ctx, referredID)
	if err != nil {
		return ReferralLink{}, false, err
	}
	return existing, false, nil
}

// =============================================================================
// ADVANCE: pending -> completed
// =============================================================================

// Advance moves the referred user's link to completed if it is pending and
// the user qualifies. A user without a link returns ErrNotFound.
func (c *ReferralChain) Advance(ctx context.Context, referredID UserID) (ReferralLink, bool, error) {
	ctx, cancel := detach(ctx, c.Timeout)
	defer cancel()

	var link ReferralLink
	var advanced bool
	err := c.Store.WithTx(ctx, func(s Store) error {
		var err error
		link, err = s.ReferralByReferred(ctx, referredID)
		if err != nil {
			return err
		}
		if link.Status != ReferralPending {
			return nil
		}
		counters, err := s.Counters(ctx, referredID)
		if err != nil {
			return err
		}
		if !c.Config.Qualifies(counters) {
			return nil
		}
		at := c.now()
		advanced, err = s.TransitionReferral(ctx, link.ID, ReferralPending, ReferralCompleted, at)
		if err != nil {
			return err
		}
		if advanced {
			link.Status = ReferralCompleted
			link.CompletedAt = &at
		}
		return nil
	})
	if err != nil {
		return ReferralLink{}, false, AsPersistence("referral advance", err)
	}
	if advanced {
		metrics.ReferralTransitions.WithLabelValues(string(ReferralCompleted)).Inc()
		logging.Ctx(ctx).Info().
			Str("referral_id", string(link.ID)).
			Str("referred_id", string(referredID)).
			Msg("referral completed")
	}
	return link, advanced, nil
}

// =============================================================================
// REWARD: completed -> rewarded
// =============================================================================

// Reward writes both bonuses for a completed link and marks it rewarded.
// Links in any other status are returned unchanged.
func (c *ReferralChain) Reward(ctx context.Context, link ReferralLink) (ReferralLink, error) {
	if link.Status != ReferralCompleted {
		return link, nil
	}

	_, errReferrer := c.Dispatcher.Award(ctx, link.ReferrerID, ReasonReferralBonus, string(link.ID)+":referrer", c.Config.ReferrerBonus)
	_, errReferred := c.Dispatcher.Award(ctx, link.ReferredID, ReasonReferralBonus, string(link.ID)+":referred", c.Config.ReferredBonus)
	if err := errors.Join(errReferrer, errReferred); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("referral_id", string(link.ID)).
			Msg("referral bonus failed, link stays completed")
		return link, fmt.Errorf("referral %s: %w", link.ID, err)
	}

	tctx, cancel := detach(ctx, c.Timeout)
	defer cancel()
	at := c.now()
	moved, err := c.Store.TransitionReferral(tctx, link.ID, ReferralCompleted, ReferralRewarded, at)
	if err != nil {
		return link, AsPersistence("referral reward", err)
	}
	if moved {
		metrics.ReferralTransitions.WithLabelValues(string(ReferralRewarded)).Inc()
		logging.Ctx(ctx).Info().
			Str("referral_id", string(link.ID)).
			Str("referrer_id", string(link.ReferrerID)).
			Str("referred_id", string(link.ReferredID)).
			Msg("referral rewarded")
	}
	link.Status = ReferralRewarded
	link.RewardedAt = &at
	return link, nil
}

// Drive advances the referred user's link and rewards it when it completes.
// Users without a link are a no-op.
func (c *ReferralChain) Drive(ctx context.Context, referredID UserID) (ReferralLink, error) {
	link, _, err := c.Advance(ctx, referredID)
	if errors.Is(err, ErrNotFound) {
		return ReferralLink{}, nil
	}
	if err != nil {
		return ReferralLink{}, err
	}
	return c.Reward(ctx, link)
}

// =============================================================================
// REDRIVE - Reconcile links left behind by partial failures
// =============================================================================

type RedriveReport struct {
	Pending   int // pending links examined
	Completed int // pending links moved to completed
	Retried   int // completed links whose reward step was re-run
	Rewarded  int
	Failed    int
}

// Redrive re-examines pending links and re-runs the reward step for every
// completed link. Per-link failures are collected and joined.
func (c *ReferralChain) Redrive(ctx context.Context) (RedriveReport, error) {
	var report RedriveReport
	var errs []error

	lctx, cancel := detach(ctx, c.Timeout)
	pending, err := c.Store.ReferralsByStatus(lctx, ReferralPending)
	cancel()
	if err != nil {
		return report, AsPersistence("referral redrive", err)
	}
	for _, link := range pending {
		report.Pending++
		if _, advanced, err := c.Advance(ctx, link.ReferredID); err != nil {
			report.Failed++
			errs = append(errs, err)
		} else if advanced {
			report.Completed++
		}
	}

	lctx, cancel = detach(ctx, c.Timeout)
	completed, err := c.Store.ReferralsByStatus(lctx, ReferralCompleted)
	cancel()
	if err != nil {
		return report, AsPersistence("referral redrive", errors.Join(append(errs, err)...))
	}
	for _, link := range completed {
		report.Retried++
		updated, err := c.Reward(ctx, link)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if updated.Status == ReferralRewarded {
			report.Rewarded++
		}
	}

	logging.Ctx(ctx).Info().
		Int("pending", report.Pending).
		Int("completed", report.Completed).
		Int("rewarded", report.Rewarded).
		Int("failed", report.Failed).
		Msg("referral redrive finished")
	return report, errors.Join(errs...)
}

func (c *ReferralChain) now() time.Time {
	if c.Clock == nil {
		return SystemClock()
	}
	return c.Clock()
}
