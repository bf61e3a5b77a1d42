/*
scheduler.go - Automated referral redrive

PURPOSE:
  Periodically re-examines referral links left behind by a failed or
  partial reward step and drives them to rewarded. The per-activity
  pipeline already drives the acting user's link; this job catches links
  whose user never comes back.

DESIGN:
  - robfig/cron with a configurable spec (default "@every 5m")
  - Overlapping runs are skipped (cron.SkipIfStillRunning)
  - Every run, scheduled or manual, increments
    rewards_referral_redrive_runs_total{result}

USAGE:
  s, err := NewRedriveScheduler(engine.Referrals, "@every 5m")
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: RedriveReferrals endpoint (manual redrive)
  - generic/referral.go: ReferralChain.Redrive
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/metrics"
)

// RedriveScheduler runs ReferralChain.Redrive on a cron spec.
type RedriveScheduler struct {
	Referrals *generic.ReferralChain
	Spec      string

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewRedriveScheduler validates spec and prepares the job. It does not start.
func NewRedriveScheduler(referrals *generic.ReferralChain, spec string) (*RedriveScheduler, error) {
	if referrals == nil {
		return nil, errors.New("redrive scheduler: referral chain is required")
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &RedriveScheduler{Referrals: referrals, Spec: spec, cron: c}
	if _, err := c.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("redrive scheduler: invalid spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the scheduler.
func (s *RedriveScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	logging.Info().Str("spec", s.Spec).Msg("referral redrive scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish or ctx
// to expire.
func (s *RedriveScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logging.Warn().Msg("referral redrive scheduler stop timed out")
	}
	s.running = false
	logging.Info().Msg("referral redrive scheduler stopped")
}

// RunOnce runs a single redrive outside the schedule.
func (s *RedriveScheduler) RunOnce(ctx context.Context) (generic.RedriveReport, error) {
	return runRedrive(ctx, s.Referrals, "scheduled")
}

func runRedrive(ctx context.Context, referrals *generic.ReferralChain, trigger string) (generic.RedriveReport, error) {
	ctx = logging.WithRequestID(ctx, logging.NewRequestID())
	report, err := referrals.Redrive(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		logging.Ctx(ctx).Error().Err(err).
			Str("trigger", trigger).
			Int("failed", report.Failed).
			Msg("referral redrive incomplete")
	}
	metrics.RedriveRuns.WithLabelValues(result).Inc()
	return report, err
}

// cronLogger adapts cron.Logger to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
