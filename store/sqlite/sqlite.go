/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

KEY TABLES:
  ledger_entries:      Immutable points ledger (append-only)
  user_aggregates:     Running total + streak per user
  activity_events:     Primary-action dedup rows
  user_counters:       Activity counters read by achievements
  achievement_unlocks: One row per (user, achievement)
  referral_links:      One row per referred user
  reading_progress:    One row per (user, plan, day)

APPEND-ONLY ENFORCEMENT:
  There is no UPDATE or DELETE statement on ledger_entries. Corrections are
  new admin_adjustment rows.

UNIQUENESS:
  Every insert-if-absent is INSERT ... ON CONFLICT DO NOTHING and reports
  inserted from RowsAffected. A duplicate is never an error here.

CONCURRENCY:
  One connection, a store mutex, and BEGIN IMMEDIATE transactions
  (_txlock=immediate). A read-then-write inside WithTx holds the write
  lock from its first statement.

FAILURES:
  Every public call runs through a gobreaker circuit breaker. Busy/locked
  database, closed connections and deadlines count as failures and map to
  generic.ErrPersistenceUnavailable; an open breaker rejects calls with the
  same error. Constraint failures are not breaker failures.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := generic.NewEngine(store, devotional.MustCatalog(), generic.DefaultEngineConfig())
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/metrics"
)

// BreakerConfig tunes the store circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// Config configures New.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	Breaker     BreakerConfig
}

// Store implements generic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	cb *gobreaker.CircuitBreaker[struct{}]
}

var _ generic.TxStore = (*Store)(nil)

// New opens the database at dbPath with default settings.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(Config{Path: dbPath})
}

// Open opens and migrates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers the same way the store mutex does.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, cb: newBreaker(cfg.Breaker)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.exec("ping", func() error { return s.db.PingContext(ctx) })
}

// BreakerState reports the circuit breaker state.
func (s *Store) BreakerState() string {
	return s.cb.State().String()
}

func (s *Store) migrate() error {
	schema := `
	-- Points ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		natural_key TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK (amount >= 0 OR reason = 'admin_adjustment')
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(user_id, created_at);

	-- Running totals and streaks
	CREATE TABLE IF NOT EXISTS user_aggregates (
		user_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0 CHECK (total_points >= 0),
		current_streak INTEGER NOT NULL DEFAULT 0,
		longest_streak INTEGER NOT NULL DEFAULT 0,
		last_activity_date TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_aggregates_points
		ON user_aggregates(total_points DESC, user_id);

	-- Primary action dedup
	CREATE TABLE IF NOT EXISTS activity_events (
		user_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		day TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, activity_type, natural_key)
	);

	CREATE TABLE IF NOT EXISTS user_counters (
		user_id TEXT NOT NULL,
		counter TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, counter)
	);

	CREATE TABLE IF NOT EXISTS achievement_unlocks (
		user_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		unlocked_at TEXT NOT NULL,
		PRIMARY KEY (user_id, achievement_id)
	);

	CREATE TABLE IF NOT EXISTS referral_links (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'rewarded')),
		created_at TEXT NOT NULL,
		completed_at TEXT,
		rewarded_at TEXT,
		CHECK (referrer_id <> referred_id)
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_status
		ON referral_links(status, created_at);

	CREATE TABLE IF NOT EXISTS reading_progress (
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		day INTEGER NOT NULL CHECK (day >= 1),
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TEXT,
		points_earned INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, plan_id, day)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "sqlite-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.FailureRatio {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_ratio", ratio).Msg("store breaker opening")
				return true
			}
			return false
		},
		// Only transient failures trip the breaker; duplicates and
		// constraint errors are answers from a healthy database.
		IsSuccessful: func(err error) bool {
			return err == nil || !generic.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store breaker state change")
			metrics.StoreBreakerState.Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// exec runs fn under the store mutex and the circuit breaker, translating
// driver errors.
func (s *Store) exec(op string, fn func() error) error {
	_, err := s.cb.Execute(func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return struct{}{}, translate(op, fn())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &generic.PersistenceError{Op: op, Err: err}
	}
	return err
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// translate maps driver errors onto the generic error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	// Already classified (returned by generic code inside WithTx).
	if generic.IsRetryable(err) || errors.Is(err, generic.ErrConstraintViolation) ||
		errors.Is(err, generic.ErrNotFound) || errors.Is(err, generic.ErrInvalidActivity) ||
		generic.IsDuplicate(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return &generic.PersistenceError{Op: op, Err: err}
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return &generic.PersistenceError{Op: op, Err: err}
		case sqlite3.ErrConstraint:
			return &generic.ConstraintViolationError{Constraint: constraintName(se), Detail: se.Error()}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func constraintName(se sqlite3.Error) string {
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintCheck:
		return "check"
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return "unique"
	case sqlite3.ErrConstraintForeignKey:
		return "foreign_key"
	case sqlite3.ErrConstraintNotNull:
		return "not_null"
	}
	return "constraint"
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within one IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	return s.exec("transaction", func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer sqlTx.Rollback()

		if err := fn(&queries{q: sqlTx}); err != nil {
			return err
		}
		return sqlTx.Commit()
	})
}

// =============================================================================
// STORE (generic.Store interface) - each call is its own statement
// =============================================================================

func (s *Store) direct() *queries { return &queries{q: s.db} }

func (s *Store) InsertEntry(ctx context.Context, entry generic.LedgerEntry) (stored generic.LedgerEntry, inserted bool, err error) {
	err = s.WithTx(ctx, func(st generic.Store) error {
		stored, inserted, err = st.InsertEntry(ctx, entry)
		return err
	})
	return
}

func (s *Store) Entries(ctx context.Context, userID generic.UserID) (out []generic.LedgerEntry, err error) {
	err = s.exec("entries", func() error {
		out, err = s.direct().Entries(ctx, userID)
		return err
	})
	return
}

func (s *Store) ReadAggregate(ctx context.Context, userID generic.UserID) (agg generic.UserAggregate, err error) {
	err = s.exec("read aggregate", func() error {
		agg, err = s.direct().ReadAggregate(ctx, userID)
		return err
	})
	return
}

func (s *Store) IncrementPoints(ctx context.Context, userID generic.UserID, delta int64) (agg generic.UserAggregate, err error) {
	err = s.WithTx(ctx, func(st generic.Store) error {
		agg, err = st.IncrementPoints(ctx, userID, delta)
		return err
	})
	return
}

func (s *Store) SaveStreak(ctx context.Context, userID generic.UserID, streak generic.StreakState) error {
	return s.exec("save streak", func() error {
		return s.direct().SaveStreak(ctx, userID, streak)
	})
}

func (s *Store) InsertActivity(ctx context.Context, event generic.ActivityEvent) (inserted bool, err error) {
	err = s.exec("insert activity", func() error {
		inserted, err = s.direct().InsertActivity(ctx, event)
		return err
	})
	return
}

func (s *Store) IncrementCounter(ctx context.Context, userID generic.UserID, counter generic.Counter, delta int64) (n int64, err error) {
	err = s.WithTx(ctx, func(st generic.Store) error {
		n, err = st.IncrementCounter(ctx, userID, counter, delta)
		return err
	})
	return
}

func (s *Store) Counters(ctx context.Context, userID generic.UserID) (c generic.Counters, err error) {
	err = s.exec("counters", func() error {
		c, err = s.direct().Counters(ctx, userID)
		return err
	})
	return
}

func (s *Store) InsertUnlock(ctx context.Context, unlock generic.AchievementUnlock) (inserted bool, err error) {
	err = s.exec("insert unlock", func() error {
		inserted, err = s.direct().InsertUnlock(ctx, unlock)
		return err
	})
	return
}

func (s *Store) Unlocks(ctx context.Context, userID generic.UserID) (out []generic.AchievementUnlock, err error) {
	err = s.exec("unlocks", func() error {
		out, err = s.direct().Unlocks(ctx, userID)
		return err
	})
	return
}

func (s *Store) InsertReferral(ctx context.Context, link generic.ReferralLink) (inserted bool, err error) {
	err = s.exec("insert referral", func() error {
		inserted, err = s.direct().InsertReferral(ctx, link)
		return err
	})
	return
}

func (s *Store) ReferralByReferred(ctx context.Context, referredID generic.UserID) (link generic.ReferralLink, err error) {
	err = s.exec("referral by referred", func() error {
		link, err = s.direct().ReferralByReferred(ctx, referredID)
		return err
	})
	return
}

func (s *Store) ReferralsByStatus(ctx context.Context, status generic.ReferralStatus) (out []generic.ReferralLink, err error) {
	err = s.exec("referrals by status", func() error {
		out, err = s.direct().ReferralsByStatus(ctx, status)
		return err
	})
	return
}

func (s *Store) TransitionReferral(ctx context.Context, id generic.ReferralID, from, to generic.ReferralStatus, at time.Time) (moved bool, err error) {
	err = s.WithTx(ctx, func(st generic.Store) error {
		moved, err = st.TransitionReferral(ctx, id, from, to, at)
		return err
	})
	return
}

func (s *Store) InsertProgress(ctx context.Context, p generic.ReadingProgress) (inserted bool, err error) {
	err = s.exec("insert progress", func() error {
		inserted, err = s.direct().InsertProgress(ctx, p)
		return err
	})
	return
}

func (s *Store) CompletedDays(ctx context.Context, userID generic.UserID, planID string) (n int, err error) {
	err = s.exec("completed days", func() error {
		n, err = s.direct().CompletedDays(ctx, userID, planID)
		return err
	})
	return
}

func (s *Store) TopAggregates(ctx context.Context, limit int) (out []generic.UserAggregate, err error) {
	err = s.exec("top aggregates", func() error {
		out, err = s.direct().TopAggregates(ctx, limit)
		return err
	})
	return
}
