package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lamplight/rewards-engine/generic"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements generic.Store over a querier. The Store uses it
// directly for single statements and over a *sql.Tx inside WithTx.
type queries struct {
	q querier
}

// Fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, user_id, amount, reason, natural_key, idempotency_key, note, created_at`

func (s *queries) InsertEntry(ctx context.Context, e generic.LedgerEntry) (generic.LedgerEntry, bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		e.ID, e.UserID, e.Amount, e.Reason, e.NaturalKey,
		nullString(e.IdempotencyKey), e.Note, e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return generic.LedgerEntry{}, false, fmt.Errorf("failed to append entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return e, true, nil
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, e.IdempotencyKey)
	if err != nil {
		return generic.LedgerEntry{}, false, fmt.Errorf("failed to load existing entry: %w", err)
	}
	existing, err := collect(rows, scanEntry)
	if err != nil {
		return generic.LedgerEntry{}, false, err
	}
	if len(existing) == 0 {
		return generic.LedgerEntry{}, false, fmt.Errorf("entry %s: conflict without a row", e.IdempotencyKey)
	}
	return existing[0], false, nil
}

func (s *queries) Entries(ctx context.Context, userID generic.UserID) ([]generic.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return collect(rows, scanEntry)
}

func scanEntry(rows *sql.Rows) (generic.LedgerEntry, error) {
	var (
		e         generic.LedgerEntry
		idemKey   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.NaturalKey, &idemKey, &e.Note, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if !e.Reason.Valid() {
		return e, rowError("ledger_entries", string(e.ID), "unknown reason "+string(e.Reason))
	}
	e.IdempotencyKey = idemKey.String
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return e, rowError("ledger_entries", string(e.ID), "bad created_at")
	}
	e.CreatedAt = t
	return e, nil
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (s *queries) ReadAggregate(ctx context.Context, userID generic.UserID) (generic.UserAggregate, error) {
	var (
		agg       = generic.UserAggregate{UserID: userID}
		lastDay   sql.NullString
		updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT total_points, current_streak, longest_streak, last_activity_date, updated_at
		FROM user_aggregates WHERE user_id = ?
	`, userID).Scan(&agg.TotalPoints, &agg.CurrentStreakDays, &agg.LongestStreakDays, &lastDay, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agg.WithLevel(), nil
	}
	if err != nil {
		return generic.UserAggregate{}, fmt.Errorf("failed to read aggregate: %w", err)
	}
	if err := fillAggregate(&agg, lastDay, updatedAt); err != nil {
		return generic.UserAggregate{}, err
	}
	return agg.WithLevel(), nil
}

func fillAggregate(agg *generic.UserAggregate, lastDay sql.NullString, updatedAt string) error {
	if lastDay.Valid && lastDay.String != "" {
		d, err := generic.ParseDay(lastDay.String)
		if err != nil {
			return rowError("user_aggregates", string(agg.UserID), err.Error())
		}
		agg.LastActivityDate = &d
	}
	agg.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return nil
}

func (s *queries) IncrementPoints(ctx context.Context, userID generic.UserID, delta int64) (generic.UserAggregate, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_aggregates (user_id, total_points, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_points = user_aggregates.total_points + excluded.total_points,
			updated_at = excluded.updated_at
	`, userID, delta, now())
	if err != nil {
		return generic.UserAggregate{}, err
	}
	return s.ReadAggregate(ctx, userID)
}

func (s *queries) SaveStreak(ctx context.Context, userID generic.UserID, st generic.StreakState) error {
	var last sql.NullString
	if st.LastActivity != nil {
		last = sql.NullString{String: st.LastActivity.String(), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_aggregates (user_id, current_streak, longest_streak, last_activity_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			longest_streak = MAX(user_aggregates.longest_streak, excluded.longest_streak),
			last_activity_date = excluded.last_activity_date,
			updated_at = excluded.updated_at
	`, userID, st.Current, st.Longest, last, now())
	if err != nil {
		return fmt.Errorf("failed to save streak: %w", err)
	}
	return nil
}

func (s *queries) TopAggregates(ctx context.Context, limit int) ([]generic.UserAggregate, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id, total_points, current_streak, longest_streak, last_activity_date, updated_at
		FROM user_aggregates
		ORDER BY total_points DESC, user_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	return collect(rows, func(rows *sql.Rows) (generic.UserAggregate, error) {
		var (
			agg       generic.UserAggregate
			lastDay   sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&agg.UserID, &agg.TotalPoints, &agg.CurrentStreakDays, &agg.LongestStreakDays, &lastDay, &updatedAt); err != nil {
			return agg, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		if err := fillAggregate(&agg, lastDay, updatedAt); err != nil {
			return agg, err
		}
		return agg.WithLevel(), nil
	})
}

// =============================================================================
// ACTIVITY EVENTS + COUNTERS
// =============================================================================

func (s *queries) InsertActivity(ctx context.Context, ev generic.ActivityEvent) (bool, error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO activity_events (user_id, activity_type, natural_key, day, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, ev.UserID, ev.Type, ev.NaturalKey, ev.Day.String(), ev.CreatedAt.UTC().Format(timeLayout))
}

func (s *queries) IncrementCounter(ctx context.Context, userID generic.UserID, counter generic.Counter, delta int64) (int64, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_counters (user_id, counter, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, counter) DO UPDATE SET value = user_counters.value + excluded.value
	`, userID, counter, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	var v int64
	err = s.q.QueryRowContext(ctx, `SELECT value FROM user_counters WHERE user_id = ? AND counter = ?`, userID, counter).Scan(&v)
	return v, err
}

func (s *queries) Counters(ctx context.Context, userID generic.UserID) (generic.Counters, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT counter, value FROM user_counters WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	out := generic.Counters{}
	for rows.Next() {
		var (
			name  generic.Counter
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// =============================================================================
// ACHIEVEMENT UNLOCKS
// =============================================================================

func (s *queries) InsertUnlock(ctx context.Context, u generic.AchievementUnlock) (bool, error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO achievement_unlocks (user_id, achievement_id, unlocked_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, u.UserID, u.AchievementID, u.UnlockedAt.UTC().Format(timeLayout))
}

func (s *queries) Unlocks(ctx context.Context, userID generic.UserID) ([]generic.AchievementUnlock, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id, achievement_id, unlocked_at
		FROM achievement_unlocks
		WHERE user_id = ?
		ORDER BY unlocked_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	return collect(rows, func(rows *sql.Rows) (generic.AchievementUnlock, error) {
		var (
			u  generic.AchievementUnlock
			at string
		)
		if err := rows.Scan(&u.UserID, &u.AchievementID, &at); err != nil {
			return u, fmt.Errorf("failed to scan unlock: %w", err)
		}
		u.UnlockedAt, _ = time.Parse(timeLayout, at)
		return u, nil
	})
}

// =============================================================================
// REFERRALS
// =============================================================================

const referralColumns = `id, referrer_id, referred_id, status, created_at, completed_at, rewarded_at`

func (s *queries) InsertReferral(ctx context.Context, l generic.ReferralLink) (bool, error) {
	return s.insertIfAbsent(ctx, `
		INSERT INTO referral_links (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(referred_id) DO NOTHING
	`, l.ID, l.ReferrerID, l.ReferredID, l.Status, l.CreatedAt.UTC().Format(timeLayout),
		nullTime(l.CompletedAt), nullTime(l.RewardedAt))
}

func (s *queries) ReferralByReferred(ctx context.Context, referredID generic.UserID) (generic.ReferralLink, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+referralColumns+` FROM referral_links WHERE referred_id = ?`, referredID)
	if err != nil {
		return generic.ReferralLink{}, fmt.Errorf("failed to query referral: %w", err)
	}
	links, err := collect(rows, scanReferral)
	if err != nil {
		return generic.ReferralLink{}, err
	}
	if len(links) == 0 {
		return generic.ReferralLink{}, fmt.Errorf("referral for %s: %w", referredID, generic.ErrNotFound)
	}
	return links[0], nil
}

func (s *queries) ReferralsByStatus(ctx context.Context, status generic.ReferralStatus) ([]generic.ReferralLink, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+referralColumns+`
		FROM referral_links
		WHERE status = ?
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	return collect(rows, scanReferral)
}

func (s *queries) TransitionReferral(ctx context.Context, id generic.ReferralID, from, to generic.ReferralStatus, at time.Time) (bool, error) {
	var query string
	switch to {
	case generic.ReferralCompleted:
		query = `UPDATE referral_links SET status = ?, completed_at = ? WHERE id = ? AND status = ?`
	case generic.ReferralRewarded:
		query = `UPDATE referral_links SET status = ?, rewarded_at = ? WHERE id = ? AND status = ?`
	default:
		return false, &generic.ConstraintViolationError{Constraint: "referral_status", Detail: fmt.Sprintf("cannot move to %s", to)}
	}
	res, err := s.q.ExecContext(ctx, query, to, at.UTC().Format(timeLayout), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition referral: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists int
	err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_links WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("referral %s: %w", id, generic.ErrNotFound)
	}
	return false, nil
}

func scanReferral(rows *sql.Rows) (generic.ReferralLink, error) {
	var (
		l           generic.ReferralLink
		createdAt   string
		completedAt sql.NullString
		rewardedAt  sql.NullString
	)
	if err := rows.Scan(&l.ID, &l.ReferrerID, &l.ReferredID, &l.Status, &createdAt, &completedAt, &rewardedAt); err != nil {
		return l, fmt.Errorf("failed to scan referral: %w", err)
	}
	switch l.Status {
	case generic.ReferralPending, generic.ReferralCompleted, generic.ReferralRewarded:
	default:
		return l, rowError("referral_links", string(l.ID), "unknown status "+string(l.Status))
	}
	l.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	l.CompletedAt = parseNullTime(completedAt)
	l.RewardedAt = parseNullTime(rewardedAt)
	return l, nil
}

// =============================================================================
// READING PROGRESS
// =============================================================================

func (s *queries) InsertProgress(ctx context.Context, p generic.ReadingProgress) (bool, error) {
	// A stored incomplete day may move to completed; a completed day never
	// changes.
	return s.insertIfAbsent(ctx, `
		INSERT INTO reading_progress (user_id, plan_id, day, completed, completed_at, points_earned)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, plan_id, day) DO UPDATE SET
			completed = excluded.completed,
			completed_at = excluded.completed_at,
			points_earned = excluded.points_earned
		WHERE reading_progress.completed = FALSE AND excluded.completed = TRUE
	`, p.UserID, p.PlanID, p.Day, p.Completed, p.CompletedAt.UTC().Format(timeLayout), p.PointsEarned)
}

func (s *queries) CompletedDays(ctx context.Context, userID generic.UserID, planID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reading_progress
		WHERE user_id = ? AND plan_id = ? AND completed = TRUE
	`, userID, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed days: %w", err)
	}
	return n, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *queries) insertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func rowError(table, id, detail string) error {
	return &generic.ConstraintViolationError{Constraint: table + "_row", Detail: fmt.Sprintf("%s: %s", id, detail)}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func now() string { return time.Now().UTC().Format(timeLayout) }
