// Package store provides Store implementations.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/lamplight/rewards-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore. One mutex serialises every call, and
// WithTx holds it for the whole callback.
type Memory struct {
	mu sync.Mutex
	st *state
}

type activityKey struct {
	UserID     generic.UserID
	Type       generic.ActivityType
	NaturalKey string
}

type unlockKey struct {
	UserID        generic.UserID
	AchievementID generic.AchievementID
}

type progressKey struct {
	UserID generic.UserID
	PlanID string
	Day    int
}

type state struct {
	entries    map[generic.UserID][]generic.LedgerEntry
	byKey      map[string]generic.LedgerEntry
	aggregates map[generic.UserID]generic.UserAggregate
	activities map[activityKey]bool
	counters   map[generic.UserID]generic.Counters
	unlocks    map[generic.UserID][]generic.AchievementUnlock
	unlockSet  map[unlockKey]bool
	referrals  []generic.ReferralLink // insertion order
	referred   map[generic.UserID]int // index into referrals
	progress   map[progressKey]generic.ReadingProgress
}

func newState() *state {
	return &state{
		entries:    make(map[generic.UserID][]generic.LedgerEntry),
		byKey:      make(map[string]generic.LedgerEntry),
		aggregates: make(map[generic.UserID]generic.UserAggregate),
		activities: make(map[activityKey]bool),
		counters:   make(map[generic.UserID]generic.Counters),
		unlocks:    make(map[generic.UserID][]generic.AchievementUnlock),
		unlockSet:  make(map[unlockKey]bool),
		referred:   make(map[generic.UserID]int),
		progress:   make(map[progressKey]generic.ReadingProgress),
	}
}

func (s *state) clone() *state {
	c := &state{
		entries:    make(map[generic.UserID][]generic.LedgerEntry, len(s.entries)),
		byKey:      maps.Clone(s.byKey),
		aggregates: maps.Clone(s.aggregates),
		activities: maps.Clone(s.activities),
		counters:   make(map[generic.UserID]generic.Counters, len(s.counters)),
		unlocks:    make(map[generic.UserID][]generic.AchievementUnlock, len(s.unlocks)),
		unlockSet:  maps.Clone(s.unlockSet),
		referrals:  append([]generic.ReferralLink(nil), s.referrals...),
		referred:   maps.Clone(s.referred),
		progress:   maps.Clone(s.progress),
	}
	for k, v := range s.entries {
		c.entries[k] = append([]generic.LedgerEntry(nil), v...)
	}
	for k, v := range s.counters {
		c.counters[k] = maps.Clone(v)
	}
	for k, v := range s.unlocks {
		c.unlocks[k] = append([]generic.AchievementUnlock(nil), v...)
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// locked runs fn against the live state under the store mutex.
func (m *Memory) locked(ctx context.Context, fn func(*view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

func (m *Memory) InsertEntry(ctx context.Context, entry generic.LedgerEntry) (stored generic.LedgerEntry, inserted bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		stored, inserted, err = v.InsertEntry(ctx, entry)
		return err
	})
	return
}

func (m *Memory) Entries(ctx context.Context, userID generic.UserID) (out []generic.LedgerEntry, err error) {
	err = m.locked(ctx, func(v *view) error {
		out, err = v.Entries(ctx, userID)
		return err
	})
	return
}

func (m *Memory) ReadAggregate(ctx context.Context, userID generic.UserID) (agg generic.UserAggregate, err error) {
	err = m.locked(ctx, func(v *view) error {
		agg, err = v.ReadAggregate(ctx, userID)
		return err
	})
	return
}

func (m *Memory) IncrementPoints(ctx context.Context, userID generic.UserID, delta int64) (agg generic.UserAggregate, err error) {
	err = m.locked(ctx, func(v *view) error {
		agg, err = v.IncrementPoints(ctx, userID, delta)
		return err
	})
	return
}

func (m *Memory) SaveStreak(ctx context.Context, userID generic.UserID, streak generic.StreakState) error {
	return m.locked(ctx, func(v *view) error {
		return v.SaveStreak(ctx, userID, streak)
	})
}

func (m *Memory) InsertActivity(ctx context.Context, event generic.ActivityEvent) (inserted bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		inserted, err = v.InsertActivity(ctx, event)
		return err
	})
	return
}

func (m *Memory) IncrementCounter(ctx context.Context, userID generic.UserID, counter generic.Counter, delta int64) (n int64, err error) {
	err = m.locked(ctx, func(v *view) error {
		n, err = v.IncrementCounter(ctx, userID, counter, delta)
		return err
	})
	return
}

func (m *Memory) Counters(ctx context.Context, userID generic.UserID) (c generic.Counters, err error) {
	err = m.locked(ctx, func(v *view) error {
		c, err = v.Counters(ctx, userID)
		return err
	})
	return
}

func (m *Memory) InsertUnlock(ctx context.Context, unlock generic.AchievementUnlock) (inserted bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		inserted, err = v.InsertUnlock(ctx, unlock)
		return err
	})
	return
}

func (m *Memory) Unlocks(ctx context.Context, userID generic.UserID) (out []generic.AchievementUnlock, err error) {
	err = m.locked(ctx, func(v *view) error {
		out, err = v.Unlocks(ctx, userID)
		return err
	})
	return
}

func (m *Memory) InsertReferral(ctx context.Context, link generic.ReferralLink) (inserted bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		inserted, err = v.InsertReferral(ctx, link)
		return err
	})
	return
}

func (m *Memory) ReferralByReferred(ctx context.Context, referredID generic.UserID) (link generic.ReferralLink, err error) {
	err = m.locked(ctx, func(v *view) error {
		link, err = v.ReferralByReferred(ctx, referredID)
		return err
	})
	return
}

func (m *Memory) ReferralsByStatus(ctx context.Context, status generic.ReferralStatus) (out []generic.ReferralLink, err error) {
	err = m.locked(ctx, func(v *view) error {
		out, err = v.ReferralsByStatus(ctx, status)
		return err
	})
	return
}

func (m *Memory) TransitionReferral(ctx context.Context, id generic.ReferralID, from, to generic.ReferralStatus, at time.Time) (moved bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		moved, err = v.TransitionReferral(ctx, id, from, to, at)
		return err
	})
	return
}

func (m *Memory) InsertProgress(ctx context.Context, p generic.ReadingProgress) (inserted bool, err error) {
	err = m.locked(ctx, func(v *view) error {
		inserted, err = v.InsertProgress(ctx, p)
		return err
	})
	return
}

func (m *Memory) CompletedDays(ctx context.Context, userID generic.UserID, planID string) (n int, err error) {
	err = m.locked(ctx, func(v *view) error {
		n, err = v.CompletedDays(ctx, userID, planID)
		return err
	})
	return
}

func (m *Memory) TopAggregates(ctx context.Context, limit int) (out []generic.UserAggregate, err error) {
	err = m.locked(ctx, func(v *view) error {
		out, err = v.TopAggregates(ctx, limit)
		return err
	})
	return
}

// =============================================================================
// VIEW - Store over a state the caller has already locked
// =============================================================================

type view struct {
	st *state
}

func (v *view) InsertEntry(ctx context.Context, entry generic.LedgerEntry) (generic.LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return generic.LedgerEntry{}, false, err
	}
	if entry.IdempotencyKey != "" {
		if existing, ok := v.st.byKey[entry.IdempotencyKey]; ok {
			return existing, false, nil
		}
		v.st.byKey[entry.IdempotencyKey] = entry
	}
	v.st.entries[entry.UserID] = append(v.st.entries[entry.UserID], entry)
	return entry, true, nil
}

func (v *view) Entries(ctx context.Context, userID generic.UserID) ([]generic.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := append([]generic.LedgerEntry(nil), v.st.entries[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *view) ReadAggregate(ctx context.Context, userID generic.UserID) (generic.UserAggregate, error) {
	if err := ctx.Err(); err != nil {
		return generic.UserAggregate{}, err
	}
	agg, ok := v.st.aggregates[userID]
	if !ok {
		agg = generic.UserAggregate{UserID: userID}
	}
	return agg.WithLevel(), nil
}

func (v *view) IncrementPoints(ctx context.Context, userID generic.UserID, delta int64) (generic.UserAggregate, error) {
	agg, err := v.ReadAggregate(ctx, userID)
	if err != nil {
		return generic.UserAggregate{}, err
	}
	if agg.TotalPoints+delta < 0 {
		return generic.UserAggregate{}, &generic.ConstraintViolationError{Constraint: "total_points_non_negative", Detail: "total would drop below zero"}
	}
	agg.TotalPoints += delta
	agg.UpdatedAt = time.Now().UTC()
	v.st.aggregates[userID] = agg
	return agg.WithLevel(), nil
}

func (v *view) SaveStreak(ctx context.Context, userID generic.UserID, streak generic.StreakState) error {
	agg, err := v.ReadAggregate(ctx, userID)
	if err != nil {
		return err
	}
	agg.CurrentStreakDays = streak.Current
	agg.LongestStreakDays = max(agg.LongestStreakDays, streak.Longest)
	agg.LastActivityDate = streak.LastActivity
	agg.UpdatedAt = time.Now().UTC()
	v.st.aggregates[userID] = agg
	return nil
}

func (v *view) InsertActivity(ctx context.Context, event generic.ActivityEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := activityKey{UserID: event.UserID, Type: event.Type, NaturalKey: event.NaturalKey}
	if v.st.activities[k] {
		return false, nil
	}
	v.st.activities[k] = true
	return true, nil
}

func (v *view) IncrementCounter(ctx context.Context, userID generic.UserID, counter generic.Counter, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := v.st.counters[userID]
	if c == nil {
		c = generic.Counters{}
		v.st.counters[userID] = c
	}
	c[counter] += delta
	return c[counter], nil
}

func (v *view) Counters(ctx context.Context, userID generic.UserID) (generic.Counters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := maps.Clone(v.st.counters[userID])
	if out == nil {
		out = generic.Counters{}
	}
	return out, nil
}

func (v *view) InsertUnlock(ctx context.Context, unlock generic.AchievementUnlock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := unlockKey{UserID: unlock.UserID, AchievementID: unlock.AchievementID}
	if v.st.unlockSet[k] {
		return false, nil
	}
	v.st.unlockSet[k] = true
	v.st.unlocks[unlock.UserID] = append(v.st.unlocks[unlock.UserID], unlock)
	return true, nil
}

func (v *view) Unlocks(ctx context.Context, userID generic.UserID) ([]generic.AchievementUnlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]generic.AchievementUnlock(nil), v.st.unlocks[userID]...), nil
}

func (v *view) InsertReferral(ctx context.Context, link generic.ReferralLink) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := v.st.referred[link.ReferredID]; ok {
		return false, nil
	}
	v.st.referred[link.ReferredID] = len(v.st.referrals)
	v.st.referrals = append(v.st.referrals, link)
	return true, nil
}

func (v *view) ReferralByReferred(ctx context.Context, referredID generic.UserID) (generic.ReferralLink, error) {
	if err := ctx.Err(); err != nil {
		return generic.ReferralLink{}, err
	}
	i, ok := v.st.referred[referredID]
	if !ok {
		return generic.ReferralLink{}, generic.ErrNotFound
	}
	return v.st.referrals[i], nil
}

func (v *view) ReferralsByStatus(ctx context.Context, status generic.ReferralStatus) ([]generic.ReferralLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []generic.ReferralLink
	for _, l := range v.st.referrals {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (v *view) TransitionReferral(ctx context.Context, id generic.ReferralID, from, to generic.ReferralStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for i, l := range v.st.referrals {
		if l.ID != id {
			continue
		}
		if l.Status != from {
			return false, nil
		}
		l.Status = to
		switch to {
		case generic.ReferralCompleted:
			l.CompletedAt = &at
		case generic.ReferralRewarded:
			l.RewardedAt = &at
		}
		v.st.referrals[i] = l
		return true, nil
	}
	return false, generic.ErrNotFound
}

func (v *view) InsertProgress(ctx context.Context, p generic.ReadingProgress) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := progressKey{UserID: p.UserID, PlanID: p.PlanID, Day: p.Day}
	if existing, ok := v.st.progress[k]; ok && existing.Completed {
		return false, nil
	}
	v.st.progress[k] = p
	return true, nil
}

func (v *view) CompletedDays(ctx context.Context, userID generic.UserID, planID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for k, p := range v.st.progress {
		if k.UserID == userID && k.PlanID == planID && p.Completed {
			n++
		}
	}
	return n, nil
}

func (v *view) TopAggregates(ctx context.Context, limit int) ([]generic.UserAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]generic.UserAggregate, 0, len(v.st.aggregates))
	for _, a := range v.st.aggregates {
		out = append(out, a.WithLevel())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalPoints != out[j].TotalPoints {
			return out[i].TotalPoints > out[j].TotalPoints
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
