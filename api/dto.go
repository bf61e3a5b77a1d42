/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the generic package's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.validate.Struct before touching the engine. Domain rules (known
  activity types, self-referral) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: AchievementJSON mirrors AchievementDTO
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lamplight/rewards-engine/generic"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RecordActivityRequest is the body of POST /api/users/{id}/activities.
type RecordActivityRequest struct {
	Type       string            `json:"type" validate:"required,max=64"`
	NaturalKey string            `json:"natural_key,omitempty" validate:"max=256"`
	Context    map[string]string `json:"context,omitempty" validate:"max=16"`
}

// AdjustmentRequest is the body of POST /api/users/{id}/adjustments.
type AdjustmentRequest struct {
	Amount     int64  `json:"amount" validate:"required"`
	NaturalKey string `json:"natural_key,omitempty" validate:"max=256"`
	Note       string `json:"note,omitempty" validate:"max=500"`
}

// LinkReferralRequest is the body of POST /api/referrals.
type LinkReferralRequest struct {
	ReferrerID string `json:"referrer_id" validate:"required,max=128"`
	ReferredID string `json:"referred_id" validate:"required,max=128"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AchievementDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	Rarity       string `json:"rarity"`
	Requirement  string `json:"requirement"`
	Target       int64  `json:"target"`
	RewardPoints int64  `json:"reward_points"`
}

type AchievementStatusDTO struct {
	AchievementDTO
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	Progress   int64      `json:"progress"`
}

type ActivityResultDTO struct {
	TotalPoints     int64            `json:"total_points"`
	Level           int              `json:"level"`
	ProgressToNext  int64            `json:"progress_to_next"`
	NewAchievements []AchievementDTO `json:"new_achievements"`
	StreakDays      int              `json:"streak_days"`
	Duplicate       bool             `json:"duplicate,omitempty"`
	Ignored         bool             `json:"ignored,omitempty"`
	IgnoredReason   string           `json:"ignored_reason,omitempty"`
}

type UnlockDTO struct {
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// StatsDTO is GET /api/users/{id}/stats.
type StatsDTO struct {
	UserID            string           `json:"user_id"`
	TotalPoints       int64            `json:"total_points"`
	Level             int              `json:"level"`
	ProgressToNext    int64            `json:"progress_to_next"`
	ProgressPercent   decimal.Decimal  `json:"progress_percent"`
	CurrentStreakDays int              `json:"current_streak_days"`
	LongestStreakDays int              `json:"longest_streak_days"`
	LastActivityDate  string           `json:"last_activity_date,omitempty"`
	Counters          map[string]int64 `json:"counters"`
	Unlocks           []UnlockDTO      `json:"unlocks"`
}

type LedgerEntryDTO struct {
	ID         string    `json:"id"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	NaturalKey string    `json:"natural_key"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LedgerDTO struct {
	UserID      string           `json:"user_id"`
	TotalPoints int64            `json:"total_points"`
	Entries     []LedgerEntryDTO `json:"entries"`
}

type AdjustmentDTO struct {
	Duplicate   bool           `json:"duplicate"`
	Entry       LedgerEntryDTO `json:"entry"`
	TotalPoints int64          `json:"total_points"`
	Level       int            `json:"level"`
}

type ReferralDTO struct {
	ID          string     `json:"id"`
	ReferrerID  string     `json:"referrer_id"`
	ReferredID  string     `json:"referred_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RewardedAt  *time.Time `json:"rewarded_at,omitempty"`
	Created     bool       `json:"created"`
}

type RedriveReportDTO struct {
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Retried   int    `json:"retried"`
	Rewarded  int    `json:"rewarded"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

type LeaderboardEntryDTO struct {
	Rank              int    `json:"rank"`
	UserID            string `json:"user_id"`
	TotalPoints       int64  `json:"total_points"`
	Level             int    `json:"level"`
	CurrentStreakDays int    `json:"current_streak_days"`
}

type HealthDTO struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ScenarioResultDTO lists the users a scenario created with their stats.
type ScenarioResultDTO struct {
	Scenario ScenarioDTO `json:"scenario"`
	Users    []StatsDTO  `json:"users"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAchievementDTO(d generic.AchievementDefinition) AchievementDTO {
	return AchievementDTO{
		ID:           string(d.ID),
		Name:         d.Name,
		Description:  d.Description,
		Category:     d.Category,
		Rarity:       string(d.Rarity),
		Requirement:  string(d.Requirement.Type),
		Target:       d.Requirement.Target,
		RewardPoints: d.RewardPoints,
	}
}

func toAchievementDTOs(defs []generic.AchievementDefinition) []AchievementDTO {
	out := make([]AchievementDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, toAchievementDTO(d))
	}
	return out
}

func toActivityResultDTO(r generic.ActivityResult) ActivityResultDTO {
	return ActivityResultDTO{
		TotalPoints:     r.TotalPoints,
		Level:           r.Level,
		ProgressToNext:  r.ProgressToNext,
		NewAchievements: toAchievementDTOs(r.NewAchievements),
		StreakDays:      r.StreakDays,
		Duplicate:       r.Duplicate,
		Ignored:         r.Ignored,
		IgnoredReason:   r.IgnoredReason,
	}
}

func toStatsDTO(userID generic.UserID, s generic.UserStats) StatsDTO {
	dto := StatsDTO{
		UserID:            string(userID),
		TotalPoints:       s.Aggregate.TotalPoints,
		Level:             s.Level,
		ProgressToNext:    s.ProgressToNext,
		ProgressPercent:   s.ProgressPercent,
		CurrentStreakDays: s.StreakDays,
		LongestStreakDays: s.Aggregate.LongestStreakDays,
		Counters:          make(map[string]int64, len(s.Counters)),
		Unlocks:           make([]UnlockDTO, 0, len(s.Unlocks)),
	}
	if d := s.Aggregate.LastActivityDate; d != nil {
		dto.LastActivityDate = d.String()
	}
	for k, v := range s.Counters {
		dto.Counters[string(k)] = v
	}
	for _, u := range s.Unlocks {
		dto.Unlocks = append(dto.Unlocks, UnlockDTO{AchievementID: string(u.AchievementID), UnlockedAt: u.UnlockedAt})
	}
	return dto
}

func toLedgerEntryDTO(e generic.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:         string(e.ID),
		Amount:     e.Amount,
		Reason:     string(e.Reason),
		NaturalKey: e.NaturalKey,
		Note:       e.Note,
		CreatedAt:  e.CreatedAt,
	}
}

func toReferralDTO(l generic.ReferralLink, created bool) ReferralDTO {
	return ReferralDTO{
		ID:          string(l.ID),
		ReferrerID:  string(l.ReferrerID),
		ReferredID:  string(l.ReferredID),
		Status:      string(l.Status),
		CreatedAt:   l.CreatedAt,
		CompletedAt: l.CompletedAt,
		RewardedAt:  l.RewardedAt,
		Created:     created,
	}
}
