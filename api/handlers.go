/*
handlers.go - HTTP API handlers for the rewards engine

PURPOSE:
  Exposes generic.Engine via a REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    POST   /api/users/{id}/activities   Record an activity (RecordActivity)
    GET    /api/users/{id}/stats        Points, level, streak, counters
    GET    /api/users/{id}/ledger       Ledger history, oldest first
    GET    /api/users/{id}/achievements Catalog with lock state and progress
    POST   /api/users/{id}/adjustments  Admin points adjustment

  Referrals:
    POST   /api/referrals               Link referrer -> referred
    POST   /api/referrals/redrive       Re-run pending/completed links

  Catalog:
    GET    /api/achievements            Achievement catalog
    GET    /api/leaderboard?limit=      Top users by points

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Play a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on *Request types)
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  - 200: Ignored activities (unknown type, bad context) with ignored=true
  - 400: Malformed body, validation errors, invalid referral
  - 404: Unknown referral
  - 409: Store constraint violation
  - 503: Persistence unavailable, with Retry-After. The primary action of
         an activity may already be committed; the call is safe to retry.
  - 500: Anything else

SECURITY NOTE:
  No authentication. User ids arrive in the path from a trusted upstream.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthChecker is implemented by stores that can report liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
	BreakerState() string
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *generic.Engine
	Health HealthChecker // optional

	validate *validator.Validate
}

// NewHandler creates a handler over engine. health may be nil.
func NewHandler(engine *generic.Engine, health HealthChecker) *Handler {
	return &Handler{
		Engine:   engine,
		Health:   health,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// RecordActivity applies one user action.
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	var req RecordActivityRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.RecordActivity(r.Context(), userID, generic.Activity{
		Type:       generic.ActivityType(req.Type),
		NaturalKey: req.NaturalKey,
		Context:    req.Context,
	})
	if err != nil {
		writeEngineError(w, r, "Failed to record activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResultDTO(result))
}

// GetStats returns the user's read model.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	stats, err := h.Engine.Stats(r.Context(), userID)
	if err != nil {
		writeEngineError(w, r, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(userID, stats))
}

// GetLedger returns the user's ledger entries.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	entries, err := h.Engine.History(r.Context(), userID)
	if err != nil {
		writeEngineError(w, r, "Failed to get ledger", err)
		return
	}

	dto := LedgerDTO{UserID: string(userID), Entries: make([]LedgerEntryDTO, 0, len(entries))}
	for _, e := range entries {
		dto.TotalPoints += e.Amount
		dto.Entries = append(dto.Entries, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetUserAchievements returns every catalog achievement with the user's
// lock state.
func (h *Handler) GetUserAchievements(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.Engine.AchievementStatuses(r.Context(), userParam(r))
	if err != nil {
		writeEngineError(w, r, "Failed to get achievements", err)
		return
	}

	dtos := make([]AchievementStatusDTO, 0, len(statuses))
	for _, s := range statuses {
		dtos = append(dtos, AchievementStatusDTO{
			AchievementDTO: toAchievementDTO(s.Definition),
			Unlocked:       s.Unlocked,
			UnlockedAt:     s.UnlockedAt,
			Progress:       s.Progress,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAdjustment appends an admin_adjustment entry. Reusing a
// natural_key returns the existing entry with duplicate=true.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.AdminAdjust(r.Context(), userID, req.Amount, req.NaturalKey, req.Note)
	if err != nil {
		writeEngineError(w, r, "Failed to adjust points", err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == generic.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, AdjustmentDTO{
		Duplicate:   res.Outcome == generic.OutcomeDuplicate,
		Entry:       toLedgerEntryDTO(res.Entry),
		TotalPoints: res.Aggregate.TotalPoints,
		Level:       generic.Level(res.Aggregate.TotalPoints),
	})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// LinkReferral creates a pending link. A referred user that already has a
// link gets the existing one back with created=false.
func (h *Handler) LinkReferral(w http.ResponseWriter, r *http.Request) {
	var req LinkReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	link, created, err := h.Engine.Referrals.Link(r.Context(), generic.UserID(req.ReferrerID), generic.UserID(req.ReferredID))
	if err != nil {
		writeEngineError(w, r, "Failed to link referral", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toReferralDTO(link, created))
}

// RedriveReferrals runs the same reconciliation as the scheduler.
func (h *Handler) RedriveReferrals(w http.ResponseWriter, r *http.Request) {
	report, err := runRedrive(r.Context(), h.Engine.Referrals, "manual")
	dto := RedriveReportDTO{
		Pending:   report.Pending,
		Completed: report.Completed,
		Retried:   report.Retried,
		Rewarded:  report.Rewarded,
		Failed:    report.Failed,
	}
	if err != nil {
		// Per-link failures still produce a report.
		if report.Retried == 0 && report.Pending == 0 {
			writeEngineError(w, r, "Failed to redrive referrals", err)
			return
		}
		dto.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListAchievements returns the achievement catalog.
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toAchievementDTOs(h.Engine.Catalog.Achievements()))
}

// GetLeaderboard returns the top users by points.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	top, err := h.Engine.Leaderboard(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, "Failed to get leaderboard", err)
		return
	}
	dtos := make([]LeaderboardEntryDTO, 0, len(top))
	for i, a := range top {
		dtos = append(dtos, LeaderboardEntryDTO{
			Rank:              i + 1,
			UserID:            string(a.UserID),
			TotalPoints:       a.TotalPoints,
			Level:             a.Level,
			CurrentStreakDays: a.CurrentStreakDays,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		writeJSON(w, http.StatusOK, HealthDTO{Status: "ok"})
		return
	}
	dto := HealthDTO{Status: "ok", Breaker: h.Health.BreakerState()}
	if err := h.Health.Ping(r.Context()); err != nil {
		dto.Status = "unavailable"
		dto.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) generic.UserID {
	return generic.UserID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg(message)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, generic.ErrInvalidActivity):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrConstraintViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
