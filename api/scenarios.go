/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Plays scripted activity histories through the engine so a fresh
  database shows streaks, unlocks and referrals without waiting days.
  Each scenario replays its days against a stepping clock.

AVAILABLE SCENARIOS:
  week-streak:   Seven consecutive days of login + reading, unlocks Week of Devotion
  reading-plan:  A three-day plan finished, awards plan_complete
  referral:      Referrer links a friend who logs in and posts, both rewarded
  community:     Posts, likes, friends and a group join in one day

HOW SCENARIOS WORK:
  1. Allocate fresh user ids ("demo-<scenario>-<suffix>")
  2. For each scripted day, build an engine whose clock reads that day
  3. Record the day's activities
  4. Return the users' stats

  Nothing is deleted. Loading a scenario twice creates new users.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "week-streak"}

ADDING NEW SCENARIOS:
  Add an entry to 'scenarios' with its script.

SEE ALSO:
  - handlers.go: shared helpers
  - devotional/: activity types and achievements the scripts rely on
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lamplight/rewards-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// scriptStep is one activity by one scenario user on a day offset.
type scriptStep struct {
	Day      int    // offset from the first day
	User     string // role name, mapped to a fresh user id
	Activity generic.Activity
	Referrer string // for referral links: role of the referrer
}

type scenario struct {
	ScenarioDTO
	Roles  []string
	Script func() []scriptStep
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "week-streak",
			Name:        "Week of Devotion",
			Description: "Seven consecutive days of login and reading; unlocks the 7-day streak achievement",
			Category:    "streak",
		},
		Roles:  []string{"reader"},
		Script: weekStreakScript,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "reading-plan",
			Name:        "Reading Plan",
			Description: "A three-day reading plan completed on consecutive days",
			Category:    "reading",
		},
		Roles:  []string{"reader"},
		Script: readingPlanScript,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "referral",
			Name:        "Referral",
			Description: "A referred friend logs in and posts; both users receive their bonus",
			Category:    "referral",
		},
		Roles:  []string{"referrer", "friend"},
		Script: referralScript,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "community",
			Name:        "Community",
			Description: "Posts, likes, friends and a group join",
			Category:    "community",
		},
		Roles:  []string{"member"},
		Script: communityScript,
	},
}

func weekStreakScript() []scriptStep {
	var steps []scriptStep
	for d := range 7 {
		steps = append(steps,
			scriptStep{Day: d, User: "reader", Activity: generic.Activity{Type: generic.ActivityDailyLogin}},
			scriptStep{Day: d, User: "reader", Activity: planDay("gospel-john", d+1, 21)},
		)
	}
	return steps
}

func readingPlanScript() []scriptStep {
	var steps []scriptStep
	for d := range 3 {
		steps = append(steps, scriptStep{Day: d, User: "reader", Activity: planDay("psalms-3", d+1, 3)})
	}
	return steps
}

func referralScript() []scriptStep {
	return []scriptStep{
		{Day: 0, User: "referrer", Activity: generic.Activity{Type: generic.ActivityDailyLogin}},
		{Day: 0, User: "friend", Referrer: "referrer", Activity: generic.Activity{Type: generic.ActivityReferralSignup}},
		{Day: 1, User: "friend", Activity: generic.Activity{Type: generic.ActivityDailyLogin}},
		{Day: 1, User: "friend", Activity: generic.Activity{Type: generic.ActivityPostCreated, NaturalKey: "post-1"}},
	}
}

func communityScript() []scriptStep {
	steps := []scriptStep{
		{Day: 0, User: "member", Activity: generic.Activity{Type: generic.ActivityDailyLogin}},
		{Day: 0, User: "member", Activity: generic.Activity{Type: generic.ActivityPostCreated, NaturalKey: "post-1"}},
		{Day: 0, User: "member", Activity: generic.Activity{Type: generic.ActivityGroupJoined, NaturalKey: "group-morning-prayer"}},
	}
	for i := range 5 {
		steps = append(steps,
			scriptStep{Day: 0, User: "member", Activity: generic.Activity{Type: generic.ActivityFriendAdded, NaturalKey: "friend-" + strconv.Itoa(i)}},
			scriptStep{Day: 0, User: "member", Activity: generic.Activity{Type: generic.ActivityLikeGiven, NaturalKey: "like-" + strconv.Itoa(i)}},
		)
	}
	return steps
}

func planDay(planID string, day, total int) generic.Activity {
	return generic.Activity{
		Type: generic.ActivityReadingDayComplete,
		Context: map[string]string{
			generic.ContextPlanID:    planID,
			generic.ContextDay:       strconv.Itoa(day),
			generic.ContextTotalDays: strconv.Itoa(total),
		},
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario plays a scenario and returns the created users' stats.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	users, err := h.playScenario(r.Context(), *found, h.Engine.Clock())
	if err != nil {
		writeEngineError(w, r, "Failed to load scenario", err)
		return
	}

	result := ScenarioResultDTO{Scenario: found.ScenarioDTO}
	for _, userID := range users {
		stats, err := h.Engine.Stats(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, "Failed to load scenario", err)
			return
		}
		result.Users = append(result.Users, toStatsDTO(userID, stats))
	}
	writeJSON(w, http.StatusCreated, result)
}

// playScenario runs the script so that its last day is today. Returns the
// user ids in role order.
func (h *Handler) playScenario(ctx context.Context, s scenario, today time.Time) ([]generic.UserID, error) {
	script := s.Script()
	last := 0
	for _, step := range script {
		last = max(last, step.Day)
	}
	start := today.AddDate(0, 0, -last)

	suffix := uuid.NewString()[:8]
	ids := make(map[string]generic.UserID, len(s.Roles))
	users := make([]generic.UserID, 0, len(s.Roles))
	for _, role := range s.Roles {
		id := generic.UserID(fmt.Sprintf("demo-%s-%s-%s", s.ID, role, suffix))
		ids[role] = id
		users = append(users, id)
	}

	base := h.Engine
	for _, step := range script {
		at := start.AddDate(0, 0, step.Day)
		engine := generic.NewEngine(base.Store, base.Catalog, generic.EngineConfig{
			StoreTimeout: base.Timeout,
			Referral:     base.Referrals.Config,
			Clock:        generic.FixedClock(at),
		})

		act := step.Activity
		if step.Referrer != "" {
			act.Context = map[string]string{generic.ContextReferrerID: string(ids[step.Referrer])}
		}
		if _, err := engine.RecordActivity(ctx, ids[step.User], act); err != nil {
			return users, fmt.Errorf("scenario %s day %d: %w", s.ID, step.Day, err)
		}
	}
	return users, nil
}
