/*
catalog.go - Activity rules and the achievement catalog

PURPOSE:
  A Catalog is the immutable rule table the engine runs against: which
  activity types exist, what each one awards, which counter it moves,
  whether it extends the streak, and the ordered achievement list.

  Catalog content lives outside this package (devotional/ for the built-in
  table, factory/ for JSON-loaded tables). This file only defines the shape
  and the structural checks every catalog must pass.

NATURAL KEYS:
  KeyToday     today's UTC date (one per day); the caller's key is ignored
  KeyExplicit  the caller's NaturalKey, required
  KeyPlanDay   "planID:day" built from context plan_id and day
*/
package generic

import (
	"fmt"
	"strconv"
	"strings"
)

type ActivityType string

const (
	ActivityDailyLogin         ActivityType = "daily_login"
	ActivityReadingDayComplete ActivityType = "reading_day_complete"
	ActivityPlanComplete       ActivityType = "plan_complete"
	ActivityPostCreated        ActivityType = "post_created"
	ActivityLikeGiven          ActivityType = "like_given"
	ActivityFriendAdded        ActivityType = "friend_added"
	ActivityGroupJoined        ActivityType = "group_joined"
	ActivityChallengeCompleted ActivityType = "challenge_completed"
	ActivityReferralSignup     ActivityType = "referral_signup"
)

// Context keys read by activity rules.
const (
	ContextPlanID     = "plan_id"
	ContextDay        = "day"
	ContextTotalDays  = "total_days"
	ContextReferrerID = "referrer_id"
)

// Activity is one user action as reported by the surrounding application.
type Activity struct {
	Type       ActivityType
	NaturalKey string
	Context    map[string]string
}

type KeyKind string

const (
	KeyToday    KeyKind = "today"
	KeyExplicit KeyKind = "explicit"
	KeyPlanDay  KeyKind = "plan_day"
)

// Effect is extra primary state an activity writes besides counters.
type Effect string

const (
	EffectNone            Effect = ""
	EffectReadingProgress Effect = "reading_progress"
	EffectReferralLink    Effect = "referral_link"
)

// ActivityRule maps an activity type to its award and side effects.
// Points == 0 means no ledger entry.
type ActivityRule struct {
	Type           ActivityType
	Reason         Reason
	Points         int64
	Counter        Counter
	Streak         bool
	CountsAsAction bool
	Key            KeyKind
	Effect         Effect
}

// Catalog is immutable once built.
type Catalog struct {
	rules        map[ActivityType]ActivityRule
	order        []ActivityType
	achievements []AchievementDefinition
}

// NewCatalog validates and freezes a rule table.
func NewCatalog(rules []ActivityRule, achievements []AchievementDefinition) (*Catalog, error) {
	c := &Catalog{rules: make(map[ActivityType]ActivityRule, len(rules))}
	for _, r := range rules {
		if err := checkRule(r); err != nil {
			return nil, err
		}
		if _, dup := c.rules[r.Type]; dup {
			return nil, fmt.Errorf("activity %q defined twice", r.Type)
		}
		c.rules[r.Type] = r
		c.order = append(c.order, r.Type)
	}

	seen := make(map[AchievementID]bool, len(achievements))
	for _, a := range achievements {
		if err := checkAchievement(a); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("achievement %q defined twice", a.ID)
		}
		seen[a.ID] = true
	}
	c.achievements = append([]AchievementDefinition(nil), achievements...)
	return c, nil
}

func (c *Catalog) Rule(t ActivityType) (ActivityRule, bool) {
	r, ok := c.rules[t]
	return r, ok
}

// Rules returns the activity rules in declaration order.
func (c *Catalog) Rules() []ActivityRule {
	out := make([]ActivityRule, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.rules[t])
	}
	return out
}

// Achievements returns the achievement catalog in evaluation order.
func (c *Catalog) Achievements() []AchievementDefinition {
	return append([]AchievementDefinition(nil), c.achievements...)
}

func checkRule(r ActivityRule) error {
	if r.Type == "" {
		return fmt.Errorf("activity rule without type")
	}
	if r.Points < 0 {
		return fmt.Errorf("activity %q: negative points", r.Type)
	}
	if r.Points > 0 && !r.Reason.Valid() {
		return fmt.Errorf("activity %q: unknown reason %q", r.Type, r.Reason)
	}
	switch r.Key {
	case KeyToday, KeyExplicit, KeyPlanDay:
	default:
		return fmt.Errorf("activity %q: unknown key kind %q", r.Type, r.Key)
	}
	if r.Effect == EffectReadingProgress && r.Key != KeyPlanDay {
		return fmt.Errorf("activity %q: reading progress needs plan_day keys", r.Type)
	}
	return nil
}

func checkAchievement(a AchievementDefinition) error {
	if a.ID == "" {
		return fmt.Errorf("achievement without id")
	}
	if a.Requirement.Target <= 0 {
		return fmt.Errorf("achievement %q: target must be positive", a.ID)
	}
	if a.RewardPoints < 0 {
		return fmt.Errorf("achievement %q: negative reward", a.ID)
	}
	switch a.Requirement.Type {
	case RequirementCount:
		if a.Requirement.Counter == "" {
			return fmt.Errorf("achievement %q: count requirement needs a counter", a.ID)
		}
	case RequirementStreak, RequirementPoints, RequirementSocial, RequirementGroup, RequirementChallenge:
	default:
		return fmt.Errorf("achievement %q: unknown requirement %q", a.ID, a.Requirement.Type)
	}
	return nil
}

// =============================================================================
// NATURAL KEY RESOLUTION
// =============================================================================

// planDay is the parsed context of a reading-day activity.
type planDay struct {
	PlanID    string
	Day       int
	TotalDays int // 0 when unknown
}

func (p planDay) key() string { return p.PlanID + ":" + strconv.Itoa(p.Day) }

func parsePlanDay(t ActivityType, ctx map[string]string) (planDay, error) {
	p := planDay{PlanID: strings.TrimSpace(ctx[ContextPlanID])}
	if p.PlanID == "" {
		return p, &InvalidActivityError{Type: t, Reason: "missing plan_id"}
	}
	day, err := strconv.Atoi(ctx[ContextDay])
	if err != nil || day < 1 {
		return p, &InvalidActivityError{Type: t, Reason: fmt.Sprintf("invalid day %q", ctx[ContextDay])}
	}
	p.Day = day
	if raw, ok := ctx[ContextTotalDays]; ok && raw != "" {
		total, err := strconv.Atoi(raw)
		if err != nil || total < 1 {
			return p, &InvalidActivityError{Type: t, Reason: fmt.Sprintf("invalid total_days %q", raw)}
		}
		p.TotalDays = total
	}
	return p, nil
}

// resolveKey returns the natural key an activity is deduplicated on.
func resolveKey(rule ActivityRule, act Activity, today Day) (string, error) {
	switch rule.Key {
	case KeyToday:
		return today.String(), nil
	case KeyPlanDay:
		p, err := parsePlanDay(rule.Type, act.Context)
		if err != nil {
			return "", err
		}
		return p.key(), nil
	}
	key := act.NaturalKey
	if key == "" && rule.Effect == EffectReferralLink {
		key = act.Context[ContextReferrerID]
	}
	if key == "" {
		return "", &InvalidActivityError{Type: rule.Type, Reason: "natural key is required"}
	}
	return key, nil
}
