/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON rule table into a generic.Catalog, so point values and
  achievements can be tuned without a code change. The built-in table in
  devotional/ is the default; engine.catalog_path points at a JSON file
  that replaces it.

JSON SCHEMA:
  {
    "activities": [
      {"type": "daily_login", "reason": "daily_login", "points": 10,
       "counter": "logins", "streak": true, "key": "today"},
      {"type": "reading_day_complete", "reason": "reading_day_complete",
       "points": 5, "counter": "readings", "streak": true,
       "counts_as_action": true, "key": "plan_day",
       "effect": "reading_progress"}
    ],
    "achievements": [
      {"id": "week_streak", "name": "Week of Devotion",
       "category": "streak", "rarity": "common",
       "requirement": {"type": "streak", "target": 7},
       "reward_points": 50}
    ]
  }

VALIDATION:
  Field-level checks use validator struct tags; cross-field checks
  (duplicate ids, count requirements without a counter) are done by
  generic.NewCatalog.

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.LoadFile("catalog.json")

SEE ALSO:
  - devotional/: built-in catalog
  - generic/catalog.go: Catalog type and structural checks
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/lamplight/rewards-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Activities   []ActivityJSON    `json:"activities" validate:"required,min=1,dive"`
	Achievements []AchievementJSON `json:"achievements" validate:"dive"`
}

type ActivityJSON struct {
	Type           string `json:"type" validate:"required"`
	Reason         string `json:"reason,omitempty" validate:"required_with=Points"`
	Points         int64  `json:"points,omitempty" validate:"gte=0"`
	Counter        string `json:"counter,omitempty" validate:"omitempty,oneof=logins readings plans posts likes friends groups challenges actions"`
	Streak         bool   `json:"streak,omitempty"`
	CountsAsAction bool   `json:"counts_as_action,omitempty"`
	Key            string `json:"key" validate:"required,oneof=today explicit plan_day"`
	Effect         string `json:"effect,omitempty" validate:"omitempty,oneof=reading_progress referral_link"`
}

type AchievementJSON struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category,omitempty"`
	Rarity       string          `json:"rarity" validate:"required,oneof=common rare epic legendary"`
	Requirement  RequirementJSON `json:"requirement" validate:"required"`
	RewardPoints int64           `json:"reward_points" validate:"gte=0"`
}

type RequirementJSON struct {
	Type    string `json:"type" validate:"required,oneof=count streak points social group challenge"`
	Target  int64  `json:"target" validate:"gt=0"`
	Counter string `json:"counter,omitempty" validate:"required_if=Type count"`
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to generic.Catalog.
type CatalogFactory struct {
	validate *validator.Validate
}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseCatalog parses and validates a JSON catalog.
func (f *CatalogFactory) ParseCatalog(data []byte) (*generic.Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// LoadFile reads a catalog from disk.
func (f *CatalogFactory) LoadFile(path string) (*generic.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return f.ParseCatalog(data)
}

// FromJSON validates cj and builds the catalog.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*generic.Catalog, error) {
	if err := f.validate.Struct(cj); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	rules := make([]generic.ActivityRule, 0, len(cj.Activities))
	for _, aj := range cj.Activities {
		rules = append(rules, generic.ActivityRule{
			Type:           generic.ActivityType(aj.Type),
			Reason:         generic.Reason(aj.Reason),
			Points:         aj.Points,
			Counter:        generic.Counter(aj.Counter),
			Streak:         aj.Streak,
			CountsAsAction: aj.CountsAsAction,
			Key:            generic.KeyKind(aj.Key),
			Effect:         generic.Effect(aj.Effect),
		})
	}

	defs := make([]generic.AchievementDefinition, 0, len(cj.Achievements))
	for _, a := range cj.Achievements {
		defs = append(defs, generic.AchievementDefinition{
			ID:          generic.AchievementID(a.ID),
			Name:        a.Name,
			Description: a.Description,
			Category:    a.Category,
			Rarity:      generic.Rarity(a.Rarity),
			Requirement: generic.Requirement{
				Type:    generic.RequirementType(a.Requirement.Type),
				Target:  a.Requirement.Target,
				Counter: generic.Counter(a.Requirement.Counter),
			},
			RewardPoints: a.RewardPoints,
		})
	}

	catalog, err := generic.NewCatalog(rules, defs)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return catalog, nil
}

// ToJSON converts a catalog back to its JSON form.
func ToJSON(c *generic.Catalog) CatalogJSON {
	var cj CatalogJSON
	for _, r := range c.Rules() {
		cj.Activities = append(cj.Activities, ActivityJSON{
			Type:           string(r.Type),
			Reason:         string(r.Reason),
			Points:         r.Points,
			Counter:        string(r.Counter),
			Streak:         r.Streak,
			CountsAsAction: r.CountsAsAction,
			Key:            string(r.Key),
			Effect:         string(r.Effect),
		})
	}
	for _, d := range c.Achievements() {
		cj.Achievements = append(cj.Achievements, AchievementJSON{
			ID:          string(d.ID),
			Name:        d.Name,
			Description: d.Description,
			Category:    d.Category,
			Rarity:      string(d.Rarity),
			Requirement: RequirementJSON{
				Type:    string(d.Requirement.Type),
				Target:  d.Requirement.Target,
				Counter: string(d.Requirement.Counter),
			},
			RewardPoints: d.RewardPoints,
		})
	}
	return cj
}
