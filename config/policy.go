package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tullo/moderation/internal/models"
)

// Policy holds the product-policy constants of the moderation pipeline.
// None of the numbers carry meaning beyond being the current policy.
type Policy struct {
	Taxonomy  TaxonomyPolicy `yaml:"taxonomy"`
	Sanctions SanctionPolicy `yaml:"sanctions"`
}

type TaxonomyPolicy struct {
	// Intensity maps a rule-based intensity label to a severity.
	Intensity map[string]models.Severity `yaml:"intensity" validate:"required,dive,keys,required,endkeys,oneof=low medium high critical"`
	// DefaultSeverity applies to unknown intensity labels.
	DefaultSeverity models.Severity `yaml:"default_severity" validate:"oneof=low medium high critical"`
	// CategoryOverrides pins a category to a severity regardless of intensity.
	CategoryOverrides map[string]models.Severity `yaml:"category_overrides" validate:"dive,keys,required,endkeys,oneof=low medium high critical"`
	// KnownCategories are rule-based categories mapped through Intensity.
	// Anything neither known nor overridden maps to UnmappedSeverity.
	KnownCategories  []string        `yaml:"known_categories" validate:"dive,required"`
	UnmappedSeverity models.Severity `yaml:"unmapped_severity" validate:"oneof=low medium high critical"`
	// MLBands are score floors, evaluated from highest MinScore down.
	MLBands          []MLBand                                    `yaml:"ml_bands" validate:"required,min=1,dive"`
	MLDefault        models.Severity                             `yaml:"ml_default" validate:"oneof=low medium high critical"`
	ContactSeverity  models.Severity                             `yaml:"contact_severity" validate:"oneof=low medium high critical"`
	AdvisorySeverity models.Severity                             `yaml:"advisory_severity" validate:"oneof=low medium high critical"`
	Actions          map[models.Severity]models.ModerationAction `yaml:"actions" validate:"required,dive,keys,oneof=low medium high critical,endkeys,oneof=block moderate flag"`
}

type MLBand struct {
	MinScore float64         `yaml:"min_score" validate:"gte=0,lte=1"`
	Severity models.Severity `yaml:"severity" validate:"oneof=low medium high critical"`
}

type SanctionPolicy struct {
	Deductions map[models.Severity]int `yaml:"deductions" validate:"required,dive,keys,oneof=low medium high critical,endkeys,gte=0,lte=100"`

	CriticalSuspension  time.Duration `yaml:"critical_suspension" validate:"gt=0"`
	MultiHighThreshold  int           `yaml:"multi_high_threshold" validate:"gte=1"`
	MultiHighSuspension time.Duration `yaml:"multi_high_suspension" validate:"gt=0"`
	PatternThreshold    int           `yaml:"pattern_threshold" validate:"gte=1"`
	PatternSuspension   time.Duration `yaml:"pattern_suspension" validate:"gt=0"`

	// ReviewWindowEvents escalates to a human once the window already holds this many events.
	ReviewWindowEvents int `yaml:"review_window_events" validate:"gte=1"`
	// ReviewMLViolations escalates when one verdict carries this many ML violations.
	ReviewMLViolations int `yaml:"review_ml_violations" validate:"gte=1"`
	// ReviewerSuspension is the default length of a suspension set by a reviewer.
	ReviewerSuspension time.Duration `yaml:"reviewer_suspension" validate:"gt=0"`
}

// DefaultPolicy returns the built-in policy table.
func DefaultPolicy() *Policy {
	return &Policy{
		Taxonomy: TaxonomyPolicy{
			Intensity: map[string]models.Severity{
				"high":   models.SeverityCritical,
				"medium": models.SeverityHigh,
				"low":    models.SeverityMedium,
			},
			DefaultSeverity: models.SeverityLow,
			CategoryOverrides: map[string]models.Severity{
				"extremism":         models.SeverityCritical,
				"violence":          models.SeverityCritical,
				"self-harm":         models.SeverityCritical,
				"weapon":            models.SeverityHigh,
				"drug":              models.SeverityHigh,
				"content-trade":     models.SeverityHigh,
				"money-transaction": models.SeverityHigh,
				"spam":              models.SeverityMedium,
				"medical":           models.SeverityMedium,
			},
			KnownCategories:  []string{"profanity", "link", "personal-info"},
			UnmappedSeverity: models.SeverityLow,
			MLBands: []MLBand{
				{MinScore: 0.9, Severity: models.SeverityCritical},
				{MinScore: 0.8, Severity: models.SeverityHigh},
				{MinScore: 0.7, Severity: models.SeverityMedium},
			},
			MLDefault:        models.SeverityLow,
			ContactSeverity:  models.SeverityHigh,
			AdvisorySeverity: models.SeverityLow,
			Actions: map[models.Severity]models.ModerationAction{
				models.SeverityCritical: models.ActionBlock,
				models.SeverityHigh:     models.ActionBlock,
				models.SeverityMedium:   models.ActionModerate,
				models.SeverityLow:      models.ActionFlag,
			},
		},
		Sanctions: SanctionPolicy{
			Deductions: map[models.Severity]int{
				models.SeverityCritical: 50,
				models.SeverityHigh:     25,
				models.SeverityMedium:   10,
				models.SeverityLow:      5,
			},
			CriticalSuspension:  24 * time.Hour,
			MultiHighThreshold:  2,
			MultiHighSuspension: 4 * time.Hour,
			PatternThreshold:    3,
			PatternSuspension:   12 * time.Hour,
			ReviewWindowEvents:  5,
			ReviewMLViolations:  3,
			ReviewerSuspension:  24 * time.Hour,
		},
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults.
// An empty path or a missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, p.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, p.Validate()
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the policy and sorts the ML bands from highest floor down.
func (p *Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	for _, s := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		if _, ok := p.Taxonomy.Actions[s]; !ok {
			return fmt.Errorf("invalid policy: no action for severity %s", s)
		}
	}
	// a stronger intensity label never maps to a lower severity
	prev, prevLabel := 0, ""
	for _, label := range []string{"low", "medium", "high"} {
		sev, ok := p.Taxonomy.Intensity[label]
		if !ok {
			continue
		}
		if sev.Rank() < prev {
			return fmt.Errorf("invalid policy: intensity %s maps below intensity %s", label, prevLabel)
		}
		prev, prevLabel = sev.Rank(), label
	}
	sort.SliceStable(p.Taxonomy.MLBands, func(i, j int) bool {
		return p.Taxonomy.MLBands[i].MinScore > p.Taxonomy.MLBands[j].MinScore
	})
	for i := 1; i < len(p.Taxonomy.MLBands); i++ {
		if p.Taxonomy.MLBands[i].Severity.Rank() > p.Taxonomy.MLBands[i-1].Severity.Rank() {
			return fmt.Errorf("invalid policy: ml band %.2f is more severe than a higher band", p.Taxonomy.MLBands[i].MinScore)
		}
	}
	return nil
}
