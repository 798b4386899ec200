// Package taxonomy is the single table that turns raw classifier findings and
// redaction spans into normalized violations.
package taxonomy

import (
	"strings"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/classifier"
	"github.com/tullo/moderation/internal/models"
)

type Mapper struct {
	policy     config.TaxonomyPolicy
	deductions map[models.Severity]int
	known      map[string]bool
}

func New(p *config.Policy) *Mapper {
	known := make(map[string]bool, len(p.Taxonomy.KnownCategories))
	for _, c := range p.Taxonomy.KnownCategories {
		known[normalizeCategory(c)] = true
	}
	overrides := make(map[string]models.Severity, len(p.Taxonomy.CategoryOverrides))
	for c, s := range p.Taxonomy.CategoryOverrides {
		overrides[normalizeCategory(c)] = s
	}
	tp := p.Taxonomy
	tp.CategoryOverrides = overrides

	return &Mapper{
		policy:     tp,
		deductions: p.Sanctions.Deductions,
		known:      known,
	}
}

// RuleSeverity maps a rule-based category and intensity label. Category
// overrides win over intensity; categories outside the table are unmapped.
func (m *Mapper) RuleSeverity(category, intensity string) models.Severity {
	category = normalizeCategory(category)
	if s, ok := m.policy.CategoryOverrides[category]; ok {
		return s
	}
	if !m.known[category] {
		return m.policy.UnmappedSeverity
	}
	if s, ok := m.policy.Intensity[strings.ToLower(strings.TrimSpace(intensity))]; ok {
		return s
	}
	return m.policy.DefaultSeverity
}

// MLSeverity maps a confidence score through the bands, highest floor first.
func (m *Mapper) MLSeverity(score float64) models.Severity {
	for _, b := range m.policy.MLBands {
		if score >= b.MinScore {
			return b.Severity
		}
	}
	return m.policy.MLDefault
}

func (m *Mapper) ActionFor(s models.Severity) models.ModerationAction {
	if a, ok := m.policy.Actions[s]; ok {
		return a
	}
	return models.ActionFlag
}

// Deduction is the safety-score cost of one violation at severity s.
func (m *Mapper) Deduction(s models.Severity) int {
	return m.deductions[s]
}

func (m *Mapper) RuleFinding(f classifier.Finding) models.Violation {
	sev := m.RuleSeverity(f.Category, f.Intensity)
	return models.Violation{
		Type:       ViolationType(f.Category),
		Severity:   sev,
		Confidence: 1.0,
		Category:   models.CategoryRuleBased,
		Action:     m.ActionFor(sev),
	}
}

func (m *Mapper) MLFinding(f classifier.Finding) models.Violation {
	sev := m.MLSeverity(f.Score)
	return models.Violation{
		Type:       ViolationType(f.Category),
		Severity:   sev,
		Confidence: f.Score,
		Category:   models.CategoryMLBased,
		Action:     m.ActionFor(sev),
	}
}

// Contact converts a redaction span. Contact sharing always blocks.
func (m *Mapper) Contact(span models.RedactionSpan) models.Violation {
	sev := m.policy.ContactSeverity
	return models.Violation{
		Type:       contactType(span.Type),
		Severity:   sev,
		Confidence: 1.0,
		Category:   models.CategoryContactDetection,
		Action:     models.ActionBlock,
	}
}

// Advisory records that the classifier of the given family could not be reached.
func (m *Mapper) Advisory(category models.ViolationCategory) models.Violation {
	sev := m.policy.AdvisorySeverity
	return models.Violation{
		Type:       models.ViolationAPIError,
		Severity:   sev,
		Confidence: 1.0,
		Category:   category,
		Action:     m.ActionFor(sev),
	}
}

// ViolationType turns a classifier category into a violation type name.
func ViolationType(category string) string {
	t := strings.ReplaceAll(normalizeCategory(category), "-", "_")
	t = strings.ReplaceAll(t, " ", "_")
	if t == "" {
		return "unknown"
	}
	return t
}

func contactType(t models.SpanType) string {
	switch t {
	case models.SpanEmail:
		return models.ViolationContactEmail
	case models.SpanPhone:
		return models.ViolationContactPhone
	case models.SpanSocialHandle:
		return models.ViolationContactSocial
	}
	return models.ViolationContactLink
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
