package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tullo/moderation/internal/models"
)

// RuleBased calls a categorical classifier that labels each matched category
// with an intensity.
type RuleBased struct {
	endpoint
}

func NewRuleBased(url, apiKey string, timeout time.Duration) *RuleBased {
	return &RuleBased{endpoint: newEndpoint("rule-classifier", url, apiKey, timeout)}
}

type ruleRequest struct {
	Text         string   `json:"text"`
	Language     string   `json:"language"`
	Categories   []string `json:"categories"`
	CountryHints []string `json:"country_hints,omitempty"`
}

type ruleMatch struct {
	Intensity string `json:"intensity"`
}

type ruleResponse struct {
	Matches map[string]ruleMatch `json:"matches"`
}

func (r *RuleBased) Name() string { return r.name }

func (r *RuleBased) Category() models.ViolationCategory { return models.CategoryRuleBased }

func (r *RuleBased) Classify(ctx context.Context, text string, opts Options) ([]Finding, error) {
	var resp ruleResponse
	err := r.post(ctx, ruleRequest{
		Text:         text,
		Language:     opts.Language,
		Categories:   opts.Categories,
		CountryHints: opts.CountryHints,
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Matches))
	for category, m := range resp.Matches {
		if category == "" {
			return nil, fmt.Errorf("%w: %s returned an empty category", ErrUnavailable, r.name)
		}
		findings = append(findings, Finding{
			Category:  category,
			Intensity: strings.ToLower(strings.TrimSpace(m.Intensity)),
			Source:    r.name,
		})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Category < findings[j].Category })
	return findings, nil
}
