package classifier

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tullo/moderation/internal/models"
)

// ML calls a model-serving endpoint that returns a confidence per category.
type ML struct {
	endpoint
}

func NewML(url, apiKey string, timeout time.Duration) *ML {
	return &ML{endpoint: newEndpoint("ml-classifier", url, apiKey, timeout)}
}

type mlRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Models   []string `json:"models"`
}

func (m *ML) Name() string { return m.name }

func (m *ML) Category() models.ViolationCategory { return models.CategoryMLBased }

func (m *ML) Classify(ctx context.Context, text string, opts Options) ([]Finding, error) {
	scores := map[string]float64{}
	err := m.post(ctx, mlRequest{
		Text:     text,
		Language: opts.Language,
		Models:   opts.Models,
	}, &scores)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(scores))
	for category, score := range scores {
		if math.IsNaN(score) || score < 0 || score > 1 {
			return nil, fmt.Errorf("%w: %s score %v for %q out of range", ErrUnavailable, m.name, score, category)
		}
		findings = append(findings, Finding{
			Category: category,
			Score:    score,
			Source:   m.name,
		})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Category < findings[j].Category })
	return findings, nil
}
