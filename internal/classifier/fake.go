package classifier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tullo/moderation/internal/models"
)

// Fake is an in-memory Classifier for tests and local runs without endpoints.
type Fake struct {
	NameValue string
	Kind      models.ViolationCategory
	Findings  []Finding
	Error     error
	// Delay simulates a slow endpoint; the context deadline still applies.
	Delay time.Duration

	calls atomic.Int32
}

func NewFakeRuleBased(findings ...Finding) *Fake {
	return &Fake{NameValue: "fake-rule-classifier", Kind: models.CategoryRuleBased, Findings: findings}
}

func NewFakeML(findings ...Finding) *Fake {
	return &Fake{NameValue: "fake-ml-classifier", Kind: models.CategoryMLBased, Findings: findings}
}

func (f *Fake) Name() string { return f.NameValue }

func (f *Fake) Category() models.ViolationCategory { return f.Kind }

// Calls returns how many times Classify ran.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

func (f *Fake) Classify(ctx context.Context, text string, opts Options) ([]Finding, error) {
	f.calls.Add(1)

	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, f.NameValue, ctx.Err())
		case <-timer.C:
		}
	}
	if f.Error != nil {
		return nil, f.Error
	}

	out := make([]Finding, len(f.Findings))
	for i, fd := range f.Findings {
		if fd.Source == "" {
			fd.Source = f.NameValue
		}
		out[i] = fd
	}
	return out, nil
}
