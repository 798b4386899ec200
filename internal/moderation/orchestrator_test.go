package moderation

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/classifier"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/taxonomy"
)

func enabled() Options {
	return Options{
		EnableExternalClassifiers: true,
		MLConfidenceThreshold:     0.7,
		Language:                  "en",
	}
}

func newOrchestrator(rule, ml classifier.Classifier) *Orchestrator {
	return NewOrchestrator(taxonomy.New(config.DefaultPolicy()), rule, ml, Config{Timeout: 50 * time.Millisecond})
}

func TestModeratePhoneNumber(t *testing.T) {
	o := newOrchestrator(classifier.NewFakeRuleBased(), classifier.NewFakeML())

	v, err := o.Moderate(context.Background(), "call me at 555-123-4567", enabled())
	require.NoError(t, err)

	assert.Equal(t, "call me at [PHONE REDACTED]", v.ProcessedText)
	assert.False(t, v.Safe)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, models.Violation{
		Type:       models.ViolationContactPhone,
		Severity:   models.SeverityHigh,
		Confidence: 1.0,
		Category:   models.CategoryContactDetection,
		Action:     models.ActionBlock,
	}, v.Violations[0])
}

func TestModerateRuleTimeoutDegrades(t *testing.T) {
	rule := classifier.NewFakeRuleBased(classifier.Finding{Category: "weapon", Intensity: "high"})
	rule.Delay = time.Second
	o := newOrchestrator(rule, classifier.NewFakeML())

	start := time.Now()
	v, err := o.Moderate(context.Background(), "how was your weekend?", enabled())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, v.Safe)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, models.ViolationAPIError, v.Violations[0].Type)
	assert.Equal(t, models.SeverityLow, v.Violations[0].Severity)
	assert.Equal(t, models.CategoryRuleBased, v.Violations[0].Category)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestModerateBothClassifiersFail(t *testing.T) {
	rule := classifier.NewFakeRuleBased()
	rule.Error = classifier.ErrUnavailable
	ml := classifier.NewFakeML()
	ml.Error = errors.New("connection reset")
	o := newOrchestrator(rule, ml)

	v, err := o.Moderate(context.Background(), "mail me: ana@example.com", enabled())
	require.NoError(t, err)

	assert.False(t, v.Safe)
	assert.Equal(t, "mail me: [EMAIL REDACTED]", v.ProcessedText)

	var types []string
	for _, vi := range v.Violations {
		types = append(types, vi.Type)
	}
	assert.Equal(t, []string{models.ViolationContactEmail, models.ViolationAPIError, models.ViolationAPIError}, types)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestModerateCriticalML(t *testing.T) {
	o := newOrchestrator(classifier.NewFakeRuleBased(), classifier.NewFakeML(
		classifier.Finding{Category: "violence", Score: 0.95},
		classifier.Finding{Category: "spam", Score: 0.3},
	))

	v, err := o.Moderate(context.Background(), "some threatening text", enabled())
	require.NoError(t, err)

	assert.False(t, v.Safe)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, models.SeverityCritical, v.Violations[0].Severity)
	assert.Equal(t, models.CategoryMLBased, v.Violations[0].Category)
	assert.InDelta(t, 0.05, v.Confidence, 1e-9)
}

func TestModerateThresholdAndRuleMapping(t *testing.T) {
	o := newOrchestrator(
		classifier.NewFakeRuleBased(classifier.Finding{Category: "profanity", Intensity: "low"}),
		classifier.NewFakeML(classifier.Finding{Category: "toxicity", Score: 0.69}),
	)

	v, err := o.Moderate(context.Background(), "darn it", enabled())
	require.NoError(t, err)

	require.Len(t, v.Violations, 1)
	assert.Equal(t, "profanity", v.Violations[0].Type)
	assert.Equal(t, models.SeverityMedium, v.Violations[0].Severity)
	assert.Equal(t, models.ActionModerate, v.Violations[0].Action)
	assert.True(t, v.Safe)
	assert.True(t, v.Quarantined())
	assert.InDelta(t, 0.31, v.Confidence, 1e-9)
}

func TestModerateClassifiersDisabled(t *testing.T) {
	rule := classifier.NewFakeRuleBased(classifier.Finding{Category: "weapon", Intensity: "high"})
	ml := classifier.NewFakeML()
	o := newOrchestrator(rule, ml)

	opts := enabled()
	opts.EnableExternalClassifiers = false
	v, err := o.Moderate(context.Background(), "nice to meet you", opts)
	require.NoError(t, err)

	assert.True(t, v.Safe)
	assert.Empty(t, v.Violations)
	assert.Equal(t, 0, rule.Calls())
	assert.Equal(t, 0, ml.Calls())
}

func TestModerateSendsRedactedText(t *testing.T) {
	var seen string
	rule := &recordingClassifier{onText: func(s string) { seen = s }}
	o := newOrchestrator(rule, nil)

	_, err := o.Moderate(context.Background(), "text me 555 123 4567", enabled())
	require.NoError(t, err)
	assert.Equal(t, "text me [PHONE REDACTED]", seen)
}

func TestModerateIgnoresCallerCancellation(t *testing.T) {
	ml := classifier.NewFakeML(classifier.Finding{Category: "toxicity", Score: 0.85})
	o := newOrchestrator(nil, ml)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := o.Moderate(ctx, "you are awful", enabled())
	require.NoError(t, err)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, models.SeverityHigh, v.Violations[0].Severity)
}

func TestModerateInputErrors(t *testing.T) {
	rule := classifier.NewFakeRuleBased()
	ml := classifier.NewFakeML()
	o := NewOrchestrator(taxonomy.New(config.DefaultPolicy()), rule, ml, Config{MaxTextLength: 10})

	_, err := o.Moderate(context.Background(), "   \n\t", enabled())
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = o.Moderate(context.Background(), strings.Repeat("é", 11), enabled())
	assert.ErrorIs(t, err, ErrTextTooLong)

	_, err = o.Moderate(context.Background(), strings.Repeat("é", 10), enabled())
	assert.NoError(t, err)

	assert.Equal(t, 1, rule.Calls())
	assert.Equal(t, 1, ml.Calls())
}

func TestVerdictInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	categories := []string{"profanity", "weapon", "spam", "violence", "astrology", "link"}
	intensities := []string{"low", "medium", "high", "odd"}
	texts := []string{"hello", "call 555-123-4567", "hi @someone", "plain words here"}

	for i := 0; i < 200; i++ {
		var rf, mf []classifier.Finding
		for j := rng.Intn(3); j > 0; j-- {
			rf = append(rf, classifier.Finding{
				Category:  categories[rng.Intn(len(categories))],
				Intensity: intensities[rng.Intn(len(intensities))],
			})
		}
		for j := rng.Intn(3); j > 0; j-- {
			mf = append(mf, classifier.Finding{Category: "toxicity", Score: rng.Float64()})
		}
		rule := classifier.NewFakeRuleBased(rf...)
		ml := classifier.NewFakeML(mf...)
		if rng.Intn(5) == 0 {
			rule.Error = classifier.ErrUnavailable
		}

		v, err := newOrchestrator(rule, ml).Moderate(context.Background(), texts[rng.Intn(len(texts))], enabled())
		require.NoError(t, err)

		unsafe := false
		for _, vi := range v.Violations {
			if vi.Severity == models.SeverityHigh || vi.Severity == models.SeverityCritical || vi.Action == models.ActionBlock {
				unsafe = true
			}
		}
		assert.Equal(t, !unsafe, v.Safe, "iteration %d: %+v", i, v.Violations)
		assert.GreaterOrEqual(t, v.Confidence, 0.0)
		assert.LessOrEqual(t, v.Confidence, 1.0)
	}
}

type recordingClassifier struct {
	onText func(string)
}

func (r *recordingClassifier) Name() string { return "recording" }

func (r *recordingClassifier) Category() models.ViolationCategory { return models.CategoryRuleBased }

func (r *recordingClassifier) Classify(ctx context.Context, text string, opts classifier.Options) ([]classifier.Finding, error) {
	r.onText(text)
	return nil, nil
}
