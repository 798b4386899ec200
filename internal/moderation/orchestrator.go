// Package moderation composes the contact redactor and the external
// classifiers into a single verdict per message. It never touches persisted
// state.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tullo/moderation/internal/classifier"
	"github.com/tullo/moderation/internal/metrics"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/redact"
	"github.com/tullo/moderation/internal/taxonomy"
)

var (
	ErrEmptyText   = errors.New("text is empty")
	ErrTextTooLong = errors.New("text exceeds maximum length")
)

const (
	DefaultTimeout               = 10 * time.Second
	DefaultMaxTextLength         = 10000
	DefaultMLConfidenceThreshold = 0.7
)

// Options are the per-call moderation settings.
type Options struct {
	EnableExternalClassifiers bool
	RuleCategories            []string
	MLModels                  []string
	MLConfidenceThreshold     float64
	Language                  string
	CountryHints              []string
}

type Config struct {
	// Timeout bounds the concurrent classifier calls as a whole.
	Timeout time.Duration
	// MaxTextLength is measured in runes.
	MaxTextLength int
}

type Orchestrator struct {
	mapper        *taxonomy.Mapper
	rule          classifier.Classifier
	ml            classifier.Classifier
	timeout       time.Duration
	maxTextLength int
	tracer        trace.Tracer
}

// NewOrchestrator wires the classifiers. Either classifier may be nil, in
// which case that layer is skipped.
func NewOrchestrator(mapper *taxonomy.Mapper, rule, ml classifier.Classifier, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	return &Orchestrator{
		mapper:        mapper,
		rule:          rule,
		ml:            ml,
		timeout:       cfg.Timeout,
		maxTextLength: cfg.MaxTextLength,
		tracer:        otel.Tracer("github.com/tullo/moderation/internal/moderation"),
	}
}

// Validate rejects input that must never reach a classifier.
func (o *Orchestrator) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > o.maxTextLength {
		return fmt.Errorf("%w: %d runes, limit %d", ErrTextTooLong, n, o.maxTextLength)
	}
	return nil
}

type classification struct {
	findings []classifier.Finding
	err      error
}

// Moderate produces the verdict for one message. Classifier outages degrade
// to an advisory violation; the only errors returned are input errors.
func (o *Orchestrator) Moderate(ctx context.Context, text string, opts Options) (*models.Verdict, error) {
	if err := o.Validate(text); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "moderation.Moderate")
	defer span.End()

	redacted := redact.Redact(text)
	violations := make([]models.Violation, 0, len(redacted.Spans))
	for _, s := range redacted.Spans {
		violations = append(violations, o.mapper.Contact(s))
	}

	var rule, ml classification
	if opts.EnableExternalClassifiers {
		rule, ml = o.classify(ctx, redacted.Text, opts)
	}

	if o.rule != nil && opts.EnableExternalClassifiers {
		if rule.err != nil {
			violations = append(violations, o.mapper.Advisory(o.rule.Category()))
		} else {
			for _, f := range rule.findings {
				violations = append(violations, o.mapper.RuleFinding(f))
			}
		}
	}

	confidence := 1.0
	if o.ml != nil && opts.EnableExternalClassifiers {
		if ml.err != nil {
			violations = append(violations, o.mapper.Advisory(o.ml.Category()))
		} else {
			threshold := opts.MLConfidenceThreshold
			if threshold <= 0 {
				threshold = DefaultMLConfidenceThreshold
			}
			maxScore := 0.0
			for _, f := range ml.findings {
				if f.Score > maxScore {
					maxScore = f.Score
				}
				if f.Score < threshold {
					continue
				}
				violations = append(violations, o.mapper.MLFinding(f))
			}
			confidence = 1 - maxScore
		}
	}

	verdict := &models.Verdict{
		Safe:          !models.IsUnsafe(violations),
		Violations:    violations,
		ProcessedText: redacted.Text,
		Confidence:    confidence,
	}

	span.SetAttributes(
		attribute.Bool("moderation.safe", verdict.Safe),
		attribute.Int("moderation.violations", len(violations)),
		attribute.Int("moderation.redactions", len(redacted.Spans)),
	)
	metrics.RecordVerdict(verdict)
	return verdict, nil
}

// classify calls both classifiers concurrently under one bounded wait. The
// calls are detached from the caller's cancellation so a dropped client
// cannot skip a safety check.
func (o *Orchestrator) classify(ctx context.Context, text string, opts Options) (rule, ml classification) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	copts := classifier.Options{
		Language:     opts.Language,
		Categories:   opts.RuleCategories,
		Models:       opts.MLModels,
		CountryHints: opts.CountryHints,
	}

	var g errgroup.Group
	if o.rule != nil {
		g.Go(func() error {
			rule = o.call(callCtx, o.rule, text, copts)
			return nil
		})
	}
	if o.ml != nil {
		g.Go(func() error {
			ml = o.call(callCtx, o.ml, text, copts)
			return nil
		})
	}
	_ = g.Wait()
	return rule, ml
}

func (o *Orchestrator) call(ctx context.Context, c classifier.Classifier, text string, opts classifier.Options) classification {
	ctx, span := o.tracer.Start(ctx, "moderation.classify",
		trace.WithAttributes(attribute.String("classifier", c.Name())))
	defer span.End()

	start := time.Now()
	findings, err := c.Classify(ctx, text, opts)
	metrics.RecordClassifierCall(c.Name(), time.Since(start))

	if err == nil && ctx.Err() != nil {
		// finished after the shared deadline
		err = fmt.Errorf("%w: %s: %w", classifier.ErrUnavailable, c.Name(), ctx.Err())
	}
	if err != nil {
		timeout := classifier.IsTimeout(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier unavailable")
		metrics.RecordClassifierUnavailable(c.Name(), timeout)
		slog.Warn("classifier unavailable, degrading to contact detection",
			"classifier", c.Name(), "timeout", timeout, "err", err)
		return classification{err: err}
	}

	slog.Debug("classifier finished", "classifier", c.Name(), "findings", len(findings))
	return classification{findings: findings}
}
