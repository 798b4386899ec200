// Package sanction decides and applies per-user escalation for moderated
// messages: score decay, warnings, timed suspensions and routing to human
// review. All bookkeeping for one user is serialized and committed atomically.
package sanction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/metrics"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/repository"
	"github.com/tullo/moderation/internal/taxonomy"
)

var (
	// ErrStoreWrite wraps any failure to persist or read safety bookkeeping.
	// Nothing from the failed attempt is visible afterwards.
	ErrStoreWrite      = errors.New("safety store write failed")
	ErrAlreadyReviewed = errors.New("safety event already reviewed")
	ErrInvalidAction   = errors.New("invalid review action")
)

const DefaultWindow = 30 * 24 * time.Hour

// Escalation rules, in priority order
const (
	RuleCritical        = "critical_violation"
	RuleMultipleHigh    = "multiple_high_violations"
	RuleRepeatedPattern = "repeated_violation_pattern"
	RuleFirstWarning    = "first_warning"
)

// Sanction kinds
const (
	KindWarning    = "warning"
	KindSuspension = "suspension"
)

// Sanction describes the escalation tier applied for one message.
type Sanction struct {
	Kind           string     `json:"kind"`
	Rule           string     `json:"rule"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

type RecordRequest struct {
	// EventID makes retries idempotent; a zero value is replaced with a new id.
	EventID uuid.UUID
	UserID  uuid.UUID
	PairID  *uuid.UUID
	Verdict *models.Verdict
}

type Outcome struct {
	// Event is nil when the verdict carried no violations at all.
	Event     *models.SafetyEvent
	Aggregate *models.UserSafetyAggregate
	Sanction  *Sanction
}

type Engine struct {
	store  repository.SafetyStore
	mapper *taxonomy.Mapper
	policy config.SanctionPolicy
	window time.Duration
	locker Locker
	tracer trace.Tracer

	// Now is the engine clock.
	Now func() time.Time
}

func NewEngine(store repository.SafetyStore, mapper *taxonomy.Mapper, policy *config.Policy, window time.Duration, locker Locker) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Engine{
		store:  store,
		mapper: mapper,
		policy: policy.Sanctions,
		window: window,
		locker: locker,
		tracer: otel.Tracer("github.com/tullo/moderation/internal/sanction"),
		Now:    time.Now,
	}
}

func lockKey(userID uuid.UUID) string {
	return "sanction:user:" + userID.String()
}

// withUser serializes fn against every other bookkeeping step for userID.
func (e *Engine) withUser(ctx context.Context, userID uuid.UUID, fn func(tx repository.SafetyTx) error) error {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return fmt.Errorf("%w: acquire user lock: %w", ErrStoreWrite, err)
	}
	defer unlock()
	return e.store.WithUserTx(ctx, userID, fn)
}

// Record applies the verdict to the user's history and aggregate as one
// atomic unit. Advisory violations are audited but never charged: a verdict
// carrying only advisories records a classifier_unavailable event and leaves
// the aggregate untouched.
func (e *Engine) Record(ctx context.Context, req RecordRequest) (*Outcome, error) {
	if len(req.Verdict.Violations) == 0 {
		return &Outcome{}, nil
	}
	chargeable := req.Verdict.Chargeable()
	if req.EventID == uuid.Nil {
		req.EventID = uuid.New()
	}

	ctx, span := e.tracer.Start(ctx, "sanction.Record",
		trace.WithAttributes(attribute.String("user_id", req.UserID.String())))
	defer span.End()

	var (
		out      *Outcome
		replayed bool
	)
	err := e.withUser(ctx, req.UserID, func(tx repository.SafetyTx) error {
		// a retry after an ambiguous commit finds its own event
		if existing, err := tx.Event(ctx, req.EventID); err == nil {
			agg, err := tx.Aggregate(ctx)
			if err != nil {
				return err
			}
			out = &Outcome{Event: existing, Aggregate: agg}
			replayed = true
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		now := e.Now()
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		agg.ExpireSuspension(now)

		prior, err := tx.RecentEvents(ctx, now.Add(-e.window))
		if err != nil {
			return err
		}

		var (
			event    *models.SafetyEvent
			sanction *Sanction
		)
		if len(chargeable) == 0 {
			event = advisoryEvent(req.Verdict.Violations, now)
		} else {
			event, sanction = e.decide(agg, prior, chargeable, now)
		}
		event.ID = req.EventID
		event.UserID = req.UserID
		event.PairID = req.PairID
		// the audit trail keeps advisories alongside the charged violations
		event.Violations = append([]models.Violation(nil), req.Verdict.Violations...)

		if err := tx.RecordEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		out = &Outcome{Event: event, Aggregate: agg, Sanction: sanction}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		if errors.Is(err, ErrStoreWrite) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if replayed {
		return out, nil
	}

	if out.Sanction != nil {
		metrics.RecordSanction(out.Sanction.Kind)
		slog.Info("sanction applied",
			"user_id", req.UserID, "event_id", out.Event.ID, "kind", out.Sanction.Kind,
			"rule", out.Sanction.Rule, "status", out.Aggregate.Status)
	}
	if out.Event.RequiresHumanReview && out.Event.HumanReviewedAt == nil {
		metrics.RecordHumanReview()
	}
	span.SetAttributes(
		attribute.String("severity", string(out.Event.Severity)),
		attribute.Bool("requires_human_review", out.Event.RequiresHumanReview),
	)
	return out, nil
}

// decide mutates agg in place and returns the event to persist. It reads
// nothing but its arguments.
func (e *Engine) decide(agg *models.UserSafetyAggregate, prior []models.SafetyEvent, violations []models.Violation, now time.Time) (*models.SafetyEvent, *Sanction) {
	var (
		maxSev    models.Severity
		critical  int
		high      int
		mlBased   int
		deduction int
	)
	for _, v := range violations {
		maxSev = models.MaxSeverity(maxSev, v.Severity)
		switch v.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityHigh:
			high++
		}
		if v.Category == models.CategoryMLBased {
			mlBased++
		}
		deduction += e.mapper.Deduction(v.Severity)
	}

	charged := 0
	priorSerious := 0
	for _, p := range prior {
		if !p.Charged() {
			continue
		}
		charged++
		if p.Severity.AtLeast(models.SeverityHigh) {
			priorSerious++
		}
	}
	serious := priorSerious
	if maxSev.AtLeast(models.SeverityHigh) {
		serious++
	}

	var (
		sanction *Sanction
		rule     string
	)
	switch {
	case critical > 0:
		rule = RuleCritical
		sanction = e.suspend(agg, rule, e.policy.CriticalSuspension, "critical violation", now)
	case high >= e.policy.MultiHighThreshold:
		rule = RuleMultipleHigh
		sanction = e.suspend(agg, rule, e.policy.MultiHighSuspension, "multiple high-severity violations", now)
	case serious >= e.policy.PatternThreshold:
		rule = RuleRepeatedPattern
		sanction = e.suspend(agg, rule, e.policy.PatternSuspension, "pattern of repeated violations", now)
	case maxSev == models.SeverityMedium && charged == 0:
		rule = RuleFirstWarning
		agg.WarningCount++
		sanction = &Sanction{Kind: KindWarning, Rule: rule, Reason: "educational warning"}
	}

	applied := deduction
	if applied > agg.SafetyScore {
		applied = agg.SafetyScore
	}
	agg.SafetyScore -= applied
	agg.UpdatedAt = now

	eventType := models.EventTypeViolation
	if sanction != nil {
		eventType = models.EventTypeWarning
		if sanction.Kind == KindSuspension {
			eventType = models.EventTypeSuspension
		}
	}

	review := critical > 0 ||
		charged >= e.policy.ReviewWindowEvents ||
		mlBased >= e.policy.ReviewMLViolations ||
		rule == RuleRepeatedPattern

	return &models.SafetyEvent{
		OccurredAt:          now,
		EventType:           eventType,
		Severity:            maxSev,
		ScoreDelta:          -applied,
		RequiresHumanReview: review,
	}, sanction
}

func advisoryEvent(violations []models.Violation, now time.Time) *models.SafetyEvent {
	var maxSev models.Severity
	for _, v := range violations {
		maxSev = models.MaxSeverity(maxSev, v.Severity)
	}
	return &models.SafetyEvent{
		OccurredAt: now,
		EventType:  models.EventTypeClassifierUnavailable,
		Severity:   maxSev,
	}
}

// suspend applies a timed suspension. A longer running suspension is kept and
// a ban is never downgraded, in which case nil is returned.
func (e *Engine) suspend(agg *models.UserSafetyAggregate, rule string, d time.Duration, reason string, now time.Time) *Sanction {
	if agg.Status == models.StatusBanned {
		return nil
	}

	until := now.Add(d)
	if agg.Status == models.StatusSuspended && agg.SuspendedUntil != nil && agg.SuspendedUntil.After(until) {
		until = *agg.SuspendedUntil
	} else {
		r := reason
		agg.SuspensionReason = &r
	}
	agg.Status = models.StatusSuspended
	agg.SuspendedUntil = &until

	u := until
	return &Sanction{Kind: KindSuspension, Rule: rule, SuspendedUntil: &u, Reason: reason}
}

// CurrentAggregate returns the user's aggregate, creating it on first access
// and reverting an elapsed suspension.
func (e *Engine) CurrentAggregate(ctx context.Context, userID uuid.UUID) (*models.UserSafetyAggregate, error) {
	var agg *models.UserSafetyAggregate
	err := e.withUser(ctx, userID, func(tx repository.SafetyTx) error {
		a, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		if now := e.Now(); a.ExpireSuspension(now) {
			a.UpdatedAt = now
			if err := tx.UpdateAggregate(ctx, a); err != nil {
				return err
			}
			slog.Info("suspension expired", "user_id", userID)
		}
		agg = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStoreWrite) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return agg, nil
}

// EnsureAggregate registers a user with a full safety score. Calling it again
// is a no-op.
func (e *Engine) EnsureAggregate(ctx context.Context, userID uuid.UUID) (*models.UserSafetyAggregate, error) {
	return e.CurrentAggregate(ctx, userID)
}
