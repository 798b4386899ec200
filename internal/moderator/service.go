// Package moderator is the synchronous entry point the chat transport calls
// for every outbound message: moderate, then record the sanction bookkeeping.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/tullo/moderation/internal/metrics"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/moderation"
	"github.com/tullo/moderation/internal/sanction"
)

var ErrSenderRestricted = errors.New("sender is restricted")

// Publisher announces events that wait for a human reviewer.
type Publisher interface {
	PublishSafetyEvent(ctx context.Context, event *models.SafetyEvent) error
}

// Result is what the transport needs to deliver, mask or refuse a message.
type Result struct {
	ProcessedText string             `json:"processed_text"`
	Blocked       bool               `json:"blocked"`
	Quarantined   bool               `json:"quarantined"`
	Violations    []models.Violation `json:"violations"`
	Reasons       []string           `json:"reasons"`
	Confidence    float64            `json:"confidence"`
	Sanction      *sanction.Sanction `json:"sanction_applied,omitempty"`
	EventID       *uuid.UUID         `json:"event_id,omitempty"`
	// RequiresHumanReview is set when the recorded event joined the review queue.
	RequiresHumanReview bool `json:"requires_human_review"`
}

type Config struct {
	Options moderation.Options
	// RecordRetries bounds retries of the record step after a store failure.
	RecordRetries uint64
	RetryBase     time.Duration
	// RecordTimeout bounds the whole record step including retries.
	RecordTimeout time.Duration
}

type Service struct {
	orchestrator *moderation.Orchestrator
	engine       *sanction.Engine
	publisher    Publisher
	cfg          Config
}

// NewService wires the service. publisher may be nil.
func NewService(orchestrator *moderation.Orchestrator, engine *sanction.Engine, publisher Publisher, cfg Config) *Service {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 15 * time.Second
	}
	return &Service{
		orchestrator: orchestrator,
		engine:       engine,
		publisher:    publisher,
		cfg:          cfg,
	}
}

// ModerateAndRecord moderates text from userID and records the outcome.
//
// Input errors and ErrSenderRestricted are returned before any classifier
// runs. If the record step still fails after retries, the error wraps
// sanction.ErrStoreWrite and the Result carries the fallback decision:
// unsafe verdicts are blocked, safe ones may be delivered.
func (s *Service) ModerateAndRecord(ctx context.Context, userID uuid.UUID, pairID *uuid.UUID, text string) (*Result, error) {
	if err := s.orchestrator.Validate(text); err != nil {
		return nil, err
	}

	// bookkeeping must survive a dropped client
	ctx = context.WithoutCancel(ctx)

	agg, err := s.engine.CurrentAggregate(ctx, userID)
	switch {
	case err != nil:
		slog.Warn("sender status unavailable, moderating without it", "user_id", userID, "err", err)
	case agg.Restricted(s.engine.Now()):
		metrics.RecordRestrictedSend(agg.Status)
		return nil, fmt.Errorf("%w: %s", ErrSenderRestricted, agg.Status)
	}

	verdict, err := s.orchestrator.Moderate(ctx, text, s.cfg.Options)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ProcessedText: verdict.ProcessedText,
		Blocked:       !verdict.Safe,
		Quarantined:   verdict.Quarantined(),
		Violations:    verdict.Violations,
		Reasons:       reasons(verdict.Violations),
		Confidence:    verdict.Confidence,
	}
	if len(verdict.Violations) == 0 {
		return res, nil
	}

	out, err := s.record(ctx, sanction.RecordRequest{
		EventID: uuid.New(),
		UserID:  userID,
		PairID:  pairID,
		Verdict: verdict,
	})
	if err != nil {
		if verdict.Safe {
			metrics.RecordStoreFailure("fail_open")
			slog.Error("sanction record failed, delivering safe message", "user_id", userID, "err", err)
		} else {
			metrics.RecordStoreFailure("fail_closed")
			slog.Error("sanction record failed, blocking message", "user_id", userID, "err", err)
		}
		return res, err
	}

	res.Sanction = out.Sanction
	res.EventID = &out.Event.ID
	res.RequiresHumanReview = out.Event.RequiresHumanReview

	if out.Event.PendingReview() && s.publisher != nil {
		if err := s.publisher.PublishSafetyEvent(ctx, out.Event); err != nil {
			// the event is already queued; the live feed is best effort
			slog.Warn("failed to publish safety event", "event_id", out.Event.ID, "err", err)
		}
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, req sanction.RecordRequest) (*sanction.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	var out *sanction.Outcome
	b := retry.WithMaxRetries(s.cfg.RecordRetries, retry.NewFibonacci(s.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		o, err := s.engine.Record(ctx, req)
		if err != nil {
			slog.Warn("sanction record attempt failed", "user_id", req.UserID, "event_id", req.EventID, "err", err)
			return retry.RetryableError(err)
		}
		out = o
		return nil
	})
	if err != nil {
		if !errors.Is(err, sanction.ErrStoreWrite) {
			err = fmt.Errorf("%w: %w", sanction.ErrStoreWrite, err)
		}
		return nil, err
	}
	return out, nil
}

// reasons lists the distinct violation types in first-seen order.
func reasons(violations []models.Violation) []string {
	seen := make(map[string]bool, len(violations))
	res := []string{}
	for _, v := range violations {
		if !seen[v.Type] {
			seen[v.Type] = true
			res = append(res, v.Type)
		}
	}
	return res
}
