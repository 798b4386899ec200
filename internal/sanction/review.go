package sanction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/metrics"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/repository"
)

type ReviewRequest struct {
	EventID    uuid.UUID
	ReviewerID uuid.UUID
	Action     models.ReviewAction
	Note       *string
	// SuspendFor overrides the default reviewer suspension length.
	SuspendFor time.Duration
}

type ReviewOutcome struct {
	Event     *models.SafetyEvent         `json:"event"`
	Aggregate *models.UserSafetyAggregate `json:"aggregate"`
}

// Review records a human decision on an event. The mark and its effect on
// the aggregate commit together, and an event can be reviewed only once.
func (e *Engine) Review(ctx context.Context, req ReviewRequest) (*ReviewOutcome, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	ev, err := e.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	var out *ReviewOutcome
	err = e.withUser(ctx, ev.UserID, func(tx repository.SafetyTx) error {
		ev, err := tx.Event(ctx, req.EventID)
		if err != nil {
			return err
		}
		if ev.HumanReviewedAt != nil {
			return ErrAlreadyReviewed
		}

		now := e.Now()
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		agg.ExpireSuspension(now)
		e.applyReview(agg, ev, req, now)
		agg.UpdatedAt = now

		action := req.Action
		ev.HumanReviewedAt = &now
		ev.ReviewAction = &action
		ev.ReviewedBy = &req.ReviewerID
		ev.ReviewNote = req.Note

		if err := tx.MarkReviewed(ctx, ev); err != nil {
			return err
		}
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		out = &ReviewOutcome{Event: ev, Aggregate: agg}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyReviewed) || errors.Is(err, repository.ErrNotFound) || errors.Is(err, ErrStoreWrite) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	metrics.RecordReview(req.Action)
	slog.Info("safety event reviewed",
		"event_id", req.EventID, "user_id", ev.UserID, "reviewer_id", req.ReviewerID,
		"action", req.Action, "status", out.Aggregate.Status)
	return out, nil
}

func (e *Engine) applyReview(agg *models.UserSafetyAggregate, ev *models.SafetyEvent, req ReviewRequest, now time.Time) {
	switch req.Action {
	case models.ReviewDismiss:
		agg.SafetyScore = clampScore(agg.SafetyScore - ev.ScoreDelta)
	case models.ReviewSuspend:
		if agg.Status == models.StatusBanned {
			return
		}
		d := req.SuspendFor
		if d <= 0 {
			d = e.policy.ReviewerSuspension
		}
		until := now.Add(d)
		reason := "suspended by reviewer"
		if req.Note != nil && *req.Note != "" {
			reason = *req.Note
		}
		agg.Status = models.StatusSuspended
		agg.SuspendedUntil = &until
		agg.SuspensionReason = &reason
	case models.ReviewBan:
		reason := "banned by reviewer"
		if req.Note != nil && *req.Note != "" {
			reason = *req.Note
		}
		agg.Status = models.StatusBanned
		agg.SuspendedUntil = nil
		agg.SuspensionReason = &reason
	case models.ReviewLift:
		agg.Status = models.StatusActive
		agg.SuspendedUntil = nil
		agg.SuspensionReason = nil
	}
}

// AdjustScore applies an explicit score correction, clamped to 0..100.
func (e *Engine) AdjustScore(ctx context.Context, userID uuid.UUID, delta int, reason string) (*models.UserSafetyAggregate, error) {
	var agg *models.UserSafetyAggregate
	err := e.withUser(ctx, userID, func(tx repository.SafetyTx) error {
		a, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		now := e.Now()
		a.ExpireSuspension(now)
		a.SafetyScore = clampScore(a.SafetyScore + delta)
		a.UpdatedAt = now
		if err := tx.UpdateAggregate(ctx, a); err != nil {
			return err
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

	slog.Info("safety score adjusted", "user_id", userID, "delta", delta, "reason", reason, "score", agg.SafetyScore)
	return agg, nil
}

func (e *Engine) ListPendingReview(ctx context.Context, limit int) ([]models.SafetyEvent, error) {
	return e.store.ListPendingReview(ctx, limit)
}

// UserHistory returns the current aggregate with the user's newest events.
func (e *Engine) UserHistory(ctx context.Context, userID uuid.UUID, limit int) (*models.UserSafetyAggregate, []models.SafetyEvent, error) {
	agg, err := e.CurrentAggregate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	events, err := e.store.ListUserEvents(ctx, userID, limit)
	if err != nil {
		return nil, nil, err
	}
	return agg, events, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > models.MaxSafetyScore {
		return models.MaxSafetyScore
	}
	return score
}
