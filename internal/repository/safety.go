package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/models"
)

var ErrNotFound = errors.New("not found")

// SafetyTx is a unit of work scoped to one user. Everything written through
// it commits together or not at all.
type SafetyTx interface {
	// Aggregate returns the user's aggregate, creating it with a full score if absent.
	Aggregate(ctx context.Context) (*models.UserSafetyAggregate, error)
	RecentEvents(ctx context.Context, since time.Time) ([]models.SafetyEvent, error)
	RecordEvent(ctx context.Context, event *models.SafetyEvent) error
	UpdateAggregate(ctx context.Context, agg *models.UserSafetyAggregate) error
	// Event loads one of this user's events for update.
	Event(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error)
	MarkReviewed(ctx context.Context, event *models.SafetyEvent) error
}

// SafetyStore persists safety events and per-user aggregates.
type SafetyStore interface {
	// WithUserTx runs fn holding the user's aggregate row for update. fn's
	// error aborts the unit of work and is returned unchanged.
	WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx SafetyTx) error) error
	GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error)
	ListUserEvents(ctx context.Context, userID uuid.UUID, limit int) ([]models.SafetyEvent, error)
	// ListPendingReview returns events awaiting a reviewer, most severe first, then newest first.
	ListPendingReview(ctx context.Context, limit int) ([]models.SafetyEvent, error)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
