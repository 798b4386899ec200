package sanction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/repository"
)

func TestReviewDismissRestoresScore(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	reviewer := uuid.New()

	record(t, e, userID, violation(models.SeverityMedium, models.CategoryRuleBased))
	out := record(t, e, userID, violation(models.SeverityHigh, models.CategoryRuleBased))
	require.Equal(t, 65, out.Aggregate.SafetyScore)

	note := "false positive"
	res, err := e.Review(ctx, ReviewRequest{EventID: out.Event.ID, ReviewerID: reviewer, Action: models.ReviewDismiss, Note: &note})
	require.NoError(t, err)

	assert.Equal(t, 90, res.Aggregate.SafetyScore)
	require.NotNil(t, res.Event.HumanReviewedAt)
	assert.Equal(t, models.ReviewDismiss, *res.Event.ReviewAction)
	assert.Equal(t, reviewer, *res.Event.ReviewedBy)
	assert.Equal(t, "false positive", *res.Event.ReviewNote)

	_, err = e.Review(ctx, ReviewRequest{EventID: out.Event.ID, ReviewerID: reviewer, Action: models.ReviewUphold})
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestReviewDismissCapsAtMaximum(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	out := record(t, e, userID, violation(models.SeverityHigh, models.CategoryRuleBased))
	_, err := e.AdjustScore(ctx, userID, 20, "appeal granted")
	require.NoError(t, err)

	res, err := e.Review(ctx, ReviewRequest{EventID: out.Event.ID, ReviewerID: uuid.New(), Action: models.ReviewDismiss})
	require.NoError(t, err)
	assert.Equal(t, models.MaxSafetyScore, res.Aggregate.SafetyScore)
}

func TestReviewActions(t *testing.T) {
	tests := []struct {
		name       string
		action     models.ReviewAction
		suspendFor time.Duration
		wantStatus models.UserStatus
		wantUntil  time.Duration
	}{
		{"uphold keeps suspension", models.ReviewUphold, 0, models.StatusSuspended, 24 * time.Hour},
		{"suspend uses default length", models.ReviewSuspend, 0, models.StatusSuspended, 24 * time.Hour},
		{"suspend with explicit length", models.ReviewSuspend, 72 * time.Hour, models.StatusSuspended, 72 * time.Hour},
		{"ban", models.ReviewBan, 0, models.StatusBanned, 0},
		{"lift", models.ReviewLift, 0, models.StatusActive, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, clk := newEngine(t)
			userID := uuid.New()
			out := record(t, e, userID, violation(models.SeverityCritical, models.CategoryRuleBased))
			start := clk.Now()
			clk.Advance(time.Hour)

			res, err := e.Review(context.Background(), ReviewRequest{
				EventID:    out.Event.ID,
				ReviewerID: uuid.New(),
				Action:     tt.action,
				SuspendFor: tt.suspendFor,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, res.Aggregate.Status)
			switch {
			case tt.wantUntil == 0:
				assert.Nil(t, res.Aggregate.SuspendedUntil)
			case tt.action == models.ReviewUphold:
				assert.Equal(t, start.Add(tt.wantUntil), *res.Aggregate.SuspendedUntil)
			default:
				assert.Equal(t, clk.Now().Add(tt.wantUntil), *res.Aggregate.SuspendedUntil)
			}
			assert.Equal(t, 50, res.Aggregate.SafetyScore)

			pending, err := e.ListPendingReview(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestBanSurvivesTime(t *testing.T) {
	e, _, clk := newEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	out := record(t, e, userID, violation(models.SeverityHigh, models.CategoryRuleBased))
	_, err := e.Review(ctx, ReviewRequest{EventID: out.Event.ID, ReviewerID: uuid.New(), Action: models.ReviewBan})
	require.NoError(t, err)

	clk.Advance(365 * 24 * time.Hour)
	agg, err := e.CurrentAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBanned, agg.Status)
	assert.True(t, agg.Restricted(clk.Now()))
}

func TestReviewErrors(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Review(ctx, ReviewRequest{EventID: uuid.New(), Action: "pardon"})
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = e.Review(ctx, ReviewRequest{EventID: uuid.New(), Action: models.ReviewUphold})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAdjustScoreClamps(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	agg, err := e.AdjustScore(ctx, userID, -250, "abuse confirmed")
	require.NoError(t, err)
	assert.Equal(t, 0, agg.SafetyScore)

	agg, err = e.AdjustScore(ctx, userID, 30, "partial restore")
	require.NoError(t, err)
	assert.Equal(t, 30, agg.SafetyScore)

	agg, err = e.AdjustScore(ctx, userID, 500, "full restore")
	require.NoError(t, err)
	assert.Equal(t, models.MaxSafetyScore, agg.SafetyScore)
}

func TestPendingReviewQueueOrder(t *testing.T) {
	e, _, clk := newEngine(t)

	critical := record(t, e, uuid.New(), violation(models.SeverityCritical, models.CategoryRuleBased))
	clk.Advance(time.Minute)
	ml := record(t, e, uuid.New(),
		violation(models.SeverityMedium, models.CategoryMLBased),
		violation(models.SeverityMedium, models.CategoryMLBased),
		violation(models.SeverityLow, models.CategoryMLBased))
	clk.Advance(time.Minute)
	newerCritical := record(t, e, uuid.New(), violation(models.SeverityCritical, models.CategoryMLBased))

	pending, err := e.ListPendingReview(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, newerCritical.Event.ID, pending[0].ID)
	assert.Equal(t, critical.Event.ID, pending[1].ID)
	assert.Equal(t, ml.Event.ID, pending[2].ID)
}

func TestUserHistory(t *testing.T) {
	e, _, clk := newEngine(t)
	userID := uuid.New()

	record(t, e, userID, violation(models.SeverityLow, models.CategoryRuleBased))
	clk.Advance(time.Minute)
	last := record(t, e, userID, violation(models.SeverityMedium, models.CategoryRuleBased))

	agg, events, err := e.UserHistory(context.Background(), userID, 10)
	require.NoError(t, err)
	assert.Equal(t, 85, agg.SafetyScore)
	require.Len(t, events, 2)
	assert.Equal(t, last.Event.ID, events[0].ID)
}
