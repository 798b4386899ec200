package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/repository"
	"github.com/tullo/moderation/internal/sanction"
)

// Notifier pushes review updates to connected reviewers
type Notifier interface {
	Broadcast(event string, payload interface{}) error
}

type ReviewHandler struct {
	engine   *sanction.Engine
	notifier Notifier
}

// NewReviewHandler creates the review queue handler. notifier may be nil.
func NewReviewHandler(engine *sanction.Engine, notifier Notifier) *ReviewHandler {
	return &ReviewHandler{
		engine:   engine,
		notifier: notifier,
	}
}

// GetQueue lists events waiting for a human, most severe first
func (h *ReviewHandler) GetQueue(c *gin.Context) {
	events, err := h.engine.ListPendingReview(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		slog.Error("failed to list review queue", "err", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get review queue")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ReviewEvent records a reviewer decision on one event
func (h *ReviewHandler) ReviewEvent(c *gin.Context) {
	eventID, ok := uuidParam(c, "id")
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "Invalid event ID")
		return
	}
	reviewerID, ok := currentReviewer(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.ReviewEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.engine.Review(c.Request.Context(), sanction.ReviewRequest{
		EventID:    eventID,
		ReviewerID: reviewerID,
		Action:     req.Action,
		Note:       req.Note,
		SuspendFor: time.Duration(req.SuspendForHours) * time.Hour,
	})
	switch {
	case err == nil:
	case errors.Is(err, sanction.ErrInvalidAction):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, "Event not found")
		return
	case errors.Is(err, sanction.ErrAlreadyReviewed):
		ErrorResponse(c, http.StatusConflict, "Event already reviewed")
		return
	default:
		slog.Error("review failed", "event_id", eventID, "reviewer_id", reviewerID, "err", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to record review")
		return
	}

	if h.notifier != nil {
		payload := models.WSReviewResolvedPayload{Event: out.Event, Aggregate: out.Aggregate}
		if err := h.notifier.Broadcast(models.EventReviewResolved, payload); err != nil {
			slog.Warn("failed to notify reviewers", "event_id", eventID, "err", err)
		}
	}

	c.JSON(http.StatusOK, out)
}

// GetUserHistory returns a user's safety record and newest events
func (h *ReviewHandler) GetUserHistory(c *gin.Context) {
	userID, ok := uuidParam(c, "user_id")
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "Invalid user ID")
		return
	}

	agg, events, err := h.engine.UserHistory(c.Request.Context(), userID, queryLimit(c, 50))
	if err != nil {
		slog.Error("failed to get user history", "user_id", userID, "err", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get user history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"aggregate": agg,
		"events":    events,
	})
}

// AdjustScore applies a manual safety score correction
func (h *ReviewHandler) AdjustScore(c *gin.Context) {
	userID, ok := uuidParam(c, "user_id")
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var req models.AdjustScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	reviewerID, _ := currentReviewer(c)
	agg, err := h.engine.AdjustScore(c.Request.Context(), userID, req.Delta, req.Reason)
	if err != nil {
		slog.Error("score adjustment failed", "user_id", userID, "reviewer_id", reviewerID, "err", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to adjust score")
		return
	}

	c.JSON(http.StatusOK, agg)
}
