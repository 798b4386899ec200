package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/moderation"
	"github.com/tullo/moderation/internal/moderator"
	"github.com/tullo/moderation/internal/sanction"
)

// ModerationHandler serves the synchronous moderation calls from the chat transport
type ModerationHandler struct {
	service *moderator.Service
	engine  *sanction.Engine
}

func NewModerationHandler(service *moderator.Service, engine *sanction.Engine) *ModerationHandler {
	return &ModerationHandler{
		service: service,
		engine:  engine,
	}
}

// ModerateMessage moderates one outbound message and records the outcome
func (h *ModerationHandler) ModerateMessage(c *gin.Context) {
	var req models.ModerateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.service.ModerateAndRecord(c.Request.Context(), req.UserID, req.PairID, req.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)

	case errors.Is(err, moderation.ErrEmptyText), errors.Is(err, moderation.ErrTextTooLong):
		ErrorResponse(c, http.StatusBadRequest, err.Error())

	case errors.Is(err, moderator.ErrSenderRestricted):
		c.JSON(http.StatusForbidden, gin.H{"error": "Sender is restricted", "code": "sender_restricted"})

	case errors.Is(err, sanction.ErrStoreWrite) && res != nil:
		if res.Blocked {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Safety bookkeeping unavailable",
				"result": res,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"warning": "safety bookkeeping unavailable",
			"result":  res,
		})

	default:
		slog.Error("moderation failed", "user_id", req.UserID, "err", err)
		ErrorResponse(c, http.StatusInternalServerError, "Moderation failed")
	}
}

// EnsureUser creates the safety record for a newly registered user
func (h *ModerationHandler) EnsureUser(c *gin.Context) {
	userID, ok := uuidParam(c, "user_id")
	if !ok {
		ErrorResponse(c, http.StatusBadRequest, "Invalid user ID")
		return
	}

	agg, err := h.engine.EnsureAggregate(c.Request.Context(), userID)
	if err != nil {
		slog.Error("failed to ensure safety record", "user_id", userID, "err", err)
		ErrorResponse(c, http.StatusServiceUnavailable, "Safety store unavailable")
		return
	}

	c.JSON(http.StatusOK, agg)
}
