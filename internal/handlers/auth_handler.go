package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/auth"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/repository"
)

type AuthHandler struct {
	reviewers  repository.ReviewerStore
	jwtService *auth.JWTService
}

func NewAuthHandler(reviewers repository.ReviewerStore, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{
		reviewers:  reviewers,
		jwtService: jwtService,
	}
}

// Register creates a moderator account. Admins are promoted out of band.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterReviewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	now := time.Now()
	reviewer := &models.Reviewer{
		ID:           uuid.New(),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Role:         models.RoleModerator,
		PasswordHash: hashedPassword,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := reviewer.Validate(); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.reviewers.Create(c.Request.Context(), reviewer); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			ErrorResponse(c, http.StatusConflict, "Email already registered")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, "Failed to create reviewer")
		return
	}

	token, err := h.jwtService.GenerateToken(reviewer.ID, reviewer.Email, reviewer.Role)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusCreated, models.LoginResponse{
		Token:    token,
		Reviewer: *reviewer,
	})
}

// Login handles reviewer login
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	reviewer, err := h.reviewers.GetByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if err := auth.CheckPassword(reviewer.PasswordHash, req.Password); err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(reviewer.ID, reviewer.Email, reviewer.Role)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:    token,
		Reviewer: *reviewer,
	})
}

// GetMe returns the authenticated reviewer
func (h *AuthHandler) GetMe(c *gin.Context) {
	reviewerID, ok := currentReviewer(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	reviewer, err := h.reviewers.GetByID(c.Request.Context(), reviewerID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Reviewer not found")
		return
	}

	c.JSON(http.StatusOK, reviewer)
}
