package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reviewer roles
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Reviewer is a human moderator account working the review queue
type Reviewer struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	Role         string    `json:"role" db:"role"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks basic reviewer fields
func (r *Reviewer) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(r.Email, "@") {
		return fmt.Errorf("invalid email")
	}
	if r.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if len(r.DisplayName) < 2 || len(r.DisplayName) > 100 {
		return fmt.Errorf("display name length invalid")
	}
	if r.Role != RoleModerator && r.Role != RoleAdmin {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	return nil
}

type RegisterReviewerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string   `json:"token"`
	Reviewer Reviewer `json:"reviewer"`
}
