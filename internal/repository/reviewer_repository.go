package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/database"
	"github.com/tullo/moderation/internal/models"
)

var ErrDuplicateEmail = errors.New("email already registered")

// ReviewerStore persists moderator console accounts
type ReviewerStore interface {
	Create(ctx context.Context, reviewer *models.Reviewer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Reviewer, error)
	GetByEmail(ctx context.Context, email string) (*models.Reviewer, error)
}

type ReviewerRepository struct {
	db *database.DB
}

func NewReviewerRepository(db *database.DB) *ReviewerRepository {
	return &ReviewerRepository{db: db}
}

// Create creates a new reviewer
func (r *ReviewerRepository) Create(ctx context.Context, reviewer *models.Reviewer) error {
	query := `
		INSERT INTO reviewers (id, email, display_name, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx,
		query,
		reviewer.ID,
		reviewer.Email,
		reviewer.DisplayName,
		reviewer.Role,
		reviewer.PasswordHash,
		reviewer.CreatedAt,
		reviewer.UpdatedAt,
	).Scan(&reviewer.ID, &reviewer.CreatedAt, &reviewer.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "reviewers_email_key") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create reviewer: %w", err)
	}

	return nil
}

// GetByID retrieves a reviewer by ID
func (r *ReviewerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Reviewer, error) {
	query := `
		SELECT id, email, display_name, role, password_hash, created_at, updated_at
		FROM reviewers
		WHERE id = $1
	`
	return r.getOne(ctx, query, id)
}

// GetByEmail retrieves a reviewer by email
func (r *ReviewerRepository) GetByEmail(ctx context.Context, email string) (*models.Reviewer, error) {
	query := `
		SELECT id, email, display_name, role, password_hash, created_at, updated_at
		FROM reviewers
		WHERE email = $1
	`
	return r.getOne(ctx, query, email)
}

func (r *ReviewerRepository) getOne(ctx context.Context, query string, arg any) (*models.Reviewer, error) {
	reviewer := &models.Reviewer{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&reviewer.ID,
		&reviewer.Email,
		&reviewer.DisplayName,
		&reviewer.Role,
		&reviewer.PasswordHash,
		&reviewer.CreatedAt,
		&reviewer.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reviewer: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer: %w", err)
	}

	return reviewer, nil
}

// MemoryReviewerStore is an in-process ReviewerStore
type MemoryReviewerStore struct {
	mu        sync.RWMutex
	reviewers map[uuid.UUID]models.Reviewer
}

func NewMemoryReviewerStore() *MemoryReviewerStore {
	return &MemoryReviewerStore{reviewers: make(map[uuid.UUID]models.Reviewer)}
}

func (s *MemoryReviewerStore) Create(ctx context.Context, reviewer *models.Reviewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviewers {
		if strings.EqualFold(r.Email, reviewer.Email) {
			return ErrDuplicateEmail
		}
	}
	s.reviewers[reviewer.ID] = *reviewer
	return nil
}

func (s *MemoryReviewerStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Reviewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviewers[id]
	if !ok {
		return nil, fmt.Errorf("reviewer: %w", ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryReviewerStore) GetByEmail(ctx context.Context, email string) (*models.Reviewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reviewers {
		if strings.EqualFold(r.Email, email) {
			r := r
			return &r, nil
		}
	}
	return nil, fmt.Errorf("reviewer: %w", ErrNotFound)
}
