package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/database"
	"github.com/tullo/moderation/internal/models"
)

// SafetyRepository is the Postgres SafetyStore
type SafetyRepository struct {
	db *database.DB
}

func NewSafetyRepository(db *database.DB) *SafetyRepository {
	return &SafetyRepository{db: db}
}

const eventColumns = `id, user_id, pair_id, occurred_at, event_type, severity, violations, score_delta,
	requires_human_review, human_reviewed_at, review_action, reviewed_by, review_note`

// WithUserTx locks the user's aggregate row for the duration of fn
func (r *SafetyRepository) WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx SafetyTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_safety_aggregates (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure aggregate: %w", err)
	}

	if err := fn(&safetyTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit safety transaction: %w", err)
	}
	return nil
}

// GetEvent retrieves a safety event by ID
func (r *SafetyRepository) GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM safety_events WHERE id = $1`
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("safety event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get safety event: %w", err)
	}
	return e, nil
}

// ListUserEvents returns a user's newest events
func (r *SafetyRepository) ListUserEvents(ctx context.Context, userID uuid.UUID, limit int) ([]models.SafetyEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM safety_events WHERE user_id = $1 ORDER BY occurred_at DESC LIMIT $2`
	return r.queryEvents(ctx, query, userID, clampLimit(limit))
}

func (r *SafetyRepository) ListPendingReview(ctx context.Context, limit int) ([]models.SafetyEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM safety_events
		WHERE requires_human_review AND human_reviewed_at IS NULL
		ORDER BY severity_rank DESC, occurred_at DESC
		LIMIT $1
	`
	return r.queryEvents(ctx, query, clampLimit(limit))
}

func (r *SafetyRepository) queryEvents(ctx context.Context, query string, args ...any) ([]models.SafetyEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

type safetyTx struct {
	tx     *sql.Tx
	userID uuid.UUID
}

func (t *safetyTx) Aggregate(ctx context.Context) (*models.UserSafetyAggregate, error) {
	query := `
		SELECT user_id, safety_score, warning_count, status, suspended_until, suspension_reason, created_at, updated_at
		FROM user_safety_aggregates
		WHERE user_id = $1
		FOR UPDATE
	`

	var (
		agg    models.UserSafetyAggregate
		until  sql.NullTime
		reason sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, query, t.userID).Scan(
		&agg.UserID,
		&agg.SafetyScore,
		&agg.WarningCount,
		&agg.Status,
		&until,
		&reason,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate for %s: %w", t.userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}
	if until.Valid {
		u := until.Time
		agg.SuspendedUntil = &u
	}
	if reason.Valid {
		agg.SuspensionReason = &reason.String
	}
	return &agg, nil
}

func (t *safetyTx) RecentEvents(ctx context.Context, since time.Time) ([]models.SafetyEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM safety_events WHERE user_id = $1 AND occurred_at >= $2 ORDER BY occurred_at ASC`
	rows, err := t.tx.QueryContext(ctx, query, t.userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (t *safetyTx) RecordEvent(ctx context.Context, e *models.SafetyEvent) error {
	if e.UserID != t.userID {
		return fmt.Errorf("event user %s does not match transaction user %s", e.UserID, t.userID)
	}
	violations, err := json.Marshal(e.Violations)
	if err != nil {
		return fmt.Errorf("failed to encode violations: %w", err)
	}

	query := `
		INSERT INTO safety_events (id, user_id, pair_id, occurred_at, event_type, severity, severity_rank,
			violations, score_delta, requires_human_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = t.tx.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		nullUUID(e.PairID),
		e.OccurredAt,
		e.EventType,
		e.Severity,
		e.Severity.Rank(),
		string(violations),
		e.ScoreDelta,
		e.RequiresHumanReview,
	)
	if err != nil {
		return fmt.Errorf("failed to insert safety event: %w", err)
	}
	return nil
}

func (t *safetyTx) UpdateAggregate(ctx context.Context, agg *models.UserSafetyAggregate) error {
	query := `
		UPDATE user_safety_aggregates
		SET safety_score = $1, warning_count = $2, status = $3, suspended_until = $4,
			suspension_reason = $5, updated_at = $6
		WHERE user_id = $7
	`
	result, err := t.tx.ExecContext(ctx, query,
		agg.SafetyScore,
		agg.WarningCount,
		agg.Status,
		agg.SuspendedUntil,
		agg.SuspensionReason,
		agg.UpdatedAt,
		t.userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update aggregate: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("aggregate for %s: %w", t.userID, ErrNotFound)
	}
	return nil
}

func (t *safetyTx) Event(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM safety_events WHERE id = $1 AND user_id = $2 FOR UPDATE`
	e, err := scanEvent(t.tx.QueryRowContext(ctx, query, eventID, t.userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("safety event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get safety event: %w", err)
	}
	return e, nil
}

func (t *safetyTx) MarkReviewed(ctx context.Context, e *models.SafetyEvent) error {
	query := `
		UPDATE safety_events
		SET human_reviewed_at = $1, review_action = $2, reviewed_by = $3, review_note = $4
		WHERE id = $5 AND user_id = $6 AND human_reviewed_at IS NULL
	`
	result, err := t.tx.ExecContext(ctx, query,
		e.HumanReviewedAt,
		e.ReviewAction,
		nullUUID(e.ReviewedBy),
		e.ReviewNote,
		e.ID,
		t.userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event reviewed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("unreviewed safety event %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.SafetyEvent, error) {
	var (
		e          models.SafetyEvent
		pairID     uuid.NullUUID
		reviewedAt sql.NullTime
		action     sql.NullString
		reviewedBy uuid.NullUUID
		note       sql.NullString
		violations []byte
	)
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&pairID,
		&e.OccurredAt,
		&e.EventType,
		&e.Severity,
		&violations,
		&e.ScoreDelta,
		&e.RequiresHumanReview,
		&reviewedAt,
		&action,
		&reviewedBy,
		&note,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(violations, &e.Violations); err != nil {
		return nil, fmt.Errorf("failed to decode violations: %w", err)
	}
	if pairID.Valid {
		e.PairID = &pairID.UUID
	}
	if reviewedAt.Valid {
		e.HumanReviewedAt = &reviewedAt.Time
	}
	if action.Valid {
		a := models.ReviewAction(action.String)
		e.ReviewAction = &a
	}
	if reviewedBy.Valid {
		e.ReviewedBy = &reviewedBy.UUID
	}
	if note.Valid {
		e.ReviewNote = &note.String
	}
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]models.SafetyEvent, error) {
	events := []models.SafetyEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read safety events: %w", err)
	}
	return events, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
