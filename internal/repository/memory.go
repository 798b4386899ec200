package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/models"
)

// MemorySafetyStore is an in-process SafetyStore. Writes made through a
// SafetyTx are staged and applied only when fn returns nil.
type MemorySafetyStore struct {
	// Now stamps lazily created aggregates.
	Now func() time.Time

	mu         sync.Mutex
	userLocks  map[uuid.UUID]*userLock
	aggregates map[uuid.UUID]*models.UserSafetyAggregate
	events     map[uuid.UUID]*models.SafetyEvent
	byUser     map[uuid.UUID][]uuid.UUID

	commitErr   error
	commitFails int
}

func NewMemorySafetyStore() *MemorySafetyStore {
	return &MemorySafetyStore{
		Now:        time.Now,
		userLocks:  make(map[uuid.UUID]*userLock),
		aggregates: make(map[uuid.UUID]*models.UserSafetyAggregate),
		events:     make(map[uuid.UUID]*models.SafetyEvent),
		byUser:     make(map[uuid.UUID][]uuid.UUID),
	}
}

// FailCommits makes the next n commits fail with err.
func (s *MemorySafetyStore) FailCommits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFails = n
	s.commitErr = err
}

// userLock is a per-user mutex dropped once nobody holds or waits for it
type userLock struct {
	sync.Mutex
	refs int
}

func (s *MemorySafetyStore) acquire(userID uuid.UUID) *userLock {
	s.mu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &userLock{}
		s.userLocks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return l
}

func (s *MemorySafetyStore) release(userID uuid.UUID, l *userLock) {
	l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.userLocks, userID)
	}
}

func (s *MemorySafetyStore) WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx SafetyTx) error) error {
	l := s.acquire(userID)
	defer s.release(userID, l)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &memoryTx{store: s, userID: userID, reviewed: map[uuid.UUID]*models.SafetyEvent{}}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemorySafetyStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitFails > 0 {
		s.commitFails--
		return fmt.Errorf("failed to commit safety transaction: %w", s.commitErr)
	}

	if tx.agg != nil {
		s.aggregates[tx.userID] = tx.agg.Clone()
	}
	for _, e := range tx.created {
		c := copyEvent(e)
		s.events[c.ID] = c
		s.byUser[c.UserID] = append(s.byUser[c.UserID], c.ID)
	}
	for id, e := range tx.reviewed {
		s.events[id] = copyEvent(e)
	}
	return nil
}

func (s *MemorySafetyStore) GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("safety event %s: %w", eventID, ErrNotFound)
	}
	return copyEvent(e), nil
}

func (s *MemorySafetyStore) ListUserEvents(ctx context.Context, userID uuid.UUID, limit int) ([]models.SafetyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byUser[userID]
	res := []models.SafetyEvent{}
	for i := len(ids) - 1; i >= 0 && len(res) < clampLimit(limit); i-- {
		res = append(res, *copyEvent(s.events[ids[i]]))
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].OccurredAt.After(res[j].OccurredAt) })
	return res, nil
}

func (s *MemorySafetyStore) ListPendingReview(ctx context.Context, limit int) ([]models.SafetyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := []models.SafetyEvent{}
	for _, e := range s.events {
		if e.PendingReview() {
			res = append(res, *copyEvent(e))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if ri, rj := res[i].Severity.Rank(), res[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if !res[i].OccurredAt.Equal(res[j].OccurredAt) {
			return res[i].OccurredAt.After(res[j].OccurredAt)
		}
		return res[i].ID.String() < res[j].ID.String()
	})
	if l := clampLimit(limit); len(res) > l {
		res = res[:l]
	}
	return res, nil
}

type memoryTx struct {
	store    *MemorySafetyStore
	userID   uuid.UUID
	agg      *models.UserSafetyAggregate
	created  []*models.SafetyEvent
	reviewed map[uuid.UUID]*models.SafetyEvent
}

func (t *memoryTx) Aggregate(ctx context.Context) (*models.UserSafetyAggregate, error) {
	if t.agg == nil {
		t.store.mu.Lock()
		if a, ok := t.store.aggregates[t.userID]; ok {
			t.agg = a.Clone()
		} else {
			// staged like any other write; discarded if the tx aborts
			t.agg = models.NewUserSafetyAggregate(t.userID, t.store.Now())
		}
		t.store.mu.Unlock()
	}
	return t.agg.Clone(), nil
}

func (t *memoryTx) RecentEvents(ctx context.Context, since time.Time) ([]models.SafetyEvent, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	res := []models.SafetyEvent{}
	for _, id := range t.store.byUser[t.userID] {
		e := t.store.events[id]
		if !e.OccurredAt.Before(since) {
			res = append(res, *copyEvent(e))
		}
	}
	for _, e := range t.created {
		if !e.OccurredAt.Before(since) {
			res = append(res, *copyEvent(e))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].OccurredAt.Before(res[j].OccurredAt) })
	return res, nil
}

func (t *memoryTx) RecordEvent(ctx context.Context, e *models.SafetyEvent) error {
	if e.UserID != t.userID {
		return fmt.Errorf("event user %s does not match transaction user %s", e.UserID, t.userID)
	}
	t.created = append(t.created, copyEvent(e))
	return nil
}

func (t *memoryTx) UpdateAggregate(ctx context.Context, agg *models.UserSafetyAggregate) error {
	if agg.UserID != t.userID {
		return fmt.Errorf("aggregate user %s does not match transaction user %s", agg.UserID, t.userID)
	}
	t.agg = agg.Clone()
	return nil
}

func (t *memoryTx) Event(ctx context.Context, eventID uuid.UUID) (*models.SafetyEvent, error) {
	if e, ok := t.reviewed[eventID]; ok {
		return copyEvent(e), nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.events[eventID]
	if !ok || e.UserID != t.userID {
		return nil, fmt.Errorf("safety event %s: %w", eventID, ErrNotFound)
	}
	return copyEvent(e), nil
}

func (t *memoryTx) MarkReviewed(ctx context.Context, e *models.SafetyEvent) error {
	current, err := t.Event(ctx, e.ID)
	if err != nil {
		return err
	}
	if current.HumanReviewedAt != nil {
		return fmt.Errorf("unreviewed safety event %s: %w", e.ID, ErrNotFound)
	}
	current.HumanReviewedAt = e.HumanReviewedAt
	current.ReviewAction = e.ReviewAction
	current.ReviewedBy = e.ReviewedBy
	current.ReviewNote = e.ReviewNote
	t.reviewed[e.ID] = current
	return nil
}

func copyEvent(e *models.SafetyEvent) *models.SafetyEvent {
	c := *e
	c.Violations = append([]models.Violation(nil), e.Violations...)
	return &c
}
