package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

type outboxRepository struct {
	s   *Store
	now func() time.Time
}

func newOutboxRepository(s *Store) *outboxRepository {
	return &outboxRepository{s: s, now: time.Now}
}

func (r *outboxRepository) CreateEvent(
	_ context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	event := model.NewOutboxEvent(params, r.now())

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored := *event
	r.s.outbox = append(r.s.outbox, &stored)

	return event, nil
}

func (r *outboxRepository) GetByID(_ context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e := r.find(id); e != nil {
		c := *e
		return &c, nil
	}

	return nil, fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
}

func (r *outboxRepository) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return r.ListByStatus(ctx, model.OutboxStatusPending, limit)
}

func (r *outboxRepository) ClaimEvent(_ context.Context, id uuid.UUID, claimedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.find(id)
	if e == nil || e.Status != model.OutboxStatusPending {
		return false, nil
	}

	e.Status = model.OutboxStatusProcessing
	e.ClaimedAt = &claimedAt

	return true, nil
}

func (r *outboxRepository) SaveTransition(_ context.Context, event *model.OutboxEvent, from model.OutboxStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.find(event.ID)
	if e == nil {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, event.ID)
	}

	if e.Status != from {
		return fmt.Errorf("%w: event %s is no longer %s", model.ErrInvalidTransition, event.ID, from)
	}

	e.Status = event.Status
	e.RetryCount = event.RetryCount
	e.ErrorMessage = event.ErrorMessage
	e.ClaimedAt = event.ClaimedAt
	e.ProcessedAt = event.ProcessedAt

	return nil
}

func (r *outboxRepository) ReleaseStaleClaims(
	_ context.Context, claimedBefore time.Time, maxRetries int,
) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64

	for _, e := range r.s.outbox {
		if e.Status != model.OutboxStatusProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}

		released, err := e.Release(maxRetries)
		if err != nil {
			return n, err
		}

		*e = released
		n++
	}

	return n, nil
}

func (r *outboxRepository) ListByStatus(
	_ context.Context, status model.OutboxStatus, limit int,
) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*model.OutboxEvent

	for _, e := range r.s.outbox {
		if e.Status == status {
			c := *e
			out = append(out, &c)
		}
	}

	// Insertion order breaks created_at ties, like the id tiebreak in SQL.
	slices.SortStableFunc(out, func(a, b *model.OutboxEvent) int { return a.CreatedAt.Compare(b.CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *outboxRepository) CountByStatus(_ context.Context) (map[model.OutboxStatus]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[model.OutboxStatus]int64)
	for _, e := range r.s.outbox {
		counts[e.Status]++
	}

	return counts, nil
}

func (r *outboxRepository) find(id uuid.UUID) *model.OutboxEvent {
	for _, e := range r.s.outbox {
		if e.ID == id {
			return e
		}
	}

	return nil
}
