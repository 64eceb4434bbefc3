package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload, status,
	retry_count, error_message, created_at, claimed_at, processed_at`

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool, now: time.Now}
}

// CreateEvent creates a new PENDING outbox event. Called inside the business
// transaction so the event commits or rolls back with the row it describes.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	event := model.NewOutboxEvent(params, r.now())

	query := `
		INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.Payload,
		string(event.Status),
		event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return event, nil
}

// GetByID retrieves one event.
func (r *OutboxRepositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`

	event, err := scanOutboxEvent(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
		}

		return nil, fmt.Errorf("failed to get outbox event %s: %w", id, err)
	}

	return event, nil
}

// GetPendingEvents retrieves PENDING events oldest first.
func (r *OutboxRepositoryImpl) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return r.ListByStatus(ctx, model.OutboxStatusPending, limit)
}

// ClaimEvent marks a PENDING event as PROCESSING.
func (r *OutboxRepositoryImpl) ClaimEvent(ctx context.Context, id uuid.UUID, claimedAt time.Time) (bool, error) {
	query := `
		UPDATE outbox_events
		SET status = $2, claimed_at = $3
		WHERE id = $1 AND status = $4`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, id,
		string(model.OutboxStatusProcessing), claimedAt, string(model.OutboxStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event %s: %w", id, err)
	}

	return tag.RowsAffected() == 1, nil
}

// SaveTransition persists the mutable delivery fields of event, guarded by its previous status.
func (r *OutboxRepositoryImpl) SaveTransition(
	ctx context.Context, event *model.OutboxEvent, from model.OutboxStatus,
) error {
	query := `
		UPDATE outbox_events
		SET status = $2, retry_count = $3, error_message = $4, claimed_at = $5, processed_at = $6
		WHERE id = $1 AND status = $7`

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		event.ID,
		string(event.Status),
		event.RetryCount,
		event.ErrorMessage,
		event.ClaimedAt,
		event.ProcessedAt,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to save outbox event %s: %w", event.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s is no longer %s", model.ErrInvalidTransition, event.ID, from)
	}

	return nil
}

// ReleaseStaleClaims hands abandoned PROCESSING events back for another try.
// Each release counts as an attempt; events reaching maxRetries become FAILED.
func (r *OutboxRepositoryImpl) ReleaseStaleClaims(
	ctx context.Context, claimedBefore time.Time, maxRetries int,
) (int64, error) {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
		    error_message = $4,
		    claimed_at = NULL
		WHERE status = $5 AND claimed_at < $6`

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		maxRetries,
		string(model.OutboxStatusFailed),
		string(model.OutboxStatusPending),
		model.ErrClaimExpired.Error(),
		string(model.OutboxStatusProcessing),
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale outbox claims: %w", err)
	}

	return tag.RowsAffected(), nil
}

// ListByStatus retrieves events of one status oldest first.
func (r *OutboxRepositoryImpl) ListByStatus(
	ctx context.Context, status model.OutboxStatus, limit int,
) ([]*model.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`

	rows, err := conn(ctx, r.pool).Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s outbox events: %w", status, err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent

	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}

	return events, nil
}

// CountByStatus returns the number of events per status.
func (r *OutboxRepositoryImpl) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OutboxStatus]int64)

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}

		counts[model.OutboxStatus(status)] = n
	}

	return counts, rows.Err()
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		event  model.OutboxEvent
		status string
	)

	err := row.Scan(
		&event.ID,
		&event.AggregateID,
		&event.AggregateType,
		&event.EventType,
		&event.Payload,
		&status,
		&event.RetryCount,
		&event.ErrorMessage,
		&event.CreatedAt,
		&event.ClaimedAt,
		&event.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Status = model.OutboxStatus(status)

	return &event, nil
}
