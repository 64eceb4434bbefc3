package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

const resultColumns = `execution_id, dataset, mode, status, state, failed_state, started_at,
	finished_at, duration_ms, since, records_read, records_staged, records_added,
	records_updated, records_deleted, records_unchanged, records_skipped, records_failed,
	events_written, validation_errors, change_request_id, error_message, records_held`

// ResultRepositoryImpl implements ResultRepository using PostgreSQL.
type ResultRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewResultRepositoryImpl creates a new ResultRepository implementation.
func NewResultRepositoryImpl(pool *pgxpool.Pool) ResultRepository {
	return &ResultRepositoryImpl{pool: pool}
}

// Save upserts a load result by execution id.
func (r *ResultRepositoryImpl) Save(ctx context.Context, res *model.LoaderResult) error {
	validationErrors, err := json.Marshal(res.ValidationErrors)
	if err != nil {
		return fmt.Errorf("failed to marshal validation errors: %w", err)
	}

	var finishedAt *time.Time
	if !res.FinishedAt.IsZero() {
		finishedAt = &res.FinishedAt
	}

	query := `
		INSERT INTO loader_results (` + resultColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			failed_state = EXCLUDED.failed_state,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			records_read = EXCLUDED.records_read,
			records_staged = EXCLUDED.records_staged,
			records_added = EXCLUDED.records_added,
			records_updated = EXCLUDED.records_updated,
			records_deleted = EXCLUDED.records_deleted,
			records_unchanged = EXCLUDED.records_unchanged,
			records_skipped = EXCLUDED.records_skipped,
			records_failed = EXCLUDED.records_failed,
			events_written = EXCLUDED.events_written,
			validation_errors = EXCLUDED.validation_errors,
			change_request_id = EXCLUDED.change_request_id,
			error_message = EXCLUDED.error_message,
			records_held = EXCLUDED.records_held`

	_, err = conn(ctx, r.pool).Exec(ctx, query,
		res.ExecutionID,
		res.Dataset,
		string(res.Mode),
		string(res.Status),
		string(res.State),
		string(res.FailedState),
		res.StartedAt,
		finishedAt,
		res.Duration.Milliseconds(),
		res.Since,
		res.RecordsRead,
		res.RecordsStaged,
		res.RecordsAdded,
		res.RecordsUpdated,
		res.RecordsDeleted,
		res.RecordsUnchanged,
		res.RecordsSkipped,
		res.RecordsFailed,
		res.EventsWritten,
		validationErrors,
		res.ChangeRequestID,
		res.ErrorMessage,
		res.RecordsHeld,
	)
	if err != nil {
		return fmt.Errorf("failed to save loader result %s: %w", res.ExecutionID, err)
	}

	return nil
}

// Latest retrieves the most recently started execution of a dataset.
func (r *ResultRepositoryImpl) Latest(ctx context.Context, dataset string) (*model.LoaderResult, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM loader_results
		WHERE dataset = $1
		ORDER BY started_at DESC
		LIMIT 1`

	return r.queryOne(ctx, query, dataset)
}

// LastSuccessful retrieves the most recent execution that reached DONE.
func (r *ResultRepositoryImpl) LastSuccessful(ctx context.Context, dataset string) (*model.LoaderResult, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM loader_results
		WHERE dataset = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC
		LIMIT 1`

	return r.queryOne(ctx, query, dataset,
		string(model.LoadStatusSucceeded), string(model.LoadStatusPendingApproval))
}

func (r *ResultRepositoryImpl) queryOne(ctx context.Context, query string, args ...any) (*model.LoaderResult, error) {
	var (
		res                        model.LoaderResult
		mode, status, state, fails string
		finishedAt                 *time.Time
		durationMs                 int64
		validationErrors           []byte
	)

	err := conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(
		&res.ExecutionID,
		&res.Dataset,
		&mode,
		&status,
		&state,
		&fails,
		&res.StartedAt,
		&finishedAt,
		&durationMs,
		&res.Since,
		&res.RecordsRead,
		&res.RecordsStaged,
		&res.RecordsAdded,
		&res.RecordsUpdated,
		&res.RecordsDeleted,
		&res.RecordsUnchanged,
		&res.RecordsSkipped,
		&res.RecordsFailed,
		&res.EventsWritten,
		&validationErrors,
		&res.ChangeRequestID,
		&res.ErrorMessage,
		&res.RecordsHeld,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecordNotFound
		}

		return nil, fmt.Errorf("failed to read loader result: %w", err)
	}

	res.Mode = model.LoadMode(mode)
	res.Status = model.LoadStatus(status)
	res.State = model.PipelineState(state)
	res.FailedState = model.PipelineState(fails)
	res.Duration = time.Duration(durationMs) * time.Millisecond
	if finishedAt != nil {
		res.FinishedAt = *finishedAt
	}

	if len(validationErrors) > 0 {
		if err := json.Unmarshal(validationErrors, &res.ValidationErrors); err != nil {
			return nil, fmt.Errorf("failed to decode validation errors: %w", err)
		}
	}

	return &res, nil
}
