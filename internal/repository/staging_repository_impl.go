package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// StagingRepositoryImpl implements StagingRepository using PostgreSQL.
type StagingRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewStagingRepositoryImpl creates a new StagingRepository implementation.
func NewStagingRepositoryImpl(pool *pgxpool.Pool) StagingRepository {
	return &StagingRepositoryImpl{pool: pool}
}

// Truncate removes every staging row of a dataset.
func (r *StagingRepositoryImpl) Truncate(ctx context.Context, dataset string) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM staging_records WHERE dataset = $1`, dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate staging for %s: %w", dataset, err)
	}

	return tag.RowsAffected(), nil
}

// InsertBatch writes a batch of staging rows in one round trip.
func (r *StagingRepositoryImpl) InsertBatch(ctx context.Context, rows []model.StagingRecord) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO staging_records (
			id, dataset, load_execution_id, loaded_at, business_key, code_system,
			source_hash, validation_status, processing_status, attributes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query,
			row.ID,
			row.Dataset,
			row.LoadExecutionID,
			row.LoadedAt,
			row.BusinessKey,
			row.CodeSystem,
			row.SourceHash,
			string(row.ValidationStatus),
			string(row.ProcessingStatus),
			[]byte(row.Attributes),
		)
	}

	results := conn(ctx, r.pool).SendBatch(ctx, batch)
	defer results.Close()

	for i := range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert staging row %s: %w", rows[i].BusinessKey, err)
		}
	}

	return nil
}

// FindByExecution retrieves the rows staged by one execution.
func (r *StagingRepositoryImpl) FindByExecution(ctx context.Context, executionID uuid.UUID) ([]model.StagingRecord, error) {
	query := `
		SELECT id, dataset, load_execution_id, loaded_at, business_key, code_system,
		       source_hash, validation_status, processing_status, attributes
		FROM staging_records
		WHERE load_execution_id = $1
		ORDER BY loaded_at, business_key`

	rows, err := conn(ctx, r.pool).Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging rows of %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []model.StagingRecord

	for rows.Next() {
		var (
			s                    model.StagingRecord
			validation, progress string
			attrs                []byte
		)

		if err := rows.Scan(&s.ID, &s.Dataset, &s.LoadExecutionID, &s.LoadedAt, &s.BusinessKey,
			&s.CodeSystem, &s.SourceHash, &validation, &progress, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}

		s.ValidationStatus = model.ValidationStatus(validation)
		s.ProcessingStatus = model.ProcessingStatus(progress)
		s.Attributes = attrs
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staging rows: %w", err)
	}

	return out, nil
}

// MarkProcessed sets the processing status of every pending row of an execution.
func (r *StagingRepositoryImpl) MarkProcessed(
	ctx context.Context, executionID uuid.UUID, status model.ProcessingStatus,
) (int64, error) {
	query := `
		UPDATE staging_records
		SET processing_status = $2
		WHERE load_execution_id = $1 AND processing_status = $3`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, executionID, string(status), string(model.ProcessingStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to mark staging rows of %s: %w", executionID, err)
	}

	return tag.RowsAffected(), nil
}
