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

const recordColumns = `id, entity_type, business_key, code_system, valid_from, valid_to,
	recorded_at, version, is_correction, change_request_id, recorded_by, attributes`

// RecordRepositoryImpl implements RecordRepository using PostgreSQL.
type RecordRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewRecordRepositoryImpl creates a new RecordRepository implementation.
func NewRecordRepositoryImpl(pool *pgxpool.Pool) RecordRepository {
	return &RecordRepositoryImpl{pool: pool}
}

// Insert writes a new version row.
func (r *RecordRepositoryImpl) Insert(ctx context.Context, record *model.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO bitemporal_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	attrs := []byte(record.Attributes)
	if attrs == nil {
		attrs = []byte("{}")
	}

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		record.ID,
		string(record.EntityType),
		record.BusinessKey,
		record.CodeSystem,
		record.ValidFrom,
		record.ValidTo,
		record.RecordedAt,
		record.Version,
		record.IsCorrection,
		record.ChangeRequestID,
		record.RecordedBy,
		attrs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s v%d", model.ErrVersionConflict, record.LineageKey(), record.Version)
		}

		return fmt.Errorf("failed to insert record %s: %w", record.LineageKey(), err)
	}

	return nil
}

// CloseValidity sets valid_to on a row, never extending an existing end date.
func (r *RecordRepositoryImpl) CloseValidity(ctx context.Context, id uuid.UUID, validTo time.Time) error {
	query := `
		UPDATE bitemporal_records
		SET valid_to = $2
		WHERE id = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to > $2)`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, id, model.Date(validTo))
	if err != nil {
		return fmt.Errorf("failed to close record %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not open on %s", model.ErrRecordNotFound, id, validTo.Format(model.DateLayout))
	}

	return nil
}

// FindCurrent retrieves the current version of every lineage of entityType.
func (r *RecordRepositoryImpl) FindCurrent(
	ctx context.Context, entityType model.EntityType, today time.Time,
) ([]model.Record, error) {
	query := `
		SELECT DISTINCT ON (code_system, business_key) ` + recordColumns + `
		FROM bitemporal_records
		WHERE entity_type = $1
		  AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY code_system, business_key, version DESC`

	rows, err := conn(ctx, r.pool).Query(ctx, query, string(entityType), model.Date(today))
	if err != nil {
		return nil, fmt.Errorf("failed to query current %s records: %w", entityType, err)
	}

	return collectRecords(rows)
}

// FindOpen retrieves all open rows of one lineage.
func (r *RecordRepositoryImpl) FindOpen(ctx context.Context, key model.Key, today time.Time) ([]model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM bitemporal_records
		WHERE entity_type = $1 AND code_system = $2 AND business_key = $3
		  AND (valid_to IS NULL OR valid_to > $4)
		ORDER BY version`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}

	rows, err := conn(ctx, r.pool).Query(ctx, query,
		string(key.EntityType), key.CodeSystem, key.BusinessKey, model.Date(today))
	if err != nil {
		return nil, fmt.Errorf("failed to query open rows of %s: %w", key, err)
	}

	return collectRecords(rows)
}

// FindLineage retrieves every version of one lineage ordered by version.
func (r *RecordRepositoryImpl) FindLineage(ctx context.Context, key model.Key) ([]model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM bitemporal_records
		WHERE entity_type = $1 AND code_system = $2 AND business_key = $3
		ORDER BY version`

	rows, err := conn(ctx, r.pool).Query(ctx, query, string(key.EntityType), key.CodeSystem, key.BusinessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage %s: %w", key, err)
	}

	return collectRecords(rows)
}

// MaxVersion returns the highest version of a lineage, or zero if it has none.
func (r *RecordRepositoryImpl) MaxVersion(ctx context.Context, key model.Key) (int64, error) {
	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM bitemporal_records
		WHERE entity_type = $1 AND code_system = $2 AND business_key = $3`

	var v int64
	if err := conn(ctx, r.pool).QueryRow(ctx, query,
		string(key.EntityType), key.CodeSystem, key.BusinessKey).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read max version of %s: %w", key, err)
	}

	return v, nil
}

// FindByChangeRequest retrieves the rows written under a change request.
func (r *RecordRepositoryImpl) FindByChangeRequest(ctx context.Context, changeRequestID string) ([]model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM bitemporal_records
		WHERE change_request_id = $1
		ORDER BY entity_type, code_system, business_key, version`

	rows, err := conn(ctx, r.pool).Query(ctx, query, changeRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records of change request %s: %w", changeRequestID, err)
	}

	return collectRecords(rows)
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		rec        model.Record
		entityType string
		attrs      []byte
	)

	err := row.Scan(
		&rec.ID,
		&entityType,
		&rec.BusinessKey,
		&rec.CodeSystem,
		&rec.ValidFrom,
		&rec.ValidTo,
		&rec.RecordedAt,
		&rec.Version,
		&rec.IsCorrection,
		&rec.ChangeRequestID,
		&rec.RecordedBy,
		&attrs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, model.ErrRecordNotFound
		}

		return model.Record{}, err
	}

	rec.EntityType = model.EntityType(entityType)
	rec.ValidFrom = model.Date(rec.ValidFrom)
	if rec.ValidTo != nil {
		rec.ValidTo = model.DatePtr(*rec.ValidTo)
	}
	rec.Attributes = attrs

	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]model.Record, error) {
	defer rows.Close()

	var out []model.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return out, nil
}
