// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// RecordRepository defines methods for bitemporal record data access.
// Rows are only ever inserted or closed; nothing is physically deleted.
type RecordRepository interface {
	Insert(ctx context.Context, record *model.Record) error
	CloseValidity(ctx context.Context, id uuid.UUID, validTo time.Time) error
	// FindCurrent returns, per lineage of entityType, the highest version whose
	// validTo is null or after today.
	FindCurrent(ctx context.Context, entityType model.EntityType, today time.Time) ([]model.Record, error)
	// FindOpen returns every row of the lineage whose validTo is null or after
	// today, ordered by version. Inside a transaction the rows are locked.
	FindOpen(ctx context.Context, key model.Key, today time.Time) ([]model.Record, error)
	FindLineage(ctx context.Context, key model.Key) ([]model.Record, error)
	MaxVersion(ctx context.Context, key model.Key) (int64, error)
	FindByChangeRequest(ctx context.Context, changeRequestID string) ([]model.Record, error)
}

// StagingRepository defines methods for execution-scoped staging data access.
type StagingRepository interface {
	Truncate(ctx context.Context, dataset string) (int64, error)
	InsertBatch(ctx context.Context, rows []model.StagingRecord) error
	FindByExecution(ctx context.Context, executionID uuid.UUID) ([]model.StagingRecord, error)
	MarkProcessed(ctx context.Context, executionID uuid.UUID, status model.ProcessingStatus) (int64, error)
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)
	// GetPendingEvents returns PENDING events oldest first.
	GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	// ClaimEvent moves a PENDING event to PROCESSING. It reports false when
	// the event was no longer PENDING.
	ClaimEvent(ctx context.Context, id uuid.UUID, claimedAt time.Time) (bool, error)
	// SaveTransition persists event if its stored status still equals from.
	SaveTransition(ctx context.Context, event *model.OutboxEvent, from model.OutboxStatus) error
	// ReleaseStaleClaims hands PROCESSING events claimed before the cutoff back to
	// PENDING, counting an attempt, or to FAILED once maxRetries is reached.
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time, maxRetries int) (int64, error)
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

// ResultRepository defines methods for load execution results.
type ResultRepository interface {
	Save(ctx context.Context, result *model.LoaderResult) error
	Latest(ctx context.Context, dataset string) (*model.LoaderResult, error)
	LastSuccessful(ctx context.Context, dataset string) (*model.LoaderResult, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
