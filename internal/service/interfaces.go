// Package service provides business logic layer implementations.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/timeline"
)

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	// ProcessPendingEvents publishes up to limit PENDING events. Delivery
	// failures are recorded on the events; only a failure to read the outbox
	// is returned.
	ProcessPendingEvents(ctx context.Context, limit int) (*BatchResult, error)
	// ReclaimStale retries events stuck in PROCESSING for longer than olderThan,
	// failing those that have used up their attempts.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	// RetryFailed moves a FAILED event back to PENDING with a fresh retry count.
	RetryFailed(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)
	Stats(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

// TimelineService defines point-in-time queries over one lineage.
type TimelineService interface {
	Timeline(ctx context.Context, key model.Key) (*timeline.Timeline[model.Record], error)
	VersionOn(ctx context.Context, key model.Key, date time.Time) (model.Record, error)
	ChangePoints(ctx context.Context, key model.Key) ([]time.Time, error)
	Invalidate(keys ...model.Key)
}

// ChangeRequestService defines the bridge to the approval workflow.
type ChangeRequestService interface {
	// Submit hands a proposal to the workflow and returns its change request id.
	Submit(ctx context.Context, proposal *model.ChangeProposal) (string, error)
	// Records returns the rows written under a change request.
	Records(ctx context.Context, changeRequestID string) ([]model.Record, error)
}
