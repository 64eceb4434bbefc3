// Package loader runs load executions: it extracts a reference dataset,
// validates and stages it, diffs it against current production and either
// applies the changes as new bitemporal versions or proposes them for approval.
package loader

import (
	"context"
	"log/slog"
	"time"

	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

// StagingInput is what a Definition derives from one source record: the
// lineage identity and the typed attributes to stage.
type StagingInput[A any] struct {
	BusinessKey string
	CodeSystem  string
	Data        A
}

// Definition is the dataset-specific part of a load. S is the source record
// shape, A the attribute set stored on each version.
type Definition[S, A any] interface {
	Dataset() string
	EntityType() model.EntityType
	// Extract returns every source record, or those changed since the given
	// time when since is non-nil. Any error fails the execution.
	Extract(ctx context.Context, since *time.Time) ([]S, error)
	Validator() *validation.Service[S]
	// Identity names the lineage a source record belongs to. It must work on
	// records that fail validation or transformation.
	Identity(record S) (codeSystem, businessKey string)
	ToStaging(record S) (StagingInput[A], error)
	HasChanged(staged, current A) bool
	// Merge returns the attributes of the version that replaces current.
	Merge(current, staged A) A
}

// Source yields the raw records of a dataset.
type Source[S any] interface {
	Fetch(ctx context.Context, since *time.Time) ([]S, error)
}

//go:generate mockgen -source=definition.go -destination=mocks/mocks.go -package=mocks ChangeRequestClient,Invalidator

// ChangeRequestClient hands a diff to the approval workflow.
type ChangeRequestClient interface {
	Submit(ctx context.Context, proposal *model.ChangeProposal) (string, error)
}

// Invalidator is told which lineages an execution wrote to.
type Invalidator interface {
	Invalidate(keys ...model.Key)
}

// Options controls one execution.
type Options struct {
	BatchSize             int
	Workers               int
	AutoApply             bool
	PublishEvents         bool
	FailOnValidationError bool
	// IsolateRecordFailures counts and skips a key whose apply transaction
	// fails instead of failing the execution.
	IsolateRecordFailures bool
	Actor                 string
	Mode                  model.LoadMode
	Clock                 func() time.Time
}

// DefaultOptions returns the options of a full, auto-applied, published load.
func DefaultOptions() Options {
	return Options{
		BatchSize:     500,
		Workers:       4,
		AutoApply:     true,
		PublishEvents: true,
		Actor:         "system:loader",
		Mode:          model.LoadModeFull,
		Clock:         time.Now,
	}
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}

	if o.Workers <= 0 {
		o.Workers = 1
	}

	if o.Mode == "" {
		o.Mode = model.LoadModeFull
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}

	if o.Actor == "" {
		o.Actor = "system:loader"
	}

	return o
}

// Deps are the collaborators shared by every pipeline of a process.
type Deps struct {
	Records        repository.RecordRepository
	Staging        repository.StagingRepository
	Outbox         repository.OutboxRepository
	Results        repository.ResultRepository
	Tx             repository.TransactionManager
	ChangeRequests ChangeRequestClient
	Invalidator    Invalidator
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}
