package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/bitemporal-refdata/internal/diff"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

// Diff is the reconciliation of staged rows against current production entities.
type Diff[A any] = diff.Result[model.Key, model.Staged[A], model.Entity[A]]

// Pipeline runs the load state machine for one dataset definition.
type Pipeline[S, A any] struct {
	def    Definition[S, A]
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a pipeline. Missing options fall back to DefaultOptions values.
func New[S, A any](def Definition[S, A], deps Deps, opts Options) *Pipeline[S, A] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline[S, A]{
		def:    def,
		deps:   deps,
		opts:   opts.normalized(),
		logger: logger.With(slog.String("dataset", def.Dataset())),
		tracer: otel.Tracer("github.com/jnst/bitemporal-refdata/internal/loader"),
	}
}

// execution is the mutable state of one Run.
type execution[A any] struct {
	res            *model.LoaderResult
	now            time.Time
	today          time.Time
	staged         []model.Staged[A]
	held           map[model.Key]struct{}
	stagingWritten bool
	log            *slog.Logger
}

// Run executes one load. Execution failures are recorded on the returned
// result, which is always persisted; the error is non-nil only when the
// result itself could not be saved.
func (p *Pipeline[S, A]) Run(ctx context.Context) (*model.LoaderResult, error) {
	now := p.opts.Clock()
	res := &model.LoaderResult{
		ExecutionID: uuid.New(),
		Dataset:     p.def.Dataset(),
		Mode:        p.opts.Mode,
		Status:      model.LoadStatusRunning,
		State:       model.StateExtract,
		StartedAt:   now,
	}

	ex := &execution[A]{
		res:   res,
		now:   now,
		today: model.Date(now),
		held:  make(map[model.Key]struct{}),
		log: p.logger.With(
			slog.String("execution_id", res.ExecutionID.String()),
			slog.String("mode", string(res.Mode)),
		),
	}

	ctx, span := p.tracer.Start(ctx, "loader.run", trace.WithAttributes(
		attribute.String("loader.dataset", res.Dataset),
		attribute.String("loader.execution_id", res.ExecutionID.String()),
		attribute.String("loader.mode", string(res.Mode)),
	))
	defer span.End()

	if err := p.deps.Results.Save(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to record execution start: %w", err)
	}

	if err := p.execute(ctx, ex); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, ex, err)
	}

	res.FinishedAt = p.opts.Clock()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	p.deps.Metrics.ObserveLoad(res.Dataset, string(res.Status), res.Duration,
		res.RecordsAdded, res.RecordsUpdated, res.RecordsDeleted, res.RecordsSkipped, res.RecordsFailed)

	ex.log.Info("load finished",
		slog.String("status", string(res.Status)),
		slog.String("state", string(res.State)),
		slog.Int("read", res.RecordsRead),
		slog.Int("staged", res.RecordsStaged),
		slog.Int("added", res.RecordsAdded),
		slog.Int("updated", res.RecordsUpdated),
		slog.Int("deleted", res.RecordsDeleted),
		slog.Int("unchanged", res.RecordsUnchanged),
		slog.Int("skipped", res.RecordsSkipped),
		slog.Int("failed", res.RecordsFailed),
		slog.Int("held", res.RecordsHeld),
		slog.Int("events", res.EventsWritten),
		slog.Duration("duration", res.Duration),
	)

	if err := p.deps.Results.Save(ctx, res); err != nil {
		return res, fmt.Errorf("failed to save load result: %w", err)
	}

	return res, nil
}

func (p *Pipeline[S, A]) execute(ctx context.Context, ex *execution[A]) error {
	records, err := p.extract(ctx, ex)
	if err != nil {
		return err
	}

	vres, err := p.validate(ctx, ex, records)
	if err != nil {
		return err
	}

	rows, err := p.transform(ctx, ex, records, vres)
	if err != nil {
		return err
	}

	if err := p.loadStaging(ctx, ex, rows); err != nil {
		return err
	}

	result, err := p.diff(ctx, ex)
	if err != nil {
		return err
	}

	if p.opts.AutoApply {
		err = p.apply(ctx, ex, result)
	} else {
		err = p.propose(ctx, ex, result)
	}
	if err != nil {
		return err
	}

	p.publish(ctx, ex)

	ex.res.State = model.StateDone
	ex.res.Status = model.LoadStatusSucceeded
	if ex.res.ChangeRequestID != nil {
		ex.res.Status = model.LoadStatusPendingApproval
	}

	return nil
}

func (p *Pipeline[S, A]) fail(ctx context.Context, ex *execution[A], err error) {
	ex.res.FailedState = ex.res.State
	ex.res.State = model.StateFailed
	ex.res.Status = model.LoadStatusFailed
	ex.res.ErrorMessage = err.Error()

	ex.log.Error("load failed",
		slog.String("failed_state", string(ex.res.FailedState)),
		slog.String("error", err.Error()),
	)

	if !ex.stagingWritten {
		return
	}

	if _, markErr := p.deps.Staging.MarkProcessed(ctx, ex.res.ExecutionID, model.ProcessingStatusRejected); markErr != nil {
		ex.log.Warn("failed to reject staging rows", slog.String("error", markErr.Error()))
	}
}

// begin enters state and opens its span.
func (p *Pipeline[S, A]) begin(ctx context.Context, ex *execution[A], state model.PipelineState) (context.Context, trace.Span) {
	ex.res.State = state
	ex.log.Debug("entering state", slog.String("state", string(state)))

	return p.tracer.Start(ctx, "loader."+strings.ToLower(string(state)))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (p *Pipeline[S, A]) extract(ctx context.Context, ex *execution[A]) (records []S, err error) {
	ctx, span := p.begin(ctx, ex, model.StateExtract)
	defer func() { end(span, err) }()

	if p.opts.Mode == model.LoadModeIncremental {
		last, lastErr := p.deps.Results.LastSuccessful(ctx, ex.res.Dataset)
		switch {
		case lastErr == nil:
			since := last.StartedAt
			ex.res.Since = &since
		case errors.Is(lastErr, model.ErrRecordNotFound):
			ex.log.Info("no previous successful execution, extracting everything")
		default:
			return nil, fmt.Errorf("failed to read last successful execution: %w", lastErr)
		}
	}

	records, err = p.def.Extract(ctx, ex.res.Since)
	if err != nil {
		return nil, fmt.Errorf("extract failed: %w", err)
	}

	ex.res.RecordsRead = len(records)

	return records, nil
}

func (p *Pipeline[S, A]) validate(ctx context.Context, ex *execution[A], records []S) (vres *validation.Result, err error) {
	_, span := p.begin(ctx, ex, model.StateValidate)
	defer func() { end(span, err) }()

	validator := p.def.Validator()
	if validator == nil {
		validator = validation.NewService[S]()
	}

	vres = validator.Validate(records)
	ex.res.ValidationErrors = vres.Errors()

	if vres.IsValid() {
		return vres, nil
	}

	if p.opts.FailOnValidationError {
		return nil, vres.Err()
	}

	ex.res.RecordsSkipped = len(vres.InvalidRecords())
	ex.log.Warn("skipping invalid records",
		slog.Int("skipped", ex.res.RecordsSkipped),
		slog.Int("errors", vres.ErrorCount()),
	)

	return vres, nil
}

func (p *Pipeline[S, A]) transform(
	ctx context.Context, ex *execution[A], records []S, vres *validation.Result,
) (rows []model.StagingRecord, err error) {
	_, span := p.begin(ctx, ex, model.StateTransformToStaging)
	defer func() { end(span, err) }()

	rows = make([]model.StagingRecord, 0, len(records))

	for i, rec := range records {
		if !vres.IsRecordValid(i) {
			p.hold(ex, rec)
			continue
		}

		staged, tErr := p.stage(ex, rec, vres.StatusOf(i))
		if tErr != nil {
			if !p.opts.IsolateRecordFailures {
				return nil, fmt.Errorf("failed to transform record %d: %w", i, tErr)
			}

			ex.res.RecordsFailed++
			ex.log.Warn("skipping untransformable record", slog.Int("index", i), slog.String("error", tErr.Error()))
			p.hold(ex, rec)

			continue
		}

		rows = append(rows, staged.StagingRecord)
		ex.staged = append(ex.staged, staged)
	}

	return rows, nil
}

// hold remembers the lineage of a record that will not be staged. A skipped
// record says nothing about whether its entity still exists.
func (p *Pipeline[S, A]) hold(ex *execution[A], rec S) {
	codeSystem, businessKey := p.def.Identity(rec)
	if codeSystem == "" || businessKey == "" {
		return
	}

	ex.held[model.Key{EntityType: p.def.EntityType(), CodeSystem: codeSystem, BusinessKey: businessKey}] = struct{}{}
}

func (p *Pipeline[S, A]) stage(ex *execution[A], rec S, status model.ValidationStatus) (model.Staged[A], error) {
	in, err := p.def.ToStaging(rec)
	if err != nil {
		return model.Staged[A]{}, err
	}

	hash, err := sourceHash(rec)
	if err != nil {
		return model.Staged[A]{}, err
	}

	staged := model.Staged[A]{
		StagingRecord: model.StagingRecord{
			ID:               uuid.New(),
			Dataset:          ex.res.Dataset,
			LoadExecutionID:  ex.res.ExecutionID,
			LoadedAt:         ex.now,
			BusinessKey:      in.BusinessKey,
			CodeSystem:       in.CodeSystem,
			SourceHash:       hash,
			ValidationStatus: status,
			ProcessingStatus: model.ProcessingStatusPending,
		},
		Data: in.Data,
	}

	row, err := staged.Encode()
	if err != nil {
		return model.Staged[A]{}, err
	}

	staged.StagingRecord = row

	return staged, nil
}

// sourceHash is the hex SHA-256 of the JSON encoding of a source record.
func sourceHash(rec any) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to hash source record: %w", err)
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}

func (p *Pipeline[S, A]) loadStaging(ctx context.Context, ex *execution[A], rows []model.StagingRecord) (err error) {
	ctx, span := p.begin(ctx, ex, model.StateLoadStaging)
	defer func() { end(span, err) }()

	if p.opts.Mode == model.LoadModeFull {
		removed, tErr := p.deps.Staging.Truncate(ctx, ex.res.Dataset)
		if tErr != nil {
			return fmt.Errorf("failed to truncate staging: %w", tErr)
		}

		ex.log.Debug("truncated staging", slog.Int64("rows", removed))
	}

	ex.stagingWritten = true

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for start := 0; start < len(rows); start += p.opts.BatchSize {
		batch := rows[start:min(start+p.opts.BatchSize, len(rows))]
		g.Go(func() error {
			return p.deps.Staging.InsertBatch(gctx, batch)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load staging: %w", err)
	}

	ex.res.RecordsStaged = len(rows)

	return nil
}

func (p *Pipeline[S, A]) diff(ctx context.Context, ex *execution[A]) (result Diff[A], err error) {
	ctx, span := p.begin(ctx, ex, model.StateDiff)
	defer func() { end(span, err) }()

	entityType := p.def.EntityType()

	current, err := p.deps.Records.FindCurrent(ctx, entityType, ex.today)
	if err != nil {
		return result, fmt.Errorf("failed to read current production: %w", err)
	}

	entities, err := model.DecodeAll[A](current)
	if err != nil {
		return result, err
	}

	detector := diff.NewDetector(
		func(s model.Staged[A]) model.Key {
			return model.Key{EntityType: entityType, CodeSystem: s.CodeSystem, BusinessKey: s.BusinessKey}
		},
		func(e model.Entity[A]) model.Key { return e.LineageKey() },
		func(s model.Staged[A], e model.Entity[A]) bool { return p.def.HasChanged(s.Data, e.Data) },
	)

	result = detector.Detect(ex.staged, entities)

	if p.opts.Mode == model.LoadModeIncremental && result.DeletionCount() > 0 {
		ex.log.Debug("ignoring deletions in incremental mode", slog.Int("deletions", result.DeletionCount()))
		result = result.WithoutDeletions()
	}

	if len(ex.held) > 0 && result.DeletionCount() > 0 {
		var kept []model.Entity[A]
		for _, d := range result.Deletions {
			if _, ok := ex.held[d.LineageKey()]; ok {
				ex.res.RecordsHeld++
				continue
			}

			kept = append(kept, d)
		}

		if ex.res.RecordsHeld > 0 {
			ex.log.Warn("keeping lineages whose source rows were skipped", slog.Int("held", ex.res.RecordsHeld))
		}

		result.Deletions = kept
	}

	ex.res.RecordsUnchanged = result.UnchangedCount()
	ex.log.Info("diff computed", slog.String("summary", result.Summary()))

	return result, nil
}

func (p *Pipeline[S, A]) propose(ctx context.Context, ex *execution[A], result Diff[A]) (err error) {
	ctx, span := p.begin(ctx, ex, model.StateProposeChangeRequest)
	defer func() { end(span, err) }()

	if !result.HasChanges() {
		ex.log.Info("nothing to propose")
		return nil
	}

	if p.deps.ChangeRequests == nil {
		return errors.New("auto-apply is disabled and no change request client is configured")
	}

	proposal, err := p.buildProposal(ex, result)
	if err != nil {
		return err
	}

	id, err := p.deps.ChangeRequests.Submit(ctx, proposal)
	if err != nil {
		return fmt.Errorf("failed to submit change request: %w", err)
	}

	ex.res.ChangeRequestID = &id
	ex.res.RecordsAdded = result.AdditionCount()
	ex.res.RecordsUpdated = result.UpdateCount()
	ex.res.RecordsDeleted = result.DeletionCount()

	return nil
}

func (p *Pipeline[S, A]) buildProposal(ex *execution[A], result Diff[A]) (*model.ChangeProposal, error) {
	proposal := &model.ChangeProposal{
		Dataset:     ex.res.Dataset,
		EntityType:  p.def.EntityType(),
		ExecutionID: ex.res.ExecutionID,
		RequestedBy: p.opts.Actor,
		RequestedAt: ex.now,
	}

	for _, s := range result.Additions {
		// The version is assigned when the approved change is applied.
		proposal.Additions = append(proposal.Additions, model.Record{
			EntityType:  p.def.EntityType(),
			BusinessKey: s.BusinessKey,
			CodeSystem:  s.CodeSystem,
			ValidFrom:   ex.today,
			RecordedAt:  ex.now,
			Version:     1,
			RecordedBy:  p.opts.Actor,
			Attributes:  s.Attributes,
		})
	}

	for _, u := range result.Updates {
		attrs, err := json.Marshal(p.def.Merge(u.Current.Data, u.Staged.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to encode proposed %s: %w", u.Key, err)
		}

		proposed := model.CreateNewVersion(u.Current.Record, p.opts.Actor, nil, ex.now).WithAttributes(attrs)
		proposal.Updates = append(proposal.Updates, model.ProposedUpdate{Current: u.Current.Record, Proposed: proposed})
	}

	for _, d := range result.Deletions {
		closed, err := model.EndValidity(d.Record, ex.today)
		if err != nil {
			return nil, err
		}

		proposal.Deletions = append(proposal.Deletions, closed)
	}

	return proposal, nil
}

// publish settles the staging rows. Outbox events were already written in the
// apply transactions; the publisher process drains them.
func (p *Pipeline[S, A]) publish(ctx context.Context, ex *execution[A]) {
	ctx, span := p.begin(ctx, ex, model.StatePublishEvents)
	defer span.End()

	if _, err := p.deps.Staging.MarkProcessed(ctx, ex.res.ExecutionID, model.ProcessingStatusProcessed); err != nil {
		ex.log.Warn("failed to mark staging rows processed", slog.String("error", err.Error()))
	}

	if p.opts.AutoApply && p.opts.PublishEvents {
		ex.log.Info("outbox events written", slog.Int("events", ex.res.EventsWritten))
	}
}
