package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/timeline"
)

// Action is what an approved change request asks for.
type Action string

const (
	ActionAdd       Action = "ADD"
	ActionUpdate    Action = "UPDATE"
	ActionDelete    Action = "DELETE"
	ActionCorrect   Action = "CORRECT"
	ActionDeprecate Action = "DEPRECATE"
)

// ApprovedChange is a single-row instruction coming back from the approval
// workflow together with the policy verdict on it.
type ApprovedChange[A any] struct {
	ChangeRequestID string
	Action          Action
	CodeSystem      string
	BusinessKey     string
	Data            A
	// EffectiveDate is the validFrom of an added or updated version, the end
	// date of a deleted or deprecated one, and the date whose version a
	// correction repairs. It defaults to today except for DEPRECATE, which
	// requires it.
	EffectiveDate *time.Time
	ApprovedBy    string
	Decision      model.PolicyDecision
}

// ApplyApproved writes one approved change in a single transaction, stamped
// with its change request id.
func (p *Pipeline[S, A]) ApplyApproved(ctx context.Context, change ApprovedChange[A]) (*model.Record, error) {
	if !change.Decision.Allowed {
		return nil, fmt.Errorf("%w: %s", model.ErrChangeRejected, change.Decision.Reason)
	}

	if change.Decision.RequiresAdditionalApproval {
		return nil, fmt.Errorf("%w: %s", model.ErrAdditionalApprovalRequired, change.Decision.Reason)
	}

	now := p.opts.Clock()
	today := model.Date(now)

	effective := today
	if change.EffectiveDate != nil {
		effective = model.Date(*change.EffectiveDate)
	}

	st := stamp{now: now, actor: change.ApprovedBy}
	if st.actor == "" {
		st.actor = p.opts.Actor
	}

	if change.ChangeRequestID != "" {
		id := change.ChangeRequestID
		st.changeRequestID = &id
	}

	key := model.Key{EntityType: p.def.EntityType(), CodeSystem: change.CodeSystem, BusinessKey: change.BusinessKey}

	var (
		written model.Record
		events  int
	)

	err := p.deps.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		events = 0

		var err error

		switch change.Action {
		case ActionAdd:
			written, err = p.approveAdd(ctx, key, change.Data, today, effective, st, &events)
		case ActionUpdate:
			written, err = p.approveUpdate(ctx, key, change.Data, today, effective, st, &events)
		case ActionDelete:
			written, err = p.approveClose(ctx, key, model.ChangeKindDeletion, today, effective, st, &events)
		case ActionDeprecate:
			if change.EffectiveDate == nil {
				return fmt.Errorf("%w: deprecation of %s needs an effective date", model.ErrInvalidValidityWindow, key)
			}

			written, err = p.approveClose(ctx, key, model.ChangeKindDeprecation, today, effective, st, &events)
		case ActionCorrect:
			written, err = p.approveCorrection(ctx, key, change.Data, change.EffectiveDate, st, &events)
		default:
			err = fmt.Errorf("%w: %q", model.ErrUnknownChangeKind, change.Action)
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply change request %s: %w", change.ChangeRequestID, err)
	}

	if p.deps.Invalidator != nil {
		p.deps.Invalidator.Invalidate(key)
	}

	p.logger.Info("applied approved change",
		slog.String("change_request_id", change.ChangeRequestID),
		slog.String("action", string(change.Action)),
		slog.String("key", key.String()),
		slog.Int64("version", written.Version),
		slog.Int("events", events),
	)

	return &written, nil
}

func (p *Pipeline[S, A]) approveAdd(
	ctx context.Context, key model.Key, data A, today, effective time.Time, st stamp, events *int,
) (model.Record, error) {
	open, err := p.deps.Records.FindOpen(ctx, key, today)
	if err != nil {
		return model.Record{}, err
	}

	if len(open) > 0 {
		return model.Record{}, fmt.Errorf("%w: %s already has a current version", model.ErrVersionConflict, key)
	}

	row, err := p.insertVersion(ctx, key, nil, data, effective, st)
	if err != nil {
		return model.Record{}, err
	}

	return row, p.emit(ctx, model.ChangeKindAddition, row, nil, st.now, events)
}

func (p *Pipeline[S, A]) approveUpdate(
	ctx context.Context, key model.Key, data A, today, effective time.Time, st stamp, events *int,
) (model.Record, error) {
	prev, err := p.closeOpen(ctx, key, today, effective)
	if err != nil {
		return model.Record{}, err
	}

	current, err := model.Decode[A](prev)
	if err != nil {
		return model.Record{}, err
	}

	row, err := p.insertVersion(ctx, key, &prev, p.def.Merge(current.Data, data), effective, st)
	if err != nil {
		return model.Record{}, err
	}

	return row, p.emit(ctx, model.ChangeKindUpdate, row, &prev, st.now, events)
}

func (p *Pipeline[S, A]) approveClose(
	ctx context.Context, key model.Key, kind model.ChangeKind, today, effective time.Time, st stamp, events *int,
) (model.Record, error) {
	closed, err := p.closeOpen(ctx, key, today, effective)
	if err != nil {
		return model.Record{}, err
	}

	return closed, p.emit(ctx, kind, closed, nil, st.now, events)
}

// approveCorrection repairs the version in force on date, or the latest
// version when date is nil. The correction keeps that version's window.
func (p *Pipeline[S, A]) approveCorrection(
	ctx context.Context, key model.Key, data A, date *time.Time, st stamp, events *int,
) (model.Record, error) {
	lineage, err := p.deps.Records.FindLineage(ctx, key)
	if err != nil {
		return model.Record{}, err
	}

	tl, err := timeline.New(lineage)
	if err != nil {
		return model.Record{}, err
	}

	var (
		target model.Record
		ok     bool
	)

	if date != nil {
		target, ok = tl.VersionOn(*date)
	} else {
		target, ok = tl.Latest()
	}

	if !ok {
		return model.Record{}, fmt.Errorf("%w: nothing to correct for %s", model.ErrRecordNotFound, key)
	}

	attrs, err := json.Marshal(data)
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to encode correction of %s: %w", key, err)
	}

	latest, _ := tl.Latest()

	row := model.CreateCorrection(target, st.actor, st.changeRequestID, st.now).WithAttributes(attrs)
	row.Version = latest.Version + 1

	if err := p.deps.Records.Insert(ctx, &row); err != nil {
		return model.Record{}, err
	}

	return row, p.emit(ctx, model.ChangeKindCorrection, row, &target, st.now, events)
}
