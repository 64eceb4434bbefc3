package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// unit is one key of the diff, applied in its own transaction.
type unit[A any] struct {
	kind    model.ChangeKind
	key     model.Key
	staged  model.Staged[A]
	current model.Entity[A]
}

// stamp is who writes rows and when.
type stamp struct {
	now             time.Time
	actor           string
	changeRequestID *string
}

func units[A any](entityType model.EntityType, result Diff[A]) []unit[A] {
	out := make([]unit[A], 0, len(result.Additions)+len(result.Updates)+len(result.Deletions))

	for _, s := range result.Additions {
		out = append(out, unit[A]{
			kind:   model.ChangeKindAddition,
			key:    model.Key{EntityType: entityType, CodeSystem: s.CodeSystem, BusinessKey: s.BusinessKey},
			staged: s,
		})
	}

	for _, u := range result.Updates {
		out = append(out, unit[A]{kind: model.ChangeKindUpdate, key: u.Key, staged: u.Staged, current: u.Current})
	}

	for _, d := range result.Deletions {
		out = append(out, unit[A]{kind: model.ChangeKindDeletion, key: d.LineageKey(), current: d})
	}

	return out
}

// partition spreads units over n workers so that a key always lands on the same worker.
func partition[A any](all []unit[A], n int) [][]unit[A] {
	parts := make([][]unit[A], n)

	for _, u := range all {
		h := fnv.New32a()
		_, _ = h.Write([]byte(u.key.String()))
		i := int(h.Sum32() % uint32(n))
		parts[i] = append(parts[i], u)
	}

	return parts
}

func (p *Pipeline[S, A]) apply(ctx context.Context, ex *execution[A], result Diff[A]) (err error) {
	ctx, span := p.begin(ctx, ex, model.StateAutoApply)
	defer func() { end(span, err) }()

	all := units(p.def.EntityType(), result)

	var (
		mu      sync.Mutex
		touched []model.Key
	)

	st := stamp{now: ex.now, actor: p.opts.Actor}

	g, gctx := errgroup.WithContext(ctx)

	for _, part := range partition(all, p.opts.Workers) {
		if len(part) == 0 {
			continue
		}

		g.Go(func() error {
			for _, u := range part {
				if err := gctx.Err(); err != nil {
					return err
				}

				events, applyErr := p.applyUnit(gctx, ex.today, st, u)

				mu.Lock()
				if applyErr != nil {
					if !p.opts.IsolateRecordFailures {
						mu.Unlock()
						return fmt.Errorf("failed to apply %s of %s: %w", u.kind, u.key, applyErr)
					}

					ex.res.RecordsFailed++
					mu.Unlock()
					ex.log.Warn("skipping failed record",
						slog.String("key", u.key.String()),
						slog.String("change", string(u.kind)),
						slog.String("error", applyErr.Error()),
					)

					continue
				}

				switch u.kind {
				case model.ChangeKindAddition:
					ex.res.RecordsAdded++
				case model.ChangeKindUpdate:
					ex.res.RecordsUpdated++
				case model.ChangeKindDeletion:
					ex.res.RecordsDeleted++
				}
				ex.res.EventsWritten += events
				touched = append(touched, u.key)
				mu.Unlock()
			}

			return nil
		})
	}

	err = g.Wait()

	if p.deps.Invalidator != nil && len(touched) > 0 {
		p.deps.Invalidator.Invalidate(touched...)
	}

	return err
}

// applyUnit writes one key: close the open rows, open the new version and
// write the outbox event, all in one transaction. It returns the number of
// events written.
func (p *Pipeline[S, A]) applyUnit(ctx context.Context, today time.Time, st stamp, u unit[A]) (int, error) {
	var events int

	err := p.deps.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		events = 0

		switch u.kind {
		case model.ChangeKindAddition:
			row, err := p.insertVersion(ctx, u.key, nil, u.staged.Data, today, st)
			if err != nil {
				return err
			}

			return p.emit(ctx, model.ChangeKindAddition, row, nil, st.now, &events)

		case model.ChangeKindUpdate:
			prev, err := p.closeOpen(ctx, u.key, today, today)
			if err != nil {
				return err
			}

			current, err := model.Decode[A](prev)
			if err != nil {
				return err
			}

			row, err := p.insertVersion(ctx, u.key, &prev, p.def.Merge(current.Data, u.staged.Data), today, st)
			if err != nil {
				return err
			}

			return p.emit(ctx, model.ChangeKindUpdate, row, &prev, st.now, &events)

		case model.ChangeKindDeletion:
			closed, err := p.closeOpen(ctx, u.key, today, today)
			if err != nil {
				return err
			}

			return p.emit(ctx, model.ChangeKindDeletion, closed, nil, st.now, &events)

		default:
			return fmt.Errorf("%w: %s", model.ErrUnknownChangeKind, u.kind)
		}
	})

	return events, err
}

// closeOpen ends every row of key that is open after today at date and
// returns the closed row with the highest version.
func (p *Pipeline[S, A]) closeOpen(ctx context.Context, key model.Key, today, date time.Time) (model.Record, error) {
	open, err := p.deps.Records.FindOpen(ctx, key, today)
	if err != nil {
		return model.Record{}, err
	}

	if len(open) == 0 {
		return model.Record{}, fmt.Errorf("%w: %s", model.ErrNoCurrentVersion, key)
	}

	var latest model.Record

	for _, r := range open {
		closed, err := model.EndValidity(r, date)
		if err != nil {
			return model.Record{}, err
		}

		if r.ValidTo == nil || !r.ValidTo.Equal(*closed.ValidTo) {
			if err := p.deps.Records.CloseValidity(ctx, r.ID, *closed.ValidTo); err != nil {
				return model.Record{}, err
			}
		}

		if closed.Version >= latest.Version {
			latest = closed
		}
	}

	return latest, nil
}

// insertVersion writes the next version of key starting on validFrom. With a
// base it is a successor of base; without one it opens the lineage (or reopens
// a fully closed one).
func (p *Pipeline[S, A]) insertVersion(
	ctx context.Context, key model.Key, base *model.Record, data A, validFrom time.Time, st stamp,
) (model.Record, error) {
	maxVersion, err := p.deps.Records.MaxVersion(ctx, key)
	if err != nil {
		return model.Record{}, err
	}

	attrs, err := json.Marshal(data)
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to encode attributes of %s: %w", key, err)
	}

	var row model.Record

	if base != nil {
		row = model.CreateNewVersion(*base, st.actor, st.changeRequestID, st.now)
		row.ValidFrom = model.Date(validFrom)
		row.Version = maxVersion + 1
		row = row.WithAttributes(attrs)
	} else {
		row, err = model.NewRecord(model.NewRecordParams{
			Key:             key,
			ValidFrom:       validFrom,
			Version:         maxVersion + 1,
			RecordedAt:      st.now,
			RecordedBy:      st.actor,
			ChangeRequestID: st.changeRequestID,
			Attributes:      attrs,
		})
		if err != nil {
			return model.Record{}, err
		}
	}

	if err := p.deps.Records.Insert(ctx, &row); err != nil {
		return model.Record{}, err
	}

	return row, nil
}

func (p *Pipeline[S, A]) emit(
	ctx context.Context, kind model.ChangeKind, row model.Record, previous *model.Record, now time.Time, events *int,
) error {
	if !p.opts.PublishEvents {
		return nil
	}

	env, err := model.NewEnvelope(kind, row, previous, now)
	if err != nil {
		return err
	}

	params, err := env.OutboxParams()
	if err != nil {
		return err
	}

	if _, err := p.deps.Outbox.CreateEvent(ctx, params); err != nil {
		return fmt.Errorf("failed to write outbox event for %s: %w", row.LineageKey(), err)
	}

	*events++

	return nil
}
