package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

type recordRepository struct {
	s *Store
}

func (r *recordRepository) Insert(_ context.Context, record *model.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := record.LineageKey()
	for _, existing := range r.s.records {
		if existing.LineageKey() == key && existing.Version == record.Version {
			return fmt.Errorf("%w: %s v%d", model.ErrVersionConflict, key, record.Version)
		}
	}

	r.s.records = append(r.s.records, *record)

	return nil
}

func (r *recordRepository) CloseValidity(_ context.Context, id uuid.UUID, validTo time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d := model.Date(validTo)

	for i, rec := range r.s.records {
		if rec.ID != id {
			continue
		}

		if d.Before(rec.ValidFrom) || (rec.ValidTo != nil && !d.Before(*rec.ValidTo)) {
			break
		}

		r.s.records[i].ValidTo = &d

		return nil
	}

	return fmt.Errorf("%w: %s not open on %s", model.ErrRecordNotFound, id, d.Format(model.DateLayout))
}

func (r *recordRepository) FindCurrent(
	_ context.Context, entityType model.EntityType, today time.Time,
) ([]model.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	best := make(map[model.Key]model.Record)

	for _, rec := range r.s.records {
		if rec.EntityType != entityType || !openOn(rec, today) {
			continue
		}

		if cur, ok := best[rec.LineageKey()]; !ok || rec.Version > cur.Version {
			best[rec.LineageKey()] = rec
		}
	}

	out := make([]model.Record, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b model.Record) int {
		if c := strings.Compare(a.CodeSystem, b.CodeSystem); c != 0 {
			return c
		}

		return strings.Compare(a.BusinessKey, b.BusinessKey)
	})

	return out, nil
}

func (r *recordRepository) FindOpen(_ context.Context, key model.Key, today time.Time) ([]model.Record, error) {
	return r.lineage(key, func(rec model.Record) bool { return openOn(rec, today) }), nil
}

func (r *recordRepository) FindLineage(_ context.Context, key model.Key) ([]model.Record, error) {
	return r.lineage(key, func(model.Record) bool { return true }), nil
}

func (r *recordRepository) MaxVersion(_ context.Context, key model.Key) (int64, error) {
	var v int64
	for _, rec := range r.lineage(key, func(model.Record) bool { return true }) {
		v = max(v, rec.Version)
	}

	return v, nil
}

func (r *recordRepository) FindByChangeRequest(_ context.Context, changeRequestID string) ([]model.Record, error) {
	r.s.mu.Lock()
	all := slices.Clone(r.s.records)
	r.s.mu.Unlock()

	out := model.GroupByChangeRequest(all)[changeRequestID]
	slices.SortFunc(out, func(a, b model.Record) int {
		if c := strings.Compare(a.LineageKey().String(), b.LineageKey().String()); c != 0 {
			return c
		}

		return int(a.Version - b.Version)
	})

	return out, nil
}

func (r *recordRepository) lineage(key model.Key, keep func(model.Record) bool) []model.Record {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.Record

	for _, rec := range r.s.records {
		if rec.LineageKey() == key && keep(rec) {
			out = append(out, rec)
		}
	}

	slices.SortFunc(out, func(a, b model.Record) int { return int(a.Version - b.Version) })

	return out
}

// openOn matches the SQL predicate valid_to IS NULL OR valid_to > today.
func openOn(rec model.Record, today time.Time) bool {
	return rec.ValidTo == nil || rec.ValidTo.After(model.Date(today))
}
