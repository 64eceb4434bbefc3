// Package timeline indexes the versions of one logical entity for point-in-time
// and change-history questions.
package timeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// Timeline is an in-memory, read-only view over every version of one lineage.
type Timeline[T model.Versioned] struct {
	key      model.Key
	versions []T
}

// New builds a timeline from versions of a single lineage, in any order.
func New[T model.Versioned](records []T) (*Timeline[T], error) {
	t := &Timeline[T]{versions: slices.Clone(records)}
	if len(records) == 0 {
		return t, nil
	}

	t.key = records[0].LineageKey()
	for _, r := range records[1:] {
		if r.LineageKey() != t.key {
			return nil, fmt.Errorf("%w: %s and %s", model.ErrMixedLineage, t.key, r.LineageKey())
		}
	}

	slices.SortStableFunc(t.versions, func(a, b T) int {
		switch {
		case a.VersionNumber() < b.VersionNumber():
			return -1
		case a.VersionNumber() > b.VersionNumber():
			return 1
		default:
			return 0
		}
	})

	return t, nil
}

// Key returns the lineage; zero for an empty timeline.
func (t *Timeline[T]) Key() model.Key { return t.key }

// Len returns the number of versions.
func (t *Timeline[T]) Len() int { return len(t.versions) }

// Versions returns all versions ordered by version number.
func (t *Timeline[T]) Versions() []T { return slices.Clone(t.versions) }

// VersionOn returns the highest version valid on date. Ties are broken by
// version number only, so a correction wins over the row it corrects.
func (t *Timeline[T]) VersionOn(date time.Time) (T, bool) {
	for i := len(t.versions) - 1; i >= 0; i-- {
		if t.versions[i].WasValidOn(date) {
			return t.versions[i], true
		}
	}

	var zero T

	return zero, false
}

// Current is VersionOn for the day of now.
func (t *Timeline[T]) Current(now time.Time) (T, bool) {
	return t.VersionOn(now)
}

// Latest returns the highest version regardless of validity.
func (t *Timeline[T]) Latest() (T, bool) {
	if len(t.versions) == 0 {
		var zero T
		return zero, false
	}

	return t.versions[len(t.versions)-1], true
}

// VersionsBetween returns every version whose validity interval overlaps
// the closed range [start, end].
func (t *Timeline[T]) VersionsBetween(start, end time.Time) []T {
	s, e := model.Date(start), model.Date(end)
	if e.Before(s) {
		return nil
	}

	var out []T

	for _, v := range t.versions {
		from := v.ValidityStart()
		if from.After(e) {
			continue
		}

		// validTo is exclusive: a version ending on start no longer covers it.
		if to := v.ValidityEnd(); to != nil && !to.After(s) {
			continue
		}

		out = append(out, v)
	}

	return out
}

// ChangePoints returns the sorted, de-duplicated dates on which some version
// starts or ends.
func (t *Timeline[T]) ChangePoints() []time.Time {
	points := make([]time.Time, 0, len(t.versions)*2)

	for _, v := range t.versions {
		points = append(points, v.ValidityStart())
		if to := v.ValidityEnd(); to != nil {
			points = append(points, *to)
		}
	}

	slices.SortFunc(points, func(a, b time.Time) int { return a.Compare(b) })

	return slices.CompactFunc(points, func(a, b time.Time) bool { return a.Equal(b) })
}

// Snapshot pairs a change point with the version in force from that day on.
type Snapshot[T model.Versioned] struct {
	Date    time.Time
	Version T
	Valid   bool
}

// History walks the change points and reports which version applied from each.
// Points where nothing is valid are reported with Valid set to false.
func (t *Timeline[T]) History() []Snapshot[T] {
	points := t.ChangePoints()
	out := make([]Snapshot[T], 0, len(points))

	for _, p := range points {
		v, ok := t.VersionOn(p)
		out = append(out, Snapshot[T]{Date: p, Version: v, Valid: ok})
	}

	return out
}
