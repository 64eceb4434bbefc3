package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/timeline"
)

// TimelineServiceImpl builds timelines from the record repository and keeps
// them in an expiring LRU cache keyed by lineage.
type TimelineServiceImpl struct {
	recordRepo repository.RecordRepository
	cache      *expirable.LRU[model.Key, *timeline.Timeline[model.Record]]
	metrics    *metrics.Metrics
}

// NewTimelineServiceImpl creates a TimelineService caching up to size
// timelines for ttl each.
func NewTimelineServiceImpl(
	recordRepo repository.RecordRepository, size int, ttl time.Duration, m *metrics.Metrics,
) *TimelineServiceImpl {
	return &TimelineServiceImpl{
		recordRepo: recordRepo,
		cache:      expirable.NewLRU[model.Key, *timeline.Timeline[model.Record]](size, nil, ttl),
		metrics:    m,
	}
}

// Timeline returns the timeline of key, or ErrRecordNotFound for an unknown lineage.
func (s *TimelineServiceImpl) Timeline(ctx context.Context, key model.Key) (*timeline.Timeline[model.Record], error) {
	if tl, ok := s.cache.Get(key); ok {
		s.metrics.IncCacheHit()
		return tl, nil
	}

	s.metrics.IncCacheMiss()

	records, err := s.recordRepo.FindLineage(ctx, key)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrRecordNotFound, key)
	}

	tl, err := timeline.New(records)
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, tl)

	return tl, nil
}

// VersionOn returns the version of key in force on date.
func (s *TimelineServiceImpl) VersionOn(ctx context.Context, key model.Key, date time.Time) (model.Record, error) {
	tl, err := s.Timeline(ctx, key)
	if err != nil {
		return model.Record{}, err
	}

	rec, ok := tl.VersionOn(date)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s on %s", model.ErrNoCurrentVersion, key, date.Format(model.DateLayout))
	}

	return rec, nil
}

// ChangePoints returns the dates on which the lineage changed.
func (s *TimelineServiceImpl) ChangePoints(ctx context.Context, key model.Key) ([]time.Time, error) {
	tl, err := s.Timeline(ctx, key)
	if err != nil {
		return nil, err
	}

	return tl.ChangePoints(), nil
}

// Invalidate drops cached timelines; the loader calls it after writing to a lineage.
func (s *TimelineServiceImpl) Invalidate(keys ...model.Key) {
	for _, key := range keys {
		s.cache.Remove(key)
	}
}
