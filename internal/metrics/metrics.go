// Package metrics holds the Prometheus collectors of the loader, the outbox
// publisher and the timeline cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LoadsTotal        *prometheus.CounterVec
	LoadDuration      *prometheus.HistogramVec
	RecordsChanged    *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	RecordsFailed     *prometheus.CounterVec
	OutboxPublished   *prometheus.CounterVec
	OutboxFailures    *prometheus.CounterVec
	OutboxReclaimed   prometheus.Counter
	TimelineCacheHits prometheus.Counter
	TimelineCacheMiss prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_loads_total",
			Help: "Total number of load executions by dataset and final status",
		}, []string{"dataset", "status"}),
		LoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refdata_load_duration_seconds",
			Help:    "Duration of load executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"dataset"}),
		RecordsChanged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_records_changed_total",
			Help: "Lineages added, updated or deleted by the loader",
		}, []string{"dataset", "change"}),
		RecordsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_records_skipped_total",
			Help: "Source records skipped because they failed validation",
		}, []string{"dataset"}),
		RecordsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_records_failed_total",
			Help: "Records whose apply transaction failed and was isolated",
		}, []string{"dataset"}),
		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_outbox_published_total",
			Help: "Outbox events acknowledged by the message bus",
		}, []string{"aggregate_type"}),
		OutboxFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_outbox_failures_total",
			Help: "Failed outbox sends by outcome (retry or failed)",
		}, []string{"aggregate_type", "outcome"}),
		OutboxReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "refdata_outbox_reclaimed_total",
			Help: "Stale PROCESSING claims returned to PENDING",
		}),
		TimelineCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "refdata_timeline_cache_hits_total",
			Help: "Timeline cache hits",
		}),
		TimelineCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "refdata_timeline_cache_misses_total",
			Help: "Timeline cache misses",
		}),
	}
}

// ObserveLoad records the outcome of one load execution.
func (m *Metrics) ObserveLoad(dataset, status string, d time.Duration, added, updated, deleted, skipped, failed int) {
	if m == nil {
		return
	}

	m.LoadsTotal.WithLabelValues(dataset, status).Inc()
	m.LoadDuration.WithLabelValues(dataset).Observe(d.Seconds())
	m.RecordsChanged.WithLabelValues(dataset, "added").Add(float64(added))
	m.RecordsChanged.WithLabelValues(dataset, "updated").Add(float64(updated))
	m.RecordsChanged.WithLabelValues(dataset, "deleted").Add(float64(deleted))
	m.RecordsSkipped.WithLabelValues(dataset).Add(float64(skipped))
	m.RecordsFailed.WithLabelValues(dataset).Add(float64(failed))
}

// IncPublished counts an acknowledged outbox event.
func (m *Metrics) IncPublished(aggregateType string) {
	if m == nil {
		return
	}

	m.OutboxPublished.WithLabelValues(aggregateType).Inc()
}

// IncPublishFailure counts a failed send; terminal reports whether the event became FAILED.
func (m *Metrics) IncPublishFailure(aggregateType string, terminal bool) {
	if m == nil {
		return
	}

	outcome := "retry"
	if terminal {
		outcome = "failed"
	}

	m.OutboxFailures.WithLabelValues(aggregateType, outcome).Inc()
}

// AddReclaimed counts released stale claims.
func (m *Metrics) AddReclaimed(n int64) {
	if m == nil {
		return
	}

	m.OutboxReclaimed.Add(float64(n))
}

// IncCacheHit counts a timeline cache hit.
func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}

	m.TimelineCacheHits.Inc()
}

// IncCacheMiss counts a timeline cache miss.
func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}

	m.TimelineCacheMiss.Inc()
}
