// Package metrics defines the Prometheus collectors of the replay service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	uploads         *prometheus.CounterVec
	storeSteps      *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	indexRebuilds   *prometheus.CounterVec
	indexConflicts  prometheus.Counter
	matches         *prometheus.CounterVec
	seriesCache     *prometheus.CounterVec
	extractDuration prometheus.Histogram
	storeDuration   prometheus.Histogram
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_uploads_total",
			Help: "Replay uploads by outcome",
		}, []string{"outcome"}),
		storeSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_store_steps_total",
			Help: "Transactional store steps by step and result",
		}, []string{"step", "result"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_store_compensations_total",
			Help: "Compensating actions by step and result",
		}, []string{"step", "result"}),
		indexRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_index_rebuilds_total",
			Help: "Index rebuilds by reason",
		}, []string{"reason"}),
		indexConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "replay_index_version_conflicts_total",
			Help: "Index writes retried after a version conflict",
		}),
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_build_matches_total",
			Help: "Build match classifications",
		}, []string{"classification"}),
		seriesCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_series_cache_total",
			Help: "Series cache lookups by result",
		}, []string{"result"}),
		extractDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_extract_duration_seconds",
			Help:    "Extraction service call latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		storeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_store_duration_seconds",
			Help:    "Transactional store latency including compensation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreStep(step, result string) {
	if m == nil {
		return
	}
	m.storeSteps.WithLabelValues(step, result).Inc()
}

func (m *Metrics) Compensation(step, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(step, result).Inc()
}

func (m *Metrics) IndexRebuild(reason string) {
	if m == nil {
		return
	}
	m.indexRebuilds.WithLabelValues(reason).Inc()
}

func (m *Metrics) IndexConflict() {
	if m == nil {
		return
	}
	m.indexConflicts.Inc()
}

func (m *Metrics) Match(classification string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(classification).Inc()
}

// SeriesCache records a cache lookup; hit is false for misses and stale entries.
func (m *Metrics) SeriesCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.seriesCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveExtract(d time.Duration) {
	if m == nil {
		return
	}
	m.extractDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStore(d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.Observe(d.Seconds())
}
