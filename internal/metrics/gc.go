package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lfsgc"

// GCMetrics holds metrics for cleaning rounds.
type GCMetrics struct {
	// RoundsTotal counts rounds by gc_type (background, foreground,
	// shrink) and outcome (freed, partial, no_victim, error).
	RoundsTotal *prometheus.CounterVec

	// RoundLatency tracks the wall time of one round in seconds.
	RoundLatency *prometheus.HistogramVec

	// SegmentsFreedTotal counts segments left with no valid block.
	SegmentsFreedTotal prometheus.Counter

	// SectionsFreedTotal counts sections left with no valid block.
	SectionsFreedTotal prometheus.Counter

	// BlocksMovedTotal counts relocated blocks.
	BlocksMovedTotal prometheus.Counter

	// BlocksSkippedTotal counts live blocks left in place, by reason.
	BlocksSkippedTotal *prometheus.CounterVec

	// CheckpointsTotal counts checkpoints requested by GC, by reason.
	CheckpointsTotal *prometheus.CounterVec

	// EscalationsTotal counts skip-pressure escalations, by action
	// (checkpoint, flush_atomic).
	EscalationsTotal *prometheus.CounterVec

	// BackgroundSkipsTotal counts background wakeups that did not run a
	// round, by reason (frozen, busy, contended).
	BackgroundSkipsTotal *prometheus.CounterVec

	// SleepSeconds is the background worker's current sleep interval.
	SleepSeconds prometheus.Gauge
}

// DefaultRoundLatencyBuckets cover rounds from a few relocations to a
// full section of raw copies.
var DefaultRoundLatencyBuckets = []float64{
	0.0005, // 500us
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
	30.0,   // 30s
}

func newGCMetrics(f promauto.Factory) *GCMetrics {
	return &GCMetrics{
		RoundsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "rounds_total",
			Help:      "Cleaning rounds by GC type and outcome.",
		}, []string{"gc_type", "outcome"}),
		RoundLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "round_latency_seconds",
			Help:      "Cleaning round latency in seconds.",
			Buckets:   DefaultRoundLatencyBuckets,
		}, []string{"gc_type"}),
		SegmentsFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "segments_freed_total",
			Help:      "Segments left with no valid block after a round.",
		}),
		SectionsFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "sections_freed_total",
			Help:      "Sections left with no valid block after a round.",
		}),
		BlocksMovedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "blocks_moved_total",
			Help:      "Live blocks relocated by the cleaner.",
		}),
		BlocksSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "blocks_skipped_total",
			Help:      "Live blocks left in place, by reason.",
		}, []string{"reason"}),
		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "checkpoints_total",
			Help:      "Checkpoints requested by GC, by reason.",
		}, []string{"reason"}),
		EscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "escalations_total",
			Help:      "Skip-pressure escalations, by action.",
		}, []string{"action"}),
		BackgroundSkipsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "background_skips_total",
			Help:      "Background wakeups that did not run a round, by reason.",
		}, []string{"reason"}),
		SleepSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "sleep_seconds",
			Help:      "Current background worker sleep interval in seconds.",
		}),
	}
}

// NewGCMetrics creates and registers GC metrics.
// Uses promauto for automatic registration with the default registry.
func NewGCMetrics() *GCMetrics {
	return newGCMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewGCMetricsWithRegistry creates GC metrics registered with a custom
// registry. Useful for testing to avoid conflicts with the default
// registry.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	return newGCMetrics(promauto.With(reg))
}

// RoundOutcome labels a finished round.
type RoundOutcome string

const (
	OutcomeFreed    RoundOutcome = "freed"
	OutcomePartial  RoundOutcome = "partial"
	OutcomeNoVictim RoundOutcome = "no_victim"
	OutcomeError    RoundOutcome = "error"
)

// RecordRound records one round. A nil receiver is a no-op.
func (m *GCMetrics) RecordRound(gcType string, outcome RoundOutcome, seconds float64) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(gcType, string(outcome)).Inc()
	m.RoundLatency.WithLabelValues(gcType).Observe(seconds)
}

// RecordReclaim records segments and sections freed and blocks moved.
func (m *GCMetrics) RecordReclaim(segments, sections, moved int) {
	if m == nil {
		return
	}
	m.SegmentsFreedTotal.Add(float64(segments))
	m.SectionsFreedTotal.Add(float64(sections))
	m.BlocksMovedTotal.Add(float64(moved))
}

// RecordSkipped adds n skipped blocks for reason.
func (m *GCMetrics) RecordSkipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BlocksSkippedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordCheckpoint counts a checkpoint for reason.
func (m *GCMetrics) RecordCheckpoint(reason string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(reason).Inc()
}

// RecordEscalation counts an escalation action.
func (m *GCMetrics) RecordEscalation(action string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(action).Inc()
}

// RecordBackgroundSkip counts a background wakeup that did no work.
func (m *GCMetrics) RecordBackgroundSkip(reason string) {
	if m == nil {
		return
	}
	m.BackgroundSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordSleep sets the current sleep interval.
func (m *GCMetrics) RecordSleep(seconds float64) {
	if m == nil {
		return
	}
	m.SleepSeconds.Set(seconds)
}
