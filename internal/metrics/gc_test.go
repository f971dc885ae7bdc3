package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, m := range family.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m
		}
	}

	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func TestGCMetrics_RecordRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordRound("background", OutcomeFreed, 0.002)
	m.RecordRound("background", OutcomeFreed, 0.004)
	m.RecordRound("foreground", OutcomeNoVictim, 0.0001)

	if got := getCounterValue(t, reg, "lfsgc_gc_rounds_total", map[string]string{"gc_type": "background", "outcome": "freed"}); got != 2 {
		t.Errorf("background freed rounds = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_rounds_total", map[string]string{"gc_type": "foreground", "outcome": "no_victim"}); got != 1 {
		t.Errorf("foreground no_victim rounds = %v, want 1", got)
	}

	h := findMetric(t, reg, "lfsgc_gc_round_latency_seconds", map[string]string{"gc_type": "background"}).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("latency samples = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.0059 || h.GetSampleSum() > 0.0061 {
		t.Errorf("latency sum = %v, want 0.006", h.GetSampleSum())
	}
}

func TestGCMetrics_RecordReclaim(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordReclaim(4, 1, 120)
	m.RecordReclaim(2, 0, 30)

	if got := getCounterValue(t, reg, "lfsgc_gc_segments_freed_total", nil); got != 6 {
		t.Errorf("segments freed = %v, want 6", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_sections_freed_total", nil); got != 1 {
		t.Errorf("sections freed = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_blocks_moved_total", nil); got != 150 {
		t.Errorf("blocks moved = %v, want 150", got)
	}
}

func TestGCMetrics_SkippedIgnoresZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordSkipped("atomic", 0)
	m.RecordSkipped("pinned", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "lfsgc_gc_blocks_skipped_total" {
			continue
		}
		if n := len(f.GetMetric()); n != 1 {
			t.Errorf("skipped series = %d, want 1", n)
		}
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_blocks_skipped_total", map[string]string{"reason": "pinned"}); got != 3 {
		t.Errorf("pinned skipped = %v, want 3", got)
	}
}

func TestGCMetrics_CheckpointsAndEscalations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordCheckpoint("prefree")
	m.RecordCheckpoint("prefree")
	m.RecordCheckpoint("resize")
	m.RecordEscalation("flush_atomic")
	m.RecordBackgroundSkip("busy")

	if got := getCounterValue(t, reg, "lfsgc_gc_checkpoints_total", map[string]string{"reason": "prefree"}); got != 2 {
		t.Errorf("prefree checkpoints = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_checkpoints_total", map[string]string{"reason": "resize"}); got != 1 {
		t.Errorf("resize checkpoints = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_escalations_total", map[string]string{"action": "flush_atomic"}); got != 1 {
		t.Errorf("escalations = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "lfsgc_gc_background_skips_total", map[string]string{"reason": "busy"}); got != 1 {
		t.Errorf("background skips = %v, want 1", got)
	}
}

func TestGCMetrics_Sleep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordSleep(30)
	m.RecordSleep(0.5)

	if got := getGaugeValue(t, reg, "lfsgc_gc_sleep_seconds"); got != 0.5 {
		t.Errorf("sleep = %v, want 0.5", got)
	}
}

func TestGCMetrics_NilReceiver(t *testing.T) {
	var m *GCMetrics
	m.RecordRound("background", OutcomeError, 1)
	m.RecordReclaim(1, 1, 1)
	m.RecordSkipped("lock", 1)
	m.RecordCheckpoint("sync")
	m.RecordEscalation("checkpoint")
	m.RecordBackgroundSkip("frozen")
	m.RecordSleep(1)
}
