package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dray-io/lfsgc/internal/segment"
)

// SpaceMetrics holds gauges describing the main area.
type SpaceMetrics struct {
	FreeSections    prometheus.Gauge
	FreeSegments    prometheus.Gauge
	PrefreeSegments prometheus.Gauge
	DirtySegments   prometheus.Gauge
	VictimSections  prometheus.Gauge
	ValidBlocks     prometheus.Gauge
	UserBlocks      prometheus.Gauge
}

func newSpaceMetrics(f promauto.Factory) *SpaceMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "space",
			Name:      name,
			Help:      help,
		})
	}
	return &SpaceMetrics{
		FreeSections:    gauge("free_sections", "Wholly free sections below the allocation limit."),
		FreeSegments:    gauge("free_segments", "Free segments."),
		PrefreeSegments: gauge("prefree_segments", "Empty segments waiting for the next checkpoint."),
		DirtySegments:   gauge("dirty_segments", "Segments holding at least one invalid block."),
		VictimSections:  gauge("victim_sections", "Sections flagged by background GC and not yet freed."),
		ValidBlocks:     gauge("valid_blocks", "Valid blocks in the main area."),
		UserBlocks:      gauge("user_blocks", "Blocks in the main area."),
	}
}

// NewSpaceMetrics creates and registers space gauges with the default
// registry.
func NewSpaceMetrics() *SpaceMetrics {
	return newSpaceMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewSpaceMetricsWithRegistry creates space gauges registered with reg.
func NewSpaceMetricsWithRegistry(reg prometheus.Registerer) *SpaceMetrics {
	return newSpaceMetrics(promauto.With(reg))
}

// Record sets every gauge from st.
func (m *SpaceMetrics) Record(st segment.Stats) {
	m.FreeSections.Set(float64(st.FreeSections))
	m.FreeSegments.Set(float64(st.FreeSegments))
	m.PrefreeSegments.Set(float64(st.PrefreeSegments))
	m.DirtySegments.Set(float64(st.DirtySegments))
	m.VictimSections.Set(float64(st.VictimSections))
	m.ValidBlocks.Set(float64(st.ValidBlocks))
	m.UserBlocks.Set(float64(st.UserBlocks))
}

// StatsProvider reports main-area statistics. *segment.Store implements
// it.
type StatsProvider interface {
	Stats() segment.Stats
}

// SpaceScanner periodically copies main-area statistics into gauges.
type SpaceScanner struct {
	metrics  *SpaceMetrics
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSpaceScanner creates a scanner that refreshes m every interval.
func NewSpaceScanner(m *SpaceMetrics, provider StatsProvider, interval time.Duration) *SpaceScanner {
	return &SpaceScanner{
		metrics:  m,
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic scanning.
func (s *SpaceScanner) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts periodic scanning.
func (s *SpaceScanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *SpaceScanner) loop() {
	defer s.wg.Done()

	s.ScanOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ScanOnce()
		}
	}
}

// ScanOnce refreshes the gauges immediately.
func (s *SpaceScanner) ScanOnce() {
	s.metrics.Record(s.provider.Stats())
}
