package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
)

const waitFor = 2 * time.Second

func TestSleepAdjustment(t *testing.T) {
	c := &Coordinator{cfg: Config{
		MinSleep:  10 * time.Second,
		MaxSleep:  30 * time.Second,
		NoGCSleep: 300 * time.Second,
	}}

	tests := []struct {
		name string
		fn   func(time.Duration) time.Duration
		in   time.Duration
		want time.Duration
	}{
		{"increase", c.increaseSleep, 10 * time.Second, 20 * time.Second},
		{"increase caps at max", c.increaseSleep, 25 * time.Second, 30 * time.Second},
		{"increase keeps no-gc interval", c.increaseSleep, 300 * time.Second, 300 * time.Second},
		{"decrease", c.decreaseSleep, 30 * time.Second, 20 * time.Second},
		{"decrease floors at min", c.decreaseSleep, 15 * time.Second, 10 * time.Second},
		{"decrease leaves no-gc interval", c.decreaseSleep, 300 * time.Second, 20 * time.Second},
		{"decrease lifts urgent interval", c.decreaseSleep, time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(Deps{}, Config{MinSleep: time.Minute})
	cfg := c.Config()
	assert.Equal(t, time.Minute, cfg.MinSleep)
	assert.Equal(t, time.Minute, cfg.MaxSleep)
	assert.Equal(t, 300*time.Second, cfg.NoGCSleep)
	assert.Equal(t, 16, cfg.MaxSkipRounds)
	assert.Equal(t, 3, cfg.ForegroundRetries)
}

func TestWorkerWakeRunsBackgroundRound(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	seg := f.dirtySegment(t, 1, 8, 2)

	f.coord.Start()
	f.coord.Wake()

	require.Eventually(t, func() bool {
		return f.fs.Store.ValidBlocks(seg, false) == 0
	}, waitFor, time.Millisecond)
	f.coord.Stop()

	assert.Equal(t, int32(1), f.cl.calls.Load())
	assert.Equal(t, 1.0, counterValue(f.metrics.RoundsTotal.WithLabelValues("background", "freed")))
	assert.Equal(t, 0, f.cp.Count(cleaner.ReasonPrefree))
}

func TestWorkerSkipsWhileFrozen(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	f.dirtySegment(t, 1, 8, 2)
	f.gate.Freeze(true)

	f.coord.Start()
	f.coord.Wake()

	require.Eventually(t, func() bool {
		return counterValue(f.metrics.BackgroundSkipsTotal.WithLabelValues("frozen")) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, int32(0), f.cl.calls.Load())
	assert.Equal(t, time.Hour, f.coord.Sleep())
}

func TestWorkerBacksOffWhileBusy(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	f.dirtySegment(t, 1, 8, 2)
	f.gate.SetBusy(true)

	f.coord.Start()
	f.coord.Wake()

	require.Eventually(t, func() bool {
		return f.coord.Sleep() == 2*time.Hour
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, counterValue(f.metrics.BackgroundSkipsTotal.WithLabelValues("busy")))
	assert.Equal(t, int32(0), f.cl.calls.Load())
}

func TestWorkerSleepsLongWhenNothingToClean(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())

	f.coord.Start()
	f.coord.Wake()

	require.Eventually(t, func() bool {
		return f.coord.Sleep() == 5*time.Hour
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, counterValue(f.metrics.RoundsTotal.WithLabelValues("background", "no_victim")))
	assert.Equal(t, 5*time.Hour.Seconds(), gaugeValue(f.metrics.SleepSeconds))
}

func TestUrgentModeIgnoresBusyDevice(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	seg := f.dirtySegment(t, 1, 8, 2)
	f.gate.SetBusy(true)
	f.coord.SetUrgent(true)
	require.True(t, f.coord.Urgent())

	f.coord.Start()
	f.coord.Wake()

	require.Eventually(t, func() bool {
		return f.fs.Store.ValidBlocks(seg, false) == 0
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		return f.coord.Sleep() == 10*time.Millisecond
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0.0, counterValue(f.metrics.BackgroundSkipsTotal.WithLabelValues("busy")))

	f.coord.SetUrgent(false)
	assert.False(t, f.coord.Urgent())
}

func TestUrgentWhenFreeSectionsRunLow(t *testing.T) {
	cfg := testConfig()
	cfg.UrgentFreeSections = 2
	f := newFixture(t, 4, 4, cfg)
	assert.False(t, f.coord.Urgent())

	f.file(t, 1, segment.TempHot, 4)
	assert.True(t, f.coord.Urgent())
}

func TestRequestForegroundRunsOnWorker(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	f.dirtySegment(t, 1, 8, 2)
	f.coord.Start()

	res, err := f.coord.RequestForeground(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.SectionsFreed)
	assert.Equal(t, 1.0, counterValue(f.metrics.RoundsTotal.WithLabelValues("foreground", "freed")))
}

func TestRequestForegroundWithoutWorker(t *testing.T) {
	f := newFixture(t, 8, 8, testConfig())
	f.dirtySegment(t, 1, 8, 2)

	res, err := f.coord.RequestForeground(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SectionsFreed)
}

func TestStartStopIsIdempotent(t *testing.T) {
	f := newFixture(t, 8, 4, testConfig())
	f.coord.Start()
	f.coord.Start()
	f.coord.Stop()
	f.coord.Stop()
	f.coord.Wake()

	f.coord.Start()
	f.coord.Wake()
	f.coord.Stop()
}
