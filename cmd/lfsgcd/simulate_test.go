package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lfsgc/internal/config"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/segment"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Geometry = segment.Geometry{BlocksPerSegment: 16, SegmentsPerSection: 1, Sections: 32}
	cfg.GC.ReservedSections = 2
	cfg.GC.Cleaner.AllocRetryInitial = 0
	cfg.GC.Cleaner.AllocRetryMax = 0
	cfg.Checkpoint.Codec = "none"
	cfg.Workload = config.WorkloadConfig{Seed: 3, Files: 9, Blocks: 16, Overwrites: 3000}
	cfg.Observability.MetricsAddr = ""
	return cfg
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

// checkData verifies every live block is valid and holds its own payload.
func checkData(t *testing.T, dev *Device, cfg *config.Config) {
	t.Helper()
	geo := dev.Store.Geometry()
	for owner := uint64(1); owner <= uint64(cfg.Workload.Files); owner++ {
		for i := 0; i < cfg.Workload.Blocks; i++ {
			addr, ok := dev.FS.Table.Lookup(owner, uint64(i))
			require.True(t, ok, "file %d block %d", owner, i)
			assert.True(t, dev.Store.IsBlockValid(addr))
			seg, _ := geo.Split(addr)
			assert.Less(t, int(seg), geo.Segments())
			data := dev.FS.Device.Peek(addr)
			require.Len(t, data, 24)
			assert.Equal(t, owner, binary.BigEndian.Uint64(data[0:8]))
			assert.Equal(t, uint64(i), binary.BigEndian.Uint64(data[8:16]))
		}
	}
}

func runSim(t *testing.T, cfg *config.Config) (*Device, Summary) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	reg := prometheus.NewRegistry()
	dev, err := NewDevice(cfg, quietLogger(), reg)
	require.NoError(t, err)
	sum, err := simulate(context.Background(), cfg, quietLogger(), dev, reg, false)
	require.NoError(t, err)
	return dev, sum
}

func TestSimulateKeepsEveryBlock(t *testing.T) {
	cfg := smallConfig()
	dev, sum := runSim(t, cfg)

	assert.Equal(t, cfg.Workload.Overwrites, sum.Writes)
	live := int64(cfg.Workload.Files*cfg.Workload.Blocks + cfg.Workload.Files)
	assert.Equal(t, live, sum.ValidBlocks)
	assert.GreaterOrEqual(t, sum.Checkpoints, 1)
	checkData(t, dev, cfg)
}

func TestSimulateThenShrink(t *testing.T) {
	cfg := smallConfig()
	cfg.Workload.Overwrites = 500
	cfg.Workload.Shrink = 8
	dev, sum := runSim(t, cfg)

	assert.Equal(t, 24, sum.Sections)
	assert.Equal(t, 24, dev.Store.Geometry().Sections)
	checkData(t, dev, cfg)
}

func TestSimulateEveryMode(t *testing.T) {
	for _, mode := range []string{"greedy", "cb", "at"} {
		t.Run(mode, func(t *testing.T) {
			cfg := smallConfig()
			cfg.GC.Victim.Mode = mode
			cfg.GC.Victim.AgeThreshold = 2
			dev, sum := runSim(t, cfg)
			assert.Equal(t, cfg.Workload.Overwrites, sum.Writes)
			checkData(t, dev, cfg)
		})
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, smallConfig(), Summary{Writes: 100, BlocksMoved: 25, Sections: 32, FreeSections: 10})
	out := buf.String()
	assert.Contains(t, out, "writes:          100")
	assert.Contains(t, out, "write amp:       1.250")
	assert.Contains(t, out, "free sections:   10/32")
}

func TestSelectVictims(t *testing.T) {
	cfg := smallConfig()
	cfg.Workload.Overwrites = 200
	var buf bytes.Buffer
	require.NoError(t, selectVictims(context.Background(), cfg, quietLogger(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(selectCases(0))+1)
	assert.True(t, strings.HasPrefix(lines[0], "REQUEST"))
	assert.Contains(t, lines[1], "greedy")
	assert.Contains(t, lines[2], "cost-benefit")
}
