package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/config"
	"github.com/dray-io/lfsgc/internal/gc"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/metrics"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/simdev"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Device is a simulated device with its cleaner stack wired together.
type Device struct {
	Store        *segment.Store
	Policy       *victim.Policy
	FS           *simdev.FS
	Checkpointer *simdev.Checkpointer
	Gate         *simdev.Gate
	Coordinator  *gc.Coordinator
	GCMetrics    *metrics.GCMetrics
	SpaceMetrics *metrics.SpaceMetrics
}

// NewDevice builds a device from cfg. Metrics register with reg.
func NewDevice(cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer) (*Device, error) {
	store, err := segment.NewStore(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	policy := victim.New(store, cfg.VictimConfig())
	fs := simdev.New(store, policy)
	cp := simdev.NewCheckpointer(store, policy, cfg.CheckpointCodec(), cfg.Checkpoint.Dir)
	gate := &simdev.Gate{}
	gcm := metrics.NewGCMetricsWithRegistry(reg)

	cl := cleaner.New(store, fs.Deps(), cfg.CleanerConfig())
	coord := gc.New(gc.Deps{
		Store:        store,
		Policy:       policy,
		Cleaner:      cl,
		Checkpointer: cp,
		Gate:         gate,
		Flusher:      fs,
		Heads:        fs.Alloc,
		Logger:       logger,
		Metrics:      gcm,
	}, cfg.CoordinatorConfig())

	return &Device{
		Store:        store,
		Policy:       policy,
		FS:           fs,
		Checkpointer: cp,
		Gate:         gate,
		Coordinator:  coord,
		GCMetrics:    gcm,
		SpaceMetrics: metrics.NewSpaceMetricsWithRegistry(reg),
	}, nil
}
