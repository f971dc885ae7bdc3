package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/config"
	"github.com/dray-io/lfsgc/internal/gc"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/metrics"
	"github.com/dray-io/lfsgc/internal/simdev"
)

// overwriteChunk bounds how many writes run between space checks.
const overwriteChunk = 1024

// Summary is what a simulation reports when it finishes.
type Summary struct {
	Writes        int
	Foreground    int
	SectionsFreed int
	BlocksMoved   int
	Checkpoints   int
	SlotReuses    int
	Sections      int
	FreeSections  int
	ValidBlocks   int64
	Elapsed       time.Duration
}

func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics address (empty string in config disables)")
	mode := fs.String("mode", "", "Override victim mode (greedy, cb, at)")
	seed := fs.Int64("seed", 0, "Override workload seed")
	overwrites := fs.Int("overwrites", -1, "Override number of overwrites")
	shrink := fs.Int("shrink", -1, "Sections to remove after the workload")
	background := fs.Bool("background", true, "Run the background GC worker")

	fs.Usage = func() {
		fmt.Println(`Usage: lfsgcd simulate [options]

Run a write workload against a simulated device and report GC activity.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *mode != "" {
		cfg.GC.Victim.Mode = *mode
	}
	if *seed != 0 {
		cfg.Workload.Seed = *seed
	}
	if *overwrites >= 0 {
		cfg.Workload.Overwrites = *overwrites
	}
	if *shrink >= 0 {
		cfg.Workload.Shrink = *shrink
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.ConfigureLogging(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	dev, err := NewDevice(cfg, logger, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build device: %v\n", err)
		os.Exit(1)
	}
	sum, err := simulate(ctx, cfg, logger, dev, reg, *background)
	if err != nil {
		logging.Errorf("simulation failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	printSummary(os.Stdout, cfg, sum)
	logging.Infof("simulation finished", map[string]any{
		"writes":    sum.Writes,
		"moved":     sum.BlocksMoved,
		"elapsedMs": sum.Elapsed.Milliseconds(),
	})
}

// simulate populates a device, overwrites it and runs GC as space runs
// out. Foreground GC is requested whenever an allocation fails.
func simulate(ctx context.Context, cfg *config.Config, logger *logging.Logger, dev *Device, reg prometheus.Gatherer, background bool) (Summary, error) {
	start := time.Now()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := metrics.NewServerWithRegistry(addr, reg).WithHealth(func() error {
			if err := dev.Store.Fatal(); err != nil {
				return err
			}
			if dev.Store.NeedFsck() {
				return errors.New("filesystem needs fsck")
			}
			return nil
		})
		if err := srv.Start(); err != nil {
			return Summary{}, fmt.Errorf("metrics server: %w", err)
		}
		defer srv.Close()
		logger.Infof("metrics server listening", map[string]any{"addr": srv.Addr()})
	}

	scanner := metrics.NewSpaceScanner(dev.SpaceMetrics, dev.Store, time.Second)
	scanner.Start()
	defer scanner.Stop()

	if background {
		dev.Coordinator.Start()
		defer dev.Coordinator.Stop()
	}

	var sum Summary
	tally := func(res gc.Result) {
		sum.Foreground++
		sum.SectionsFreed += res.SectionsFreed
		sum.BlocksMoved += res.BlocksMoved
	}

	w := simdev.NewWorkload(dev.FS, cfg.Workload.Seed, cfg.Workload.Files, cfg.Workload.Blocks)
	if err := w.Populate(ctx); err != nil {
		return sum, fmt.Errorf("populate: %w", err)
	}
	logger.Infof("device populated", map[string]any{
		"files":        cfg.Workload.Files,
		"blocks":       cfg.Workload.Blocks,
		"freeSections": dev.Store.Stats().FreeSections,
	})

	stalled := 0
	for remaining := cfg.Workload.Overwrites; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		done, err := w.Overwrite(ctx, min(remaining, overwriteChunk))
		remaining -= done
		sum.Writes += done
		if err == nil {
			stalled = 0
			continue
		}
		if !errors.Is(err, cleaner.ErrAllocTransient) {
			return sum, err
		}
		if done == 0 {
			stalled++
		}
		if stalled > cfg.GC.ForegroundRetries {
			return sum, fmt.Errorf("%w after %d writes", gc.ErrNoSpace, sum.Writes)
		}
		res, ferr := dev.Coordinator.RequestForeground(ctx)
		tally(res)
		if ferr != nil {
			return sum, ferr
		}
	}

	if n := cfg.Workload.Shrink; n > 0 {
		keep := dev.Store.Geometry().Sections - n
		if err := dev.Coordinator.Shrink(ctx, keep); err != nil {
			return sum, err
		}
		logger.Infof("device shrunk", map[string]any{"sections": keep})
	}

	// Checkpoint so prefree segments count as free in the summary.
	res, err := dev.Coordinator.GC(ctx, gc.Control{Sync: true})
	if err != nil && !errors.Is(err, gc.ErrNoSpace) {
		return sum, err
	}
	tally(res)
	if err := dev.Checkpointer.WriteCheckpoint(ctx, cleaner.ReasonSync); err != nil {
		return sum, err
	}

	st := dev.Store.Stats()
	sum.Checkpoints = dev.Checkpointer.Count(cleaner.ReasonPrefree) +
		dev.Checkpointer.Count(cleaner.ReasonStarvation) +
		dev.Checkpointer.Count(cleaner.ReasonResize) +
		dev.Checkpointer.Count(cleaner.ReasonSync)
	sum.SlotReuses = dev.FS.Alloc.SlotReuses()
	sum.Sections = st.Sections
	sum.FreeSections = st.FreeSections
	sum.ValidBlocks = st.ValidBlocks
	sum.Elapsed = time.Since(start)
	return sum, nil
}

func printSummary(out io.Writer, cfg *config.Config, sum Summary) {
	fmt.Fprintf(out, "mode:            %s\n", cfg.GC.Victim.Mode)
	fmt.Fprintf(out, "writes:          %d\n", sum.Writes)
	fmt.Fprintf(out, "foreground gc:   %d\n", sum.Foreground)
	fmt.Fprintf(out, "sections freed:  %d\n", sum.SectionsFreed)
	fmt.Fprintf(out, "blocks moved:    %d\n", sum.BlocksMoved)
	fmt.Fprintf(out, "checkpoints:     %d\n", sum.Checkpoints)
	fmt.Fprintf(out, "slot reuses:     %d\n", sum.SlotReuses)
	fmt.Fprintf(out, "free sections:   %d/%d\n", sum.FreeSections, sum.Sections)
	fmt.Fprintf(out, "valid blocks:    %d\n", sum.ValidBlocks)
	if sum.Writes > 0 {
		fmt.Fprintf(out, "write amp:       %.3f\n", float64(sum.Writes+sum.BlocksMoved)/float64(sum.Writes))
	}
	fmt.Fprintf(out, "elapsed:         %s\n", sum.Elapsed.Round(time.Millisecond))
}
