package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/config"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/simdev"
	"github.com/dray-io/lfsgc/internal/victim"
)

func runSelect(args []string) {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	overwrites := fs.Int("overwrites", -1, "Override number of overwrites")

	fs.Usage = func() {
		fmt.Println(`Usage: lfsgcd select [options]

Populate a simulated device without GC and print the victim each selection
mode would pick from the resulting state.

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
	if *overwrites >= 0 {
		cfg.Workload.Overwrites = *overwrites
	}
	logger := cfg.ConfigureLogging(nil)

	if err := selectVictims(context.Background(), cfg, logger, os.Stdout); err != nil {
		logging.Errorf("select failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

type selectCase struct {
	name string
	mode victim.Mode
	req  victim.Request
}

// selectCases lists the requests compared by select. now is the source
// mtime handed to the AgeSSR request.
func selectCases(now uint64) []selectCase {
	bg := victim.Request{GCType: victim.Background, Alloc: victim.LFS, Hint: segment.NullID}
	fg := victim.Request{GCType: victim.Foreground, Alloc: victim.LFS, Hint: segment.NullID}
	ssr := victim.Request{
		GCType: victim.Foreground,
		Alloc:  victim.SSR,
		Class:  segment.Class{Type: segment.TypeData, Temp: segment.TempHot},
		Hint:   segment.NullID,
	}
	atssr := ssr
	atssr.Alloc = victim.AgeSSR
	atssr.SourceMtime = now
	return []selectCase{
		{"background", victim.Greedy, bg},
		{"background", victim.CostBenefit, bg},
		{"background", victim.AgeThreshold, bg},
		{"foreground", victim.CostBenefit, fg},
		{"ssr hot data", victim.Greedy, ssr},
		{"at-ssr hot data", victim.AgeThreshold, atssr},
	}
}

// selectVictims fills a device until the workload ends or space runs out,
// then asks the policy for a victim in every mode.
func selectVictims(ctx context.Context, cfg *config.Config, logger *logging.Logger, out io.Writer) error {
	dev, err := NewDevice(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	w := simdev.NewWorkload(dev.FS, cfg.Workload.Seed, cfg.Workload.Files, cfg.Workload.Blocks)
	if err := w.Populate(ctx); err != nil {
		return fmt.Errorf("populate: %w", err)
	}
	if _, err := w.Overwrite(ctx, cfg.Workload.Overwrites); err != nil && !errors.Is(err, cleaner.ErrAllocTransient) {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tMODE\tSEGMENT\tSECTION\tCOST\tAGE")
	for _, c := range selectCases(dev.FS.Clock.Now()) {
		dev.Policy.SetMode(c.mode)
		// Every mode searches from the start of the main area.
		dev.Policy.RestoreCursors(victim.Cursors{})
		v, err := dev.Policy.Select(c.req)
		if errors.Is(err, victim.ErrNoVictim) {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\n", c.name, c.mode)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", c.name, c.mode, v.Segment, v.Section, v.Cost, v.Age)
		if c.req.GCType == victim.Background {
			dev.Store.ClearVictim(v.Section)
		}
	}
	return tw.Flush()
}
