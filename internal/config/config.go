// Package config provides configuration loading and validation for lfsgc.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dray-io/lfsgc/internal/ckpt"
	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/gc"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Config holds all configuration for a simulated device and its cleaner.
type Config struct {
	Geometry      segment.Geometry    `yaml:"geometry"`
	GC            GCConfig            `yaml:"gc"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Workload      WorkloadConfig      `yaml:"workload"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GCConfig struct {
	Victim  VictimConfig  `yaml:"victim"`
	Cleaner CleanerConfig `yaml:"cleaner"`

	MinSleep           time.Duration `yaml:"minSleep" env:"LFSGC_GC_MIN_SLEEP"`
	MaxSleep           time.Duration `yaml:"maxSleep" env:"LFSGC_GC_MAX_SLEEP"`
	NoGCSleep          time.Duration `yaml:"noGcSleep" env:"LFSGC_GC_NO_GC_SLEEP"`
	UrgentSleep        time.Duration `yaml:"urgentSleep" env:"LFSGC_GC_URGENT_SLEEP"`
	ReservedSections   int           `yaml:"reservedSections" env:"LFSGC_GC_RESERVED_SECTIONS"`
	UrgentFreeSections int           `yaml:"urgentFreeSections" env:"LFSGC_GC_URGENT_FREE_SECTIONS"`
	InvalidPercent     int           `yaml:"invalidPercent" env:"LFSGC_GC_INVALID_PERCENT"`
	MaxSkipRounds      int           `yaml:"maxSkipRounds" env:"LFSGC_GC_MAX_SKIP_ROUNDS"`
	ForegroundRetries  int           `yaml:"foregroundRetries" env:"LFSGC_GC_FOREGROUND_RETRIES"`
	ShrinkPasses       int           `yaml:"shrinkPasses" env:"LFSGC_GC_SHRINK_PASSES"`
}

type VictimConfig struct {
	Mode              string `yaml:"mode" env:"LFSGC_VICTIM_MODE"`
	MaxVictimSearch   int    `yaml:"maxVictimSearch" env:"LFSGC_VICTIM_MAX_SEARCH"`
	AgeThreshold      uint64 `yaml:"ageThreshold" env:"LFSGC_VICTIM_AGE_THRESHOLD"`
	AgeWeight         uint64 `yaml:"ageWeight" env:"LFSGC_VICTIM_AGE_WEIGHT"`
	CandidateRatio    int    `yaml:"candidateRatio" env:"LFSGC_VICTIM_CANDIDATE_RATIO"`
	MaxCandidateCount int    `yaml:"maxCandidateCount" env:"LFSGC_VICTIM_MAX_CANDIDATES"`
}

type CleanerConfig struct {
	BackgroundBlocksPerSec int           `yaml:"backgroundBlocksPerSec" env:"LFSGC_CLEANER_BG_BLOCKS_PER_SEC"`
	AllocRetryInitial      time.Duration `yaml:"allocRetryInitial" env:"LFSGC_CLEANER_ALLOC_RETRY_INITIAL"`
	AllocRetryMax          time.Duration `yaml:"allocRetryMax" env:"LFSGC_CLEANER_ALLOC_RETRY_MAX"`
	AllocRetries           int           `yaml:"allocRetries" env:"LFSGC_CLEANER_ALLOC_RETRIES"`
	PrefetchWorkers        int           `yaml:"prefetchWorkers" env:"LFSGC_CLEANER_PREFETCH_WORKERS"`
	PrefetchBatch          int           `yaml:"prefetchBatch" env:"LFSGC_CLEANER_PREFETCH_BATCH"`
}

type CheckpointConfig struct {
	Codec string `yaml:"codec" env:"LFSGC_CHECKPOINT_CODEC"`
	Dir   string `yaml:"dir" env:"LFSGC_CHECKPOINT_DIR"`
}

// WorkloadConfig drives the simulate command.
type WorkloadConfig struct {
	Seed       int64 `yaml:"seed" env:"LFSGC_WORKLOAD_SEED"`
	Files      int   `yaml:"files" env:"LFSGC_WORKLOAD_FILES"`
	Blocks     int   `yaml:"blocks" env:"LFSGC_WORKLOAD_BLOCKS"`
	Overwrites int   `yaml:"overwrites" env:"LFSGC_WORKLOAD_OVERWRITES"`
	Shrink     int   `yaml:"shrink" env:"LFSGC_WORKLOAD_SHRINK"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"LFSGC_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"LFSGC_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"LFSGC_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	v := victim.DefaultConfig()
	cl := cleaner.DefaultConfig()
	g := gc.DefaultConfig()
	return &Config{
		Geometry: segment.Geometry{
			BlocksPerSegment:   512,
			SegmentsPerSection: 1,
			Sections:           256,
		},
		GC: GCConfig{
			Victim: VictimConfig{
				Mode:              v.Mode.String(),
				MaxVictimSearch:   v.MaxVictimSearch,
				AgeThreshold:      v.AgeThreshold,
				AgeWeight:         v.AgeWeight,
				CandidateRatio:    v.CandidateRatio,
				MaxCandidateCount: v.MaxCandidateCount,
			},
			Cleaner: CleanerConfig{
				BackgroundBlocksPerSec: cl.BackgroundBlocksPerSec,
				AllocRetryInitial:      cl.AllocRetryInitial,
				AllocRetryMax:          cl.AllocRetryMax,
				AllocRetries:           cl.AllocRetries,
				PrefetchWorkers:        cl.PrefetchWorkers,
				PrefetchBatch:          cl.PrefetchBatch,
			},
			MinSleep:           g.MinSleep,
			MaxSleep:           g.MaxSleep,
			NoGCSleep:          g.NoGCSleep,
			UrgentSleep:        g.UrgentSleep,
			ReservedSections:   g.ReservedSections,
			UrgentFreeSections: g.UrgentFreeSections,
			InvalidPercent:     g.InvalidPercent,
			MaxSkipRounds:      g.MaxSkipRounds,
			ForegroundRetries:  g.ForegroundRetries,
			ShrinkPasses:       g.ShrinkPasses,
		},
		Checkpoint: CheckpointConfig{
			Codec: ckpt.CodecZstd.String(),
		},
		Workload: WorkloadConfig{
			Seed:       1,
			Files:      64,
			Blocks:     256,
			Overwrites: 100000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads a YAML config from path on top of the defaults, then applies
// environment overrides and validates the result. An empty path loads the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFromPath(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath decodes the YAML file at path into c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFromPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	g := c.Geometry
	if err := g.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := victim.ParseMode(c.GC.Victim.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.GC.Victim.AgeWeight > 100 {
		errs = append(errs, fmt.Errorf("gc.victim.ageWeight: %d exceeds 100", c.GC.Victim.AgeWeight))
	}
	if c.GC.MaxSleep < c.GC.MinSleep {
		errs = append(errs, fmt.Errorf("gc.maxSleep %s is below gc.minSleep %s", c.GC.MaxSleep, c.GC.MinSleep))
	}
	if c.GC.InvalidPercent < 0 || c.GC.InvalidPercent > 100 {
		errs = append(errs, fmt.Errorf("gc.invalidPercent: %d out of range", c.GC.InvalidPercent))
	}
	if c.GC.ReservedSections >= g.Sections && g.Sections > 0 {
		errs = append(errs, fmt.Errorf("gc.reservedSections: %d leaves no usable section", c.GC.ReservedSections))
	}
	if _, err := ckpt.ParseCodec(c.Checkpoint.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Workload.Shrink < 0 || (c.Workload.Shrink > 0 && c.Workload.Shrink >= g.Sections) {
		errs = append(errs, fmt.Errorf("workload.shrink: cannot remove %d of %d sections", c.Workload.Shrink, g.Sections))
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("observability.logFormat: unknown format %q", c.Observability.LogFormat))
	}
	return errors.Join(errs...)
}

// VictimConfig converts the victim section. Call after Validate.
func (c *Config) VictimConfig() victim.Config {
	mode, _ := victim.ParseMode(c.GC.Victim.Mode)
	return victim.Config{
		Mode:              mode,
		MaxVictimSearch:   c.GC.Victim.MaxVictimSearch,
		AgeThreshold:      c.GC.Victim.AgeThreshold,
		AgeWeight:         c.GC.Victim.AgeWeight,
		CandidateRatio:    c.GC.Victim.CandidateRatio,
		MaxCandidateCount: c.GC.Victim.MaxCandidateCount,
	}
}

// CleanerConfig converts the cleaner section.
func (c *Config) CleanerConfig() cleaner.Config {
	cfg := cleaner.DefaultConfig()
	cfg.BackgroundBlocksPerSec = c.GC.Cleaner.BackgroundBlocksPerSec
	cfg.AllocRetryInitial = c.GC.Cleaner.AllocRetryInitial
	cfg.AllocRetryMax = c.GC.Cleaner.AllocRetryMax
	cfg.AllocRetries = c.GC.Cleaner.AllocRetries
	cfg.PrefetchWorkers = c.GC.Cleaner.PrefetchWorkers
	cfg.PrefetchBatch = c.GC.Cleaner.PrefetchBatch
	return cfg
}

// CoordinatorConfig converts the scheduling settings.
func (c *Config) CoordinatorConfig() gc.Config {
	return gc.Config{
		MinSleep:           c.GC.MinSleep,
		MaxSleep:           c.GC.MaxSleep,
		NoGCSleep:          c.GC.NoGCSleep,
		UrgentSleep:        c.GC.UrgentSleep,
		ReservedSections:   c.GC.ReservedSections,
		UrgentFreeSections: c.GC.UrgentFreeSections,
		InvalidPercent:     c.GC.InvalidPercent,
		MaxSkipRounds:      c.GC.MaxSkipRounds,
		ForegroundRetries:  c.GC.ForegroundRetries,
		ShrinkPasses:       c.GC.ShrinkPasses,
	}
}

// CheckpointCodec returns the configured image codec. Call after Validate.
func (c *Config) CheckpointCodec() ckpt.Codec {
	codec, _ := ckpt.ParseCodec(c.Checkpoint.Codec)
	return codec
}

// ConfigureLogging installs the global logger described by the
// observability section. out may be nil for stderr.
func (c *Config) ConfigureLogging(out io.Writer) *logging.Logger {
	return logging.Configure(c.Observability.LogLevel, c.Observability.LogFormat, out)
}
