package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/metrics"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Config tunes scheduling.
type Config struct {
	// MinSleep is the shortest background interval.
	// Default: 30s
	MinSleep time.Duration

	// MaxSleep is the longest background interval while work exists.
	// Default: 60s
	MaxSleep time.Duration

	// NoGCSleep is the interval after a wakeup that found no victim.
	// Default: 300s
	NoGCSleep time.Duration

	// UrgentSleep is the fixed interval under urgent pressure.
	// Default: 500ms
	UrgentSleep time.Duration

	// ReservedSections is the number of free sections foreground GC tries
	// to keep available.
	// Default: 2
	ReservedSections int

	// UrgentFreeSections switches the worker to urgent mode when free
	// sections drop to this count. Zero leaves urgent mode to SetUrgent.
	// Default: 1
	UrgentFreeSections int

	// InvalidPercent is the share of invalid user blocks above which the
	// worker shortens its interval.
	// Default: 40
	InvalidPercent int

	// MaxSkipRounds is the number of skipped foreground rounds tolerated
	// before escalating.
	// Default: 16
	MaxSkipRounds int

	// ForegroundRetries bounds how often foreground GC retries after
	// finding nothing to clean or escalating.
	// Default: 3
	ForegroundRetries int

	// ShrinkPasses is the number of forced passes over the tail before a
	// shrink gives up.
	// Default: 3
	ShrinkPasses int
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		MinSleep:           30 * time.Second,
		MaxSleep:           60 * time.Second,
		NoGCSleep:          300 * time.Second,
		UrgentSleep:        500 * time.Millisecond,
		ReservedSections:   2,
		UrgentFreeSections: 1,
		InvalidPercent:     40,
		MaxSkipRounds:      16,
		ForegroundRetries:  3,
		ShrinkPasses:       3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinSleep <= 0 {
		c.MinSleep = d.MinSleep
	}
	if c.MaxSleep < c.MinSleep {
		c.MaxSleep = max(d.MaxSleep, c.MinSleep)
	}
	if c.NoGCSleep <= 0 {
		c.NoGCSleep = d.NoGCSleep
	}
	if c.UrgentSleep <= 0 {
		c.UrgentSleep = d.UrgentSleep
	}
	if c.ReservedSections < 0 {
		c.ReservedSections = 0
	}
	if c.InvalidPercent <= 0 || c.InvalidPercent > 100 {
		c.InvalidPercent = d.InvalidPercent
	}
	if c.MaxSkipRounds <= 0 {
		c.MaxSkipRounds = d.MaxSkipRounds
	}
	if c.ForegroundRetries <= 0 {
		c.ForegroundRetries = d.ForegroundRetries
	}
	if c.ShrinkPasses <= 0 {
		c.ShrinkPasses = d.ShrinkPasses
	}
}

// Selector picks victims. *victim.Policy implements it.
type Selector interface {
	Select(req victim.Request) (victim.Victim, error)
	SetContinuation(t victim.GCType, seg segment.ID)
}

// SectionCleaner relocates the live blocks of a section. *cleaner.Cleaner
// implements it.
type SectionCleaner interface {
	CleanSection(ctx context.Context, start segment.ID, opts cleaner.Options) (cleaner.Result, error)
}

// Gate reports device and filesystem state to the background worker.
type Gate interface {
	// Idle reports whether no foreground I/O is in flight.
	Idle() bool
	// Frozen reports whether the filesystem is quiesced.
	Frozen() bool
}

// AtomicFlusher commits pending atomic-write transactions.
type AtomicFlusher interface {
	FlushAtomicWrites(ctx context.Context) error
}

// HeadMover moves open log heads out of sections at or beyond limit.
type HeadMover interface {
	MoveHeads(ctx context.Context, limit int) error
}

// Deps are the collaborators of a coordinator. Gate, Flusher, Heads,
// Logger and Metrics are optional.
type Deps struct {
	Store        *segment.Store
	Policy       Selector
	Cleaner      SectionCleaner
	Checkpointer cleaner.Checkpointer
	Gate         Gate
	Flusher      AtomicFlusher
	Heads        HeadMover
	Logger       *logging.Logger
	Metrics      *metrics.GCMetrics
}

// Control selects the behaviour of one GC call.
type Control struct {
	// Sync runs exactly one round.
	Sync bool
	// Background runs a background round: it does not wait for the GC
	// slot and marks its victim for re-offer.
	Background bool
	// Force moves blocks of pinned files.
	Force bool
	// StartSegment asks for the section holding this segment as the first
	// victim. Nil searches.
	StartSegment *segment.ID
}

// Result summarizes one GC call.
type Result struct {
	RoundID       string
	Rounds        int
	SegmentsFreed int
	SectionsFreed int
	BlocksMoved   int
	Skipped       int
	SkippedRounds int
	Checkpoints   int
	Escalations   int
}

// Coordinator serializes background GC, foreground GC and shrink.
type Coordinator struct {
	store    *segment.Store
	policy   Selector
	cleaner  SectionCleaner
	ckpt     cleaner.Checkpointer
	gate     Gate
	flusher  AtomicFlusher
	heads    HeadMover
	logger   *logging.Logger
	metrics  *metrics.GCMetrics
	cfg      Config
	sem      *semaphore.Weighted
	worker   worker
	urgentMu sync.Mutex
	urgent   bool
}

// New creates a coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Coordinator{
		store:   deps.Store,
		policy:  deps.Policy,
		cleaner: deps.Cleaner,
		ckpt:    deps.Checkpointer,
		gate:    deps.Gate,
		flusher: deps.Flusher,
		heads:   deps.Heads,
		logger:  logger.With(map[string]any{"component": "gc"}),
		metrics: deps.Metrics,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(1),
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// SetUrgent forces or releases urgent mode.
func (c *Coordinator) SetUrgent(v bool) {
	c.urgentMu.Lock()
	c.urgent = v
	c.urgentMu.Unlock()
}

// Urgent reports whether background rounds run in urgent mode, either
// forced with SetUrgent or because free sections ran low.
func (c *Coordinator) Urgent() bool {
	c.urgentMu.Lock()
	forced := c.urgent
	c.urgentMu.Unlock()
	if forced {
		return true
	}
	return c.cfg.UrgentFreeSections > 0 && c.store.Stats().FreeSections <= c.cfg.UrgentFreeSections
}

func (c *Coordinator) lowOnSpace() bool {
	return c.store.Stats().FreeSections < c.cfg.ReservedSections
}

// highInvalid reports whether invalid blocks exceed InvalidPercent of the
// user blocks.
func (c *Coordinator) highInvalid() bool {
	st := c.store.Stats()
	used := int64(st.Segments-st.FreeSegments) * int64(c.store.Geometry().BlocksPerSegment)
	invalid := used - st.ValidBlocks
	return invalid*100 > st.UserBlocks*int64(c.cfg.InvalidPercent)
}

// GC runs garbage collection. Foreground calls wait for the GC slot and
// keep cleaning until ReservedSections are free; background calls fail
// with ErrBusy when the slot is taken.
func (c *Coordinator) GC(ctx context.Context, ctl Control) (Result, error) {
	if ctl.Background {
		if !c.sem.TryAcquire(1) {
			return Result{}, ErrBusy
		}
	} else if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer c.sem.Release(1)
	return c.run(ctx, ctl, ctl.Background && c.Urgent())
}

// round is the per-call state of run.
type round struct {
	id      string
	gcType  victim.GCType
	res     Result
	retries int

	// reset on escalation
	rounds        int
	skippedRounds int
	atomicSkips   int
}

func (c *Coordinator) run(ctx context.Context, ctl Control, urgent bool) (Result, error) {
	r := &round{id: uuid.NewString(), gcType: victim.Foreground}
	if ctl.Background {
		r.gcType = victim.Background
	}
	r.res.RoundID = r.id
	ctx = logging.WithCorrelationIDCtx(ctx, r.id)
	log := logging.ContextLogger(ctx, c.logger)

	hint := segment.NullID
	if ctl.StartSegment != nil {
		hint = *ctl.StartSegment
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.res, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		if err := c.store.Fatal(); err != nil {
			return r.res, fmt.Errorf("%w: %v", ErrFatal, err)
		}

		low := c.lowOnSpace()
		if low && r.gcType == victim.Background {
			// Writers are about to block; finish their work instead.
			r.gcType = victim.Foreground
		}
		if low && c.store.Stats().PrefreeSegments > 0 && !c.store.CheckpointDisabled() {
			if err := c.checkpoint(ctx, r, cleaner.ReasonPrefree, log); err != nil {
				return r.res, err
			}
			low = c.lowOnSpace()
		}
		if r.res.Rounds > 0 && (ctl.Sync || !low) {
			break
		}

		v, err := c.policy.Select(victim.Request{
			GCType: r.gcType,
			Alloc:  victim.LFS,
			Hint:   hint,
			Urgent: urgent,
		})
		hint = segment.NullID
		if errors.Is(err, segment.ErrSegmentBusy) {
			return r.res, fmt.Errorf("gc: select: %w", err)
		}
		if err != nil {
			if !errors.Is(err, victim.ErrNoVictim) {
				return r.res, fmt.Errorf("gc: select: %w", err)
			}
			if r.res.Rounds == 0 {
				c.metrics.RecordRound(r.gcType.String(), metrics.OutcomeNoVictim, 0)
			}
			if ctl.Sync || r.gcType == victim.Background || !low {
				break
			}
			if err := c.retry(ctx, r, log); err != nil {
				return r.res, err
			}
			continue
		}

		cres, err := c.clean(ctx, r, v, ctl.Force, log)
		if err != nil {
			return r.res, err
		}
		if ctl.Sync || r.gcType == victim.Background {
			continue
		}
		if !cres.SectionFreed {
			r.skippedRounds++
		}
		if r.skippedRounds > c.cfg.MaxSkipRounds && r.skippedRounds*2 >= r.rounds {
			if err := c.escalate(ctx, r, log); err != nil {
				return r.res, err
			}
			if err := c.retry(ctx, r, log); err != nil {
				return r.res, err
			}
		}
	}

	if r.gcType == victim.Foreground && c.store.Stats().PrefreeSegments > 0 && !c.store.CheckpointDisabled() {
		if err := c.checkpoint(ctx, r, cleaner.ReasonPrefree, log); err != nil {
			return r.res, err
		}
	}
	return r.res, nil
}

// clean runs the cleaner on one victim and folds its result into r.
func (c *Coordinator) clean(ctx context.Context, r *round, v victim.Victim, force bool, log *logging.Logger) (cleaner.Result, error) {
	start := time.Now()
	cres, err := c.cleaner.CleanSection(ctx, v.Segment, cleaner.Options{
		GCType:  r.gcType,
		Force:   force,
		RoundID: r.id,
	})
	elapsed := time.Since(start).Seconds()

	r.rounds++
	r.res.Rounds++
	r.res.SegmentsFreed += cres.SegmentsFreed
	r.res.BlocksMoved += cres.BlocksMoved
	r.res.Skipped += cres.Skipped()
	r.atomicSkips += cres.SkippedAtomic
	if cres.SectionFreed {
		r.res.SectionsFreed++
	}
	if cres.Skipped() > 0 {
		r.res.SkippedRounds++
	}
	c.policy.SetContinuation(r.gcType, cres.Next)

	c.metrics.RecordReclaim(cres.SegmentsFreed, boolInt(cres.SectionFreed), cres.BlocksMoved)
	c.metrics.RecordSkipped("atomic", cres.SkippedAtomic)
	c.metrics.RecordSkipped("pinned", cres.SkippedPinned)
	c.metrics.RecordSkipped("lock", cres.SkippedLock)
	c.metrics.RecordSkipped("alloc", cres.AllocFailures)
	c.metrics.RecordSkipped("inconsistent", cres.Inconsistent)

	fields := map[string]any{
		"section":       v.Section,
		"mode":          v.Mode.String(),
		"cost":          v.Cost,
		"reoffered":     v.Reoffered,
		"segmentsFreed": cres.SegmentsFreed,
		"blocksMoved":   cres.BlocksMoved,
		"skipped":       cres.Skipped(),
		"durationMs":    elapsed * 1000,
	}
	if err != nil {
		c.metrics.RecordRound(r.gcType.String(), metrics.OutcomeError, elapsed)
		fields["error"] = err.Error()
		log.Warnf("cleaning round failed", fields)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cres, fmt.Errorf("%w: %v", ErrInterrupted, ctxErr)
		}
		if errors.Is(err, cleaner.ErrFatal) {
			return cres, err
		}
		return cres, fmt.Errorf("gc: clean section %d: %w", v.Section, err)
	}
	outcome := metrics.OutcomePartial
	if cres.SectionFreed {
		outcome = metrics.OutcomeFreed
	}
	c.metrics.RecordRound(r.gcType.String(), outcome, elapsed)
	log.Debugf("cleaning round finished", fields)
	return cres, nil
}

// retry consumes one foreground retry, failing with ErrNoSpace once the
// budget is spent.
func (c *Coordinator) retry(ctx context.Context, r *round, log *logging.Logger) error {
	r.retries++
	if r.retries > c.cfg.ForegroundRetries {
		st := c.store.Stats()
		log.Warnf("foreground gc gave up", map[string]any{
			"freeSections": st.FreeSections,
			"reserved":     c.cfg.ReservedSections,
			"retries":      r.retries - 1,
		})
		return fmt.Errorf("%w: %d free sections, %d reserved", ErrNoSpace, st.FreeSections, c.cfg.ReservedSections)
	}
	if c.store.Stats().PrefreeSegments > 0 && !c.store.CheckpointDisabled() {
		return c.checkpoint(ctx, r, cleaner.ReasonPrefree, log)
	}
	return nil
}

// escalate unblocks skipped rounds: pending atomic writes are flushed
// when they caused skips, otherwise a checkpoint is forced.
func (c *Coordinator) escalate(ctx context.Context, r *round, log *logging.Logger) error {
	fields := map[string]any{
		"rounds":        r.rounds,
		"skippedRounds": r.skippedRounds,
		"atomicSkips":   r.atomicSkips,
	}
	r.res.Escalations++
	switch {
	case r.atomicSkips > 0 && c.flusher != nil:
		fields["action"] = "flush_atomic"
		log.Infof("skip pressure, flushing atomic writes", fields)
		c.metrics.RecordEscalation("flush_atomic")
		if err := c.flusher.FlushAtomicWrites(ctx); err != nil {
			return fmt.Errorf("gc: flush atomic writes: %w", err)
		}
	case !c.store.CheckpointDisabled():
		fields["action"] = "checkpoint"
		log.Infof("skip pressure, forcing checkpoint", fields)
		c.metrics.RecordEscalation("checkpoint")
		if err := c.checkpoint(ctx, r, cleaner.ReasonStarvation, log); err != nil {
			return err
		}
	default:
		log.Warnf("skip pressure with checkpoints disabled", fields)
	}
	r.rounds, r.skippedRounds, r.atomicSkips = 0, 0, 0
	return nil
}

func (c *Coordinator) checkpoint(ctx context.Context, r *round, reason cleaner.Reason, log *logging.Logger) error {
	if c.ckpt == nil {
		return nil
	}
	if err := c.ckpt.WriteCheckpoint(ctx, reason); err != nil {
		log.Errorf("checkpoint failed", map[string]any{"reason": reason.String(), "error": err.Error()})
		return fmt.Errorf("gc: checkpoint (%s): %w", reason, err)
	}
	if r != nil {
		r.res.Checkpoints++
	}
	c.metrics.RecordCheckpoint(reason.String())
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
