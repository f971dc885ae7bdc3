package cleaner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Config tunes the cleaner.
type Config struct {
	// BackgroundBlocksPerSec paces block moves in background rounds.
	// Zero disables pacing.
	// Default: 0
	BackgroundBlocksPerSec int

	// AllocRetryInitial is the first backoff interval after a transient
	// allocation failure.
	// Default: 1ms
	AllocRetryInitial time.Duration

	// AllocRetryMax caps the backoff interval.
	// Default: 50ms
	AllocRetryMax time.Duration

	// AllocRetries is the number of retries before a block is skipped.
	// Default: 5
	AllocRetries int

	// PrefetchWorkers bounds concurrent prefetch batches.
	// Default: 4
	PrefetchWorkers int

	// PrefetchBatch is the number of owners per prefetch call.
	// Default: 64
	PrefetchBatch int

	// DataTemp is the temperature relocated data blocks are written at.
	// Default: cold
	DataTemp segment.Temp
}

// DefaultConfig returns the default cleaner configuration.
func DefaultConfig() Config {
	return Config{
		AllocRetryInitial: time.Millisecond,
		AllocRetryMax:     50 * time.Millisecond,
		AllocRetries:      5,
		PrefetchWorkers:   4,
		PrefetchBatch:     64,
		DataTemp:          segment.TempCold,
	}
}

// Deps are the collaborators of a cleaner.
type Deps struct {
	Table  AddressTable
	IO     BlockIO
	Alloc  Allocator
	Files  Files
	Logger *logging.Logger
}

// Options control one CleanSection call.
type Options struct {
	GCType victim.GCType

	// Force moves blocks of pinned files.
	Force bool

	// Segments limits how many segments of a multi-segment section are
	// cleaned by this call. Zero cleans to the end of the section.
	Segments int

	// RoundID correlates log lines of one round.
	RoundID string
}

// Result reports what one CleanSection call did.
type Result struct {
	Section       segment.SectionID
	Segments      int
	SegmentsFreed int
	SectionFreed  bool

	BlocksMoved   int
	SkippedAtomic int
	SkippedPinned int
	SkippedLock   int
	AllocFailures int
	Inconsistent  int
	Quarantined   int

	// Owners is the number of distinct owners the round resolved.
	Owners int
	// Moved lists the summaries of relocated blocks in move order.
	Moved []segment.Summary

	// Next is the segment to resume at when the section was only
	// partially processed, NullID otherwise.
	Next segment.ID
}

// Skipped returns the number of live blocks left in place.
func (r Result) Skipped() int {
	return r.SkippedAtomic + r.SkippedPinned + r.SkippedLock + r.AllocFailures + r.Inconsistent
}

// Cleaner relocates the live blocks of a victim section so the section
// can be reclaimed.
type Cleaner struct {
	store   *segment.Store
	table   AddressTable
	io      BlockIO
	alloc   Allocator
	files   Files
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger
}

// New creates a cleaner over store.
func New(store *segment.Store, deps Deps, cfg Config) *Cleaner {
	d := DefaultConfig()
	if cfg.AllocRetryInitial <= 0 {
		cfg.AllocRetryInitial = d.AllocRetryInitial
	}
	if cfg.AllocRetryMax <= 0 {
		cfg.AllocRetryMax = d.AllocRetryMax
	}
	if cfg.AllocRetries <= 0 {
		cfg.AllocRetries = d.AllocRetries
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = d.PrefetchWorkers
	}
	if cfg.PrefetchBatch <= 0 {
		cfg.PrefetchBatch = d.PrefetchBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Global()
	}
	c := &Cleaner{
		store:  store,
		table:  deps.Table,
		io:     deps.IO,
		alloc:  deps.Alloc,
		files:  deps.Files,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.BackgroundBlocksPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BackgroundBlocksPerSec), cfg.BackgroundBlocksPerSec)
	}
	return c
}

// CleanSection cleans the section containing start, beginning at start.
// The section is claimed for the duration of the call; a section that is
// already claimed or holds an open log head fails with
// segment.ErrSegmentBusy.
//
// Skipped blocks are not errors. Device failures abort with an *IOError;
// cancellation of ctx stops between segments.
func (c *Cleaner) CleanSection(ctx context.Context, start segment.ID, opts Options) (res Result, err error) {
	geo := c.store.Geometry()
	if int(start) >= geo.Segments() {
		return Result{}, fmt.Errorf("cleaner: segment %d out of range", start)
	}
	sec := geo.SectionOf(start)
	res = Result{Section: sec, Next: segment.NullID}
	if err := c.store.ClaimSection(sec); err != nil {
		return res, err
	}
	defer c.store.ReleaseSection(sec)

	round := newRound(c.files)
	defer func() {
		res.Owners = round.Owners()
		res.Moved = round.Moved()
		round.release()
	}()

	end := geo.FirstSegment(sec) + segment.ID(geo.SegmentsPerSection)
	stop := end
	if opts.Segments > 0 && start+segment.ID(opts.Segments) < end {
		stop = start + segment.ID(opts.Segments)
		res.Next = stop
	}

	log := logging.ContextLogger(ctx, c.logger).With(map[string]any{
		"roundId": opts.RoundID,
		"section": sec,
		"gcType":  opts.GCType.String(),
	})

	for seg := start; seg < stop; seg++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("cleaner: section %d: %w", sec, err)
		}
		if opts.GCType == victim.Foreground {
			if err := c.store.Fatal(); err != nil {
				return res, fmt.Errorf("%w: %v", ErrFatal, err)
			}
		}
		held := c.store.ValidBlocks(seg, false)
		if !c.store.IsSegmentInvalid(seg) {
			if err := c.cleanSegment(ctx, seg, round, opts, &res, log); err != nil {
				return res, err
			}
		}
		res.Segments++
		if held > 0 && c.store.ValidBlocks(seg, false) == 0 {
			res.SegmentsFreed++
		}
	}
	res.SectionFreed = c.store.SectionValidBlocks(sec) == 0
	return res, nil
}

// block is one valid block of the segment being cleaned.
type block struct {
	addr segment.Addr
	sum  segment.Summary
	rec  OwnerRecord
}

var errQuarantined = errors.New("cleaner: segment quarantined")

func (c *Cleaner) cleanSegment(ctx context.Context, seg segment.ID, round *Round, opts Options, res *Result, log *logging.Logger) error {
	geo := c.store.Geometry()
	class := c.store.Class(seg)
	offs := c.store.ValidOffsets(seg)
	if len(offs) == 0 {
		return nil
	}
	blocks := make([]block, 0, len(offs))
	for _, off := range offs {
		addr := geo.AddrOf(seg, off)
		blocks = append(blocks, block{addr: addr, sum: c.store.SummaryOf(addr)})
	}

	c.prefetch(ctx, blocks, log)

	live, err := c.verify(ctx, seg, class.Type, blocks, res, log)
	if errors.Is(err, errQuarantined) {
		res.Quarantined++
		return nil
	}
	if err != nil {
		return err
	}

	if class.Type == segment.TypeNode {
		for _, b := range live {
			if err := c.pace(ctx, opts); err != nil {
				return err
			}
			if err := c.moveNode(ctx, b, class.Temp, round, res, log); err != nil {
				return err
			}
		}
		return nil
	}
	return c.moveDataBlocks(ctx, live, round, opts, res, log)
}

// prefetch warms the indirection table, then the owner blocks. Failures
// only cost latency.
func (c *Cleaner) prefetch(ctx context.Context, blocks []block, log *logging.Logger) {
	owners := uniqueOwners(blocks)
	stages := []struct {
		name string
		fn   func(context.Context, []uint64) error
	}{
		{"indirection", c.table.PrefetchIndirection},
		{"owners", c.table.PrefetchOwners},
	}
	for _, st := range stages {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.PrefetchWorkers)
		for i := 0; i < len(owners); i += c.cfg.PrefetchBatch {
			batch := owners[i:min(i+c.cfg.PrefetchBatch, len(owners))]
			g.Go(func() error { return st.fn(gctx, batch) })
		}
		if err := g.Wait(); err != nil {
			log.Debugf("prefetch failed", map[string]any{"stage": st.name, "error": err.Error()})
		}
	}
}

func uniqueOwners(blocks []block) []uint64 {
	seen := make(map[uint64]struct{}, len(blocks))
	out := make([]uint64, 0, len(blocks))
	for _, b := range blocks {
		if _, ok := seen[b.sum.Owner]; ok {
			continue
		}
		seen[b.sum.Owner] = struct{}{}
		out = append(out, b.sum.Owner)
	}
	return out
}

// verify keeps the blocks that are still valid and still referenced by
// their owner.
func (c *Cleaner) verify(ctx context.Context, seg segment.ID, typ segment.Type, blocks []block, res *Result, log *logging.Logger) ([]block, error) {
	live := blocks[:0]
	for _, b := range blocks {
		if !c.store.IsBlockValid(b.addr) {
			continue
		}
		rec, err := c.table.ResolveOwner(ctx, b.sum, typ)
		switch {
		case errors.Is(err, ErrOwnerGone):
			continue
		case errors.Is(err, ErrConsistency):
			c.store.SetNeedFsck()
			res.Inconsistent++
			log.Warnf("owner metadata inconsistent", map[string]any{
				"addr":  b.addr,
				"owner": b.sum.Owner,
				"error": err.Error(),
			})
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("cleaner: segment %d: %w", seg, ctxErr)
			}
			return nil, &IOError{Op: "resolve", Addr: b.addr, Err: err}
		}
		if rec.Type != typ {
			c.store.MarkSegmentInvalid(seg)
			log.Errorf("summary type mismatch, segment quarantined", map[string]any{
				"segment":   seg,
				"want":      typ.String(),
				"got":       rec.Type.String(),
				"ownerAddr": rec.Addr,
			})
			return nil, errQuarantined
		}
		if rec.Addr != b.addr {
			continue
		}
		b.rec = rec
		live = append(live, b)
	}
	return live, nil
}

func (c *Cleaner) pace(ctx context.Context, opts Options) error {
	if c.limiter == nil || opts.GCType != victim.Background {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cleaner: pacing: %w", err)
	}
	return nil
}

func (c *Cleaner) moveNode(ctx context.Context, b block, temp segment.Temp, round *Round, res *Result, log *logging.Logger) error {
	err := c.relocate(ctx, b, segment.TypeNode, temp, log)
	return c.account(err, b, round, res, log)
}

// moveDataBlocks groups live data blocks by owner, reads each group ahead
// and then moves it under the owner's move lock.
func (c *Cleaner) moveDataBlocks(ctx context.Context, live []block, round *Round, opts Options, res *Result, log *logging.Logger) error {
	var order []uint64
	groups := make(map[uint64][]block)
	for _, b := range live {
		if _, ok := groups[b.sum.Owner]; !ok {
			order = append(order, b.sum.Owner)
		}
		groups[b.sum.Owner] = append(groups[b.sum.Owner], b)
	}

	files := make(map[uint64]File, len(order))
	for _, owner := range order {
		f, err := round.open(ctx, owner)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("cleaner: open owner %d: %w", owner, ctxErr)
			}
			log.Debugf("owner not openable", map[string]any{"owner": owner, "error": err.Error()})
			continue
		}
		if !c.readAhead(ctx, f, groups[owner], log) {
			res.SkippedLock += len(groups[owner])
			continue
		}
		files[owner] = f
	}

	for _, owner := range order {
		f, ok := files[owner]
		if !ok {
			continue
		}
		for _, b := range groups[owner] {
			if err := c.pace(ctx, opts); err != nil {
				return err
			}
			err := c.moveData(ctx, f, b, opts, res, log)
			if err := c.account(err, b, round, res, log); err != nil {
				return err
			}
		}
	}
	return nil
}

// readAhead prefetches the contents of group under the owner's read-ahead
// lock. It returns false if the lock is held elsewhere.
func (c *Cleaner) readAhead(ctx context.Context, f File, group []block, log *logging.Logger) bool {
	if !f.TryLockReadAhead() {
		return false
	}
	defer f.UnlockReadAhead()

	addrs := make([]segment.Addr, len(group))
	for i, b := range group {
		addrs[i] = b.addr
	}
	if err := c.io.ReadAhead(ctx, addrs); err != nil {
		log.Debugf("read-ahead failed", map[string]any{"owner": f.Owner(), "error": err.Error()})
	}
	return true
}

// moveData relocates one data block. Atomic and pinned owners are
// skipped with ErrNotRelocatable.
func (c *Cleaner) moveData(ctx context.Context, f File, b block, opts Options, res *Result, log *logging.Logger) error {
	if f.IsAtomic() {
		res.SkippedAtomic++
		return fmt.Errorf("%w: owner %d in atomic write", ErrNotRelocatable, f.Owner())
	}
	if f.IsPinned() && !opts.Force {
		res.SkippedPinned++
		return fmt.Errorf("%w: owner %d pinned", ErrNotRelocatable, f.Owner())
	}
	if !f.TryLockMove() {
		res.SkippedLock++
		return errLockBusy
	}
	defer f.UnlockMove()

	if !c.store.IsBlockValid(b.addr) {
		return errStale
	}
	if f.NeedsRawMove() {
		return c.relocate(ctx, b, segment.TypeData, c.cfg.DataTemp, log)
	}
	if err := f.Resubmit(ctx, b.sum.Index); err != nil {
		if errors.Is(err, ErrAllocTransient) || errors.Is(err, ErrNotRelocatable) {
			return err
		}
		return &IOError{Op: "resubmit", Addr: b.addr, Err: err}
	}
	return nil
}

var (
	errLockBusy = errors.New("cleaner: owner lock busy")
	errStale    = errors.New("cleaner: block no longer valid")
)

// account turns a per-block outcome into counters. Only errors that must
// abort the round are returned.
func (c *Cleaner) account(err error, b block, round *Round, res *Result, log *logging.Logger) error {
	switch {
	case err == nil:
		res.BlocksMoved++
		round.record(b.sum)
		return nil
	case errors.Is(err, errLockBusy), errors.Is(err, errStale), errors.Is(err, ErrNotRelocatable):
		return nil
	case errors.Is(err, ErrAllocTransient):
		res.AllocFailures++
		log.Warnf("no destination for block", map[string]any{"addr": b.addr, "error": err.Error()})
		return nil
	default:
		return err
	}
}

// relocate copies a block to a freshly allocated address, moves its
// validity in the store and repoints the owner last. If the owner cannot
// be repointed the store move is undone, so the owner never references an
// invalid block.
func (c *Cleaner) relocate(ctx context.Context, b block, typ segment.Type, temp segment.Temp, log *logging.Logger) error {
	data, err := c.io.Read(ctx, b.addr)
	if err != nil {
		return &IOError{Op: "read", Addr: b.addr, Err: err}
	}
	to, err := c.allocate(ctx, typ, temp)
	if err != nil {
		return err
	}
	if err := c.io.Write(ctx, to, data); err != nil {
		return &IOError{Op: "write", Addr: to, Err: err}
	}
	if err := c.store.Relocate(b.addr, to); err != nil {
		return errStale
	}
	if err := c.table.UpdateOwnerAddress(ctx, b.rec, to); err != nil {
		if errors.Is(err, ErrOwnerGone) || errors.Is(err, ErrConsistency) {
			// The owner moved on while the copy was in flight.
			c.store.MarkBlockInvalid(to)
			return errStale
		}
		if rbErr := c.store.Relocate(to, b.addr); rbErr != nil {
			log.Errorf("rollback of relocation failed", map[string]any{
				"from":  b.addr,
				"to":    to,
				"error": rbErr.Error(),
			})
			c.store.SetNeedFsck()
		}
		return fmt.Errorf("cleaner: update owner %d: %w", b.sum.Owner, err)
	}
	return nil
}

// allocate retries transient allocation failures with exponential
// backoff. Other errors are returned at once.
func (c *Cleaner) allocate(ctx context.Context, typ segment.Type, temp segment.Temp) (segment.Addr, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.AllocRetryInitial
	eb.MaxInterval = c.cfg.AllocRetryMax
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.AllocRetries)), ctx)

	var addr segment.Addr
	err := backoff.Retry(func() error {
		a, err := c.alloc.AllocateForRelocation(ctx, typ, temp)
		if err != nil {
			if errors.Is(err, ErrAllocTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		addr = a
		return nil
	}, b)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return segment.NullAddr, fmt.Errorf("cleaner: allocate: %w", ctxErr)
		}
		return segment.NullAddr, err
	}
	return addr, nil
}
