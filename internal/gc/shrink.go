package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/logging"
	"github.com/dray-io/lfsgc/internal/metrics"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Shrink removes the last sections sections of the main area. Every live
// block in that range is moved first, pinned files included. Before each
// evacuation pass the kept range is given room: prefree segments are
// committed and, while that is not enough, its emptiest sections are
// cleaned. If any valid block remains the call fails with ErrShrinkFailed
// and the main area is left at its old size.
func (c *Coordinator) Shrink(ctx context.Context, sections int) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer c.sem.Release(1)

	geo := c.store.Geometry()
	if sections <= 0 || sections >= geo.Sections {
		return fmt.Errorf("%w: cannot remove %d of %d sections", segment.ErrInvalidGeometry, sections, geo.Sections)
	}
	keep := geo.Sections - sections

	id := uuid.NewString()
	ctx = logging.WithCorrelationIDCtx(ctx, id)
	log := logging.ContextLogger(ctx, c.logger).With(map[string]any{
		"sections": sections,
		"keep":     keep,
	})
	start := time.Now()

	oldLimit := c.store.AllocLimit()
	c.store.SetAllocLimit(keep)
	done := false
	defer func() {
		if !done {
			c.store.SetAllocLimit(oldLimit)
			c.metrics.RecordRound("shrink", metrics.OutcomeError, time.Since(start).Seconds())
		}
	}()

	if c.heads != nil {
		if err := c.heads.MoveHeads(ctx, keep); err != nil {
			return fmt.Errorf("%w: move log heads: %w", ErrShrinkFailed, err)
		}
	}

	tailValid := func() int {
		n := 0
		for sec := keep; sec < geo.Sections; sec++ {
			n += c.store.SectionValidBlocks(segment.SectionID(sec))
		}
		return n
	}

	moved := 0
	for pass := 0; pass < c.cfg.ShrinkPasses && tailValid() > 0; pass++ {
		n, err := c.makeRoom(ctx, keep, id, log)
		moved += n
		if err != nil {
			return fmt.Errorf("%w: %w", ErrShrinkFailed, err)
		}
		for sec := keep; sec < geo.Sections; sec++ {
			sid := segment.SectionID(sec)
			if c.store.SectionValidBlocks(sid) == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
			res, err := c.cleaner.CleanSection(ctx, geo.FirstSegment(sid), cleaner.Options{
				GCType:  victim.Foreground,
				Force:   true,
				RoundID: id,
			})
			moved += res.BlocksMoved
			c.metrics.RecordSkipped("atomic", res.SkippedAtomic)
			c.metrics.RecordSkipped("lock", res.SkippedLock)
			c.metrics.RecordSkipped("alloc", res.AllocFailures)
			if err != nil {
				log.Errorf("shrink evacuation failed", map[string]any{"section": sec, "error": err.Error()})
				return fmt.Errorf("%w: section %d: %w", ErrShrinkFailed, sec, err)
			}
		}
	}
	if n := tailValid(); n > 0 {
		log.Warnf("shrink left valid blocks behind", map[string]any{"validBlocks": n, "moved": moved})
		return fmt.Errorf("%w: %d valid blocks remain in the tail", ErrShrinkFailed, n)
	}

	if c.ckpt != nil {
		if err := c.ckpt.WriteCheckpoint(ctx, cleaner.ReasonResize); err != nil {
			return fmt.Errorf("%w: checkpoint: %w", ErrShrinkFailed, err)
		}
		c.metrics.RecordCheckpoint(cleaner.ReasonResize.String())
	}
	if err := c.store.Shrink(sections); err != nil {
		return fmt.Errorf("%w: %w", ErrShrinkFailed, err)
	}
	c.policy.SetContinuation(victim.Background, segment.NullID)
	c.policy.SetContinuation(victim.Foreground, segment.NullID)

	done = true
	c.metrics.RecordRound("shrink", metrics.OutcomeFreed, time.Since(start).Seconds())
	log.Infof("main area shrunk", map[string]any{
		"moved":      moved,
		"durationMs": time.Since(start).Milliseconds(),
	})
	return nil
}

// sectionsNeeded estimates the free sections the kept range must offer to
// take every live block of the tail. Each class is written to its own log,
// so classes are rounded up separately.
func (c *Coordinator) sectionsNeeded(keep int) int {
	geo := c.store.Geometry()
	perClass := make(map[segment.Class]int)
	for seg := geo.FirstSegment(segment.SectionID(keep)); int(seg) < geo.Segments(); seg++ {
		if n := c.store.ValidBlocks(seg, false); n > 0 {
			perClass[c.store.Class(seg)] += n
		}
	}
	per := geo.BlocksPerSection()
	need := 0
	for _, n := range perClass {
		need += (n + per - 1) / per
	}
	return need
}

// emptiestKept returns the kept section with the fewest valid blocks that
// still has reclaimable space and is neither open nor being cleaned.
func (c *Coordinator) emptiestKept(keep int) (segment.SectionID, bool) {
	per := c.store.Geometry().BlocksPerSection()
	best, bestValid := segment.SectionID(0), per
	for sec := 0; sec < keep; sec++ {
		sid := segment.SectionID(sec)
		if c.store.IsClaimed(sid) || c.store.IsCurrentSection(sid) {
			continue
		}
		if v := c.store.SectionValidBlocks(sid); v > 0 && v < bestValid {
			best, bestValid = sid, v
		}
	}
	return best, bestValid < per
}

// makeRoom frees space in the kept range for the evacuation of the tail.
// It returns the number of blocks it moved.
func (c *Coordinator) makeRoom(ctx context.Context, keep int, id string, log *logging.Logger) (int, error) {
	geo := c.store.Geometry()
	moved := 0
	for attempt := 0; attempt <= keep; attempt++ {
		if c.store.Stats().PrefreeSegments > 0 && !c.store.CheckpointDisabled() {
			if err := c.checkpoint(ctx, nil, cleaner.ReasonPrefree, log); err != nil {
				return moved, err
			}
		}
		need := c.sectionsNeeded(keep)
		if c.store.Stats().FreeSections >= need {
			return moved, nil
		}
		sec, ok := c.emptiestKept(keep)
		if !ok {
			return moved, nil
		}
		if err := ctx.Err(); err != nil {
			return moved, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		res, err := c.cleaner.CleanSection(ctx, geo.FirstSegment(sec), cleaner.Options{
			GCType:  victim.Foreground,
			Force:   true,
			RoundID: id,
		})
		moved += res.BlocksMoved
		c.metrics.RecordReclaim(res.SegmentsFreed, boolInt(res.SectionFreed), res.BlocksMoved)
		if err != nil {
			return moved, fmt.Errorf("compact section %d: %w", sec, err)
		}
		log.Debugf("compacted kept section", map[string]any{
			"section":     sec,
			"blocksMoved": res.BlocksMoved,
			"need":        need,
		})
		if !res.SectionFreed {
			return moved, nil
		}
	}
	return moved, nil
}
