package victim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dray-io/lfsgc/internal/segment"
)

// cursor slots: one per LFS cost model plus one per SSR flavor.
const (
	cursorGreedy = iota
	cursorCostBenefit
	cursorAgeThreshold
	cursorSSR
	cursorAgeSSR
	numCursors
)

// Cursors is the persisted round-robin position of every scan.
type Cursors [numCursors]segment.ID

// Policy selects cleaning victims from a segment store. Calls are
// serialized; the store is read without holding any store lock across
// the scan.
type Policy struct {
	store *segment.Store

	mu     sync.Mutex
	cfg    Config
	cursor Cursors
	next   [2]segment.ID // by GCType
	index  *AgeIndex
}

// New creates a policy over store.
func New(store *segment.Store, cfg Config) *Policy {
	cfg.applyDefaults()
	return &Policy{
		store: store,
		cfg:   cfg,
		next:  [2]segment.ID{segment.NullID, segment.NullID},
		index: NewAgeIndex(),
	}
}

// Config returns the active tuning.
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetMode changes the background cost model.
func (p *Policy) SetMode(m Mode) {
	p.mu.Lock()
	p.cfg.Mode = m
	p.mu.Unlock()
}

// Cursors returns the scan cursors for persistence.
func (p *Policy) Cursors() Cursors {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// RestoreCursors reinstates persisted cursors. Positions past the end of
// the main area are reset to zero.
func (p *Policy) RestoreCursors(c Cursors) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := segment.ID(p.store.Geometry().Segments())
	for i, v := range c {
		if v >= total {
			v = 0
		}
		p.cursor[i] = v
	}
}

// SetContinuation records where cleaning of a multi-segment section
// stopped so the next LFS selection of type t resumes there.
func (p *Policy) SetContinuation(t GCType, seg segment.ID) {
	p.mu.Lock()
	p.next[t] = seg
	p.mu.Unlock()
}

// Continuation returns the pending mid-section segment for t.
func (p *Policy) Continuation(t GCType) segment.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next[t]
}

// Select returns one victim for req or ErrNoVictim.
func (p *Policy) Select(req Request) (Victim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	geo := p.store.Geometry()
	if req.Hint != segment.NullID {
		return p.selectHint(req, geo)
	}
	if req.Alloc == LFS {
		if v, ok := p.continuation(req, geo); ok {
			return v, nil
		}
		if v, ok := p.reoffer(geo); ok {
			return v, nil
		}
	}

	sel := p.newSelection(req, geo)
	v, err := p.scan(&sel)
	if errors.Is(err, ErrNoVictim) && sel.mode == AgeThreshold && sel.threshold > 0 {
		// Nothing old enough: rescan the same window with every age
		// admitted.
		sel.threshold = 0
		p.cursor[sel.slot] = sel.start
		v, err = p.scan(&sel)
		v.Retried = true
	}
	if err != nil {
		return Victim{}, err
	}
	if req.Alloc == LFS && req.GCType == Background {
		p.store.MarkVictim(v.Section)
	}
	return v, nil
}

func (p *Policy) selectHint(req Request, geo segment.Geometry) (Victim, error) {
	if int(req.Hint) >= geo.Segments() {
		return Victim{}, fmt.Errorf("%w: segment %d out of range", ErrNoVictim, req.Hint)
	}
	sec := geo.SectionOf(req.Hint)
	if p.store.IsClaimed(sec) || p.store.IsCurrentSection(sec) {
		return Victim{}, fmt.Errorf("%w: segment %d", segment.ErrSegmentBusy, req.Hint)
	}
	if req.Alloc != LFS {
		valid := p.store.ValidBlocks(req.Hint, true)
		if valid == 0 {
			return Victim{}, fmt.Errorf("%w: segment %d has no valid blocks", ErrNoVictim, req.Hint)
		}
		return Victim{Segment: req.Hint, Section: sec, Mode: Greedy, Cost: uint64(p.store.CkptValidBlocks(req.Hint))}, nil
	}
	valid := p.store.SectionValidBlocks(sec)
	if valid == 0 {
		return Victim{}, fmt.Errorf("%w: section %d has no valid blocks", ErrNoVictim, sec)
	}
	return Victim{Segment: geo.FirstSegment(sec), Section: sec, Mode: Greedy, Cost: uint64(valid)}, nil
}

// continuation resumes a partially cleaned multi-segment section.
func (p *Policy) continuation(req Request, geo segment.Geometry) (Victim, bool) {
	seg := p.next[req.GCType]
	if seg == segment.NullID {
		return Victim{}, false
	}
	p.next[req.GCType] = segment.NullID
	if int(seg) >= geo.Segments() {
		return Victim{}, false
	}
	sec := geo.SectionOf(seg)
	if !p.usableSection(sec) {
		return Victim{}, false
	}
	return Victim{
		Segment:   seg,
		Section:   sec,
		Mode:      Greedy,
		Cost:      uint64(p.store.SectionValidBlocks(sec)),
		Reoffered: true,
	}, true
}

// reoffer hands out a section left in the victim bitmap by an earlier
// background pass. The bit is taken so a section that still cannot be
// finished falls back to the regular scan.
func (p *Policy) reoffer(geo segment.Geometry) (Victim, bool) {
	for sec, ok := p.store.NextVictim(0); ok; sec, ok = p.store.NextVictim(sec + 1) {
		if !p.usableSection(sec) {
			continue
		}
		p.store.ClearVictim(sec)
		return Victim{
			Segment:   geo.FirstSegment(sec),
			Section:   sec,
			Mode:      Greedy,
			Cost:      uint64(p.store.SectionValidBlocks(sec)),
			Reoffered: true,
		}, true
	}
	return Victim{}, false
}

func (p *Policy) usableSection(sec segment.SectionID) bool {
	return p.store.SectionValidBlocks(sec) > 0 &&
		!p.store.IsClaimed(sec) &&
		!p.store.IsCurrentSection(sec)
}

// selection is the per-call scan state.
type selection struct {
	req       Request
	mode      Mode
	slot      int
	class     *segment.Class
	unit      int
	maxSearch int
	start     segment.ID
	threshold uint64
	ckptOff   bool

	// mtime window, widened as candidates are seen
	minMtime, maxMtime uint64

	best     segment.ID
	bestCost uint64
	bestAge  uint64
	searched int
}

func (p *Policy) newSelection(req Request, geo segment.Geometry) selection {
	sel := selection{
		req:      req,
		best:     segment.NullID,
		bestCost: ^uint64(0),
		ckptOff:  p.store.CheckpointDisabled(),
	}
	switch req.Alloc {
	case SSR, AgeSSR:
		c := req.Class
		sel.class = &c
		sel.unit = 1
		sel.maxSearch = p.store.DirtyCount(c)
		sel.mode = Greedy
		sel.slot = cursorSSR
		if req.Alloc == AgeSSR {
			sel.mode = AgeThreshold
			sel.slot = cursorAgeSSR
		}
	default:
		sel.unit = geo.SegmentsPerSection
		sel.maxSearch = p.store.AllDirtyCount()
		sel.mode = p.cfg.Mode
		if req.GCType == Foreground || req.Urgent {
			sel.mode = Greedy
		}
		switch sel.mode {
		case CostBenefit:
			sel.slot = cursorCostBenefit
		case AgeThreshold:
			sel.slot = cursorAgeThreshold
			sel.threshold = p.cfg.AgeThreshold
		default:
			sel.slot = cursorGreedy
		}
	}
	if req.GCType == Background && !req.Urgent && !req.Unbounded && sel.maxSearch > p.cfg.MaxVictimSearch {
		sel.maxSearch = p.cfg.MaxVictimSearch
	}
	sel.start = p.cursor[sel.slot]
	if sel.unit > 1 {
		sel.start -= sel.start % segment.ID(sel.unit)
	}
	sel.minMtime, sel.maxMtime = p.store.MtimeBounds()
	return sel
}

func (sel *selection) reset() {
	sel.best = segment.NullID
	sel.bestCost = ^uint64(0)
	sel.bestAge = 0
	sel.searched = 0
}

// scan walks the dirty bitmap from the cursor to the end, wraps to zero
// and stops at the cursor or after maxSearch candidates.
func (p *Policy) scan(sel *selection) (Victim, error) {
	sel.reset()
	p.index.Reset()
	defer p.index.Reset()

	geo := p.store.Geometry()
	total := segment.ID(geo.Segments())
	unit := segment.ID(sel.unit)
	if total == 0 || sel.maxSearch <= 0 {
		return Victim{}, ErrNoVictim
	}

	start := sel.start
	if start >= total {
		start = 0
	}
	offset, end := start, total
	wrapped := false
	last := segment.NullID

	for {
		seg, ok := p.store.NextDirty(sel.class, offset)
		if !ok || seg >= end {
			if !wrapped && start > 0 {
				wrapped = true
				offset, end = 0, start
				continue
			}
			break
		}
		seg -= seg % unit
		offset = seg + unit
		last = seg
		sel.searched++

		p.consider(sel, seg, geo)

		if sel.searched >= sel.maxSearch {
			break
		}
	}
	if last != segment.NullID {
		p.cursor[sel.slot] = (last + unit) % total
	}

	switch {
	case sel.req.Alloc == AgeSSR:
		p.lookupAgeSSR(sel, geo)
	case sel.mode == AgeThreshold:
		p.lookupAge(sel, geo)
	}
	if sel.best == segment.NullID {
		return Victim{Searched: sel.searched}, ErrNoVictim
	}
	return Victim{
		Segment:  sel.best,
		Section:  geo.SectionOf(sel.best),
		Mode:     sel.mode,
		Cost:     sel.bestCost,
		Age:      sel.bestAge,
		Searched: sel.searched,
	}, nil
}

// consider applies the skip rules to one candidate and either scores it
// or inserts it into the age index.
func (p *Policy) consider(sel *selection, seg segment.ID, geo segment.Geometry) {
	sec := geo.SectionOf(seg)
	if p.store.IsClaimed(sec) || p.store.IsCurrentSection(sec) || p.store.IsSegmentInvalid(seg) {
		return
	}

	if sel.req.Alloc != LFS {
		if p.store.ValidBlocks(seg, true) == 0 {
			return
		}
		if sel.ckptOff && !p.store.HasFreeSlot(seg) {
			return
		}
		if sel.req.Alloc == AgeSSR {
			p.index.Insert(Candidate{Segment: seg, Mtime: p.store.Mtime(seg)})
			return
		}
		sel.offer(seg, uint64(p.store.CkptValidBlocks(seg)), 0)
		return
	}

	valid := p.store.SectionValidBlocks(sec)
	if valid == 0 {
		return
	}
	if sel.req.GCType == Background && p.store.IsVictim(sec) {
		return
	}
	if sel.ckptOff && p.store.SectionCkptValidBlocks(sec) > 0 {
		return
	}

	switch sel.mode {
	case Greedy:
		sel.offer(seg, uint64(valid), 0)
	case CostBenefit:
		mtime := p.store.SectionMtime(sec)
		sel.widen(mtime)
		u := Utilization(valid, geo.BlocksPerSection())
		age := NormalizedAge(mtime, sel.minMtime, sel.maxMtime)
		sel.offer(seg, CostBenefitCost(u, age), age)
	case AgeThreshold:
		mtime := p.store.SectionMtime(sec)
		sel.widen(mtime)
		if sel.maxMtime-mtime < sel.threshold {
			return
		}
		p.index.Insert(Candidate{Segment: seg, Mtime: mtime})
	}
}

func (sel *selection) widen(mtime uint64) {
	if mtime == 0 {
		return
	}
	if sel.minMtime == 0 || mtime < sel.minMtime {
		sel.minMtime = mtime
	}
	if mtime > sel.maxMtime {
		sel.maxMtime = mtime
	}
}

// offer keeps the first lowest-cost candidate.
func (sel *selection) offer(seg segment.ID, cost, age uint64) {
	if cost < sel.bestCost {
		sel.best, sel.bestCost, sel.bestAge = seg, cost, age
	}
}

func (p *Policy) dirtyThreshold() int {
	n := p.cfg.CandidateRatio * p.index.Len() / 100
	if n < p.cfg.MaxCandidateCount {
		n = p.cfg.MaxCandidateCount
	}
	return n
}

// lookupAge ranks age-threshold candidates oldest first.
func (p *Policy) lookupAge(sel *selection, geo segment.Geometry) {
	if p.index.Len() == 0 {
		return
	}
	score, ok := newAgeScore(sel.minMtime, sel.maxMtime, p.cfg.AgeWeight)
	if !ok {
		return
	}
	capacity := geo.BlocksPerSection()
	budget := p.dirtyThreshold()
	p.index.Ascend(func(c Candidate) bool {
		if budget == 0 {
			return false
		}
		budget--
		if !score.inWindow(c.Mtime) || sel.maxMtime-c.Mtime < sel.threshold {
			return true
		}
		valid := p.store.SectionValidBlocks(geo.SectionOf(c.Segment))
		if valid == 0 || valid >= capacity {
			return true
		}
		cost, age := score.cost(c.Mtime, valid, capacity)
		if cost < sel.bestCost || (cost == sel.bestCost && age > sel.bestAge) {
			sel.best, sel.bestCost, sel.bestAge = c.Segment, cost, age
		}
		return true
	})
}

// lookupAgeSSR searches outward from the source mtime, older candidates
// first, for the target with the fewest checkpointed blocks. Ties go to
// the candidate closest in age.
func (p *Policy) lookupAgeSSR(sel *selection, geo segment.Geometry) {
	if p.index.Len() == 0 {
		return
	}
	pivot := sel.req.SourceMtime
	bps := geo.BlocksPerSegment
	bestProximity := uint64(0)

	visit := func(budget *int) func(Candidate) bool {
		return func(c Candidate) bool {
			if *budget == 0 {
				return false
			}
			*budget--
			ckpt := p.store.CkptValidBlocks(c.Segment)
			if ckpt >= bps {
				return true
			}
			var dist uint64
			if c.Mtime > pivot {
				dist = c.Mtime - pivot
			} else {
				dist = pivot - c.Mtime
			}
			proximity := ^uint64(0) - dist
			cost := uint64(ckpt)
			if cost < sel.bestCost || (cost == sel.bestCost && proximity > bestProximity) {
				sel.best, sel.bestCost, sel.bestAge = c.Segment, cost, dist
				bestProximity = proximity
			}
			return true
		}
	}

	older := p.dirtyThreshold()
	p.index.Older(pivot, visit(&older))
	newer := p.dirtyThreshold()
	p.index.Newer(pivot, visit(&newer))
}
