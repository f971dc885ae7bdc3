package simdev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Allocator appends blocks to the open log head of each class. When no
// free segment is left it falls back to slot reuse in a dirty segment
// chosen by the victim policy.
type Allocator struct {
	store  *segment.Store
	policy *victim.Policy

	mu        sync.Mutex
	next      [segment.NumClasses]int
	failNext  int
	ssrAllocs int
}

// NewAllocator creates an allocator. policy may be nil to disable slot
// reuse.
func NewAllocator(store *segment.Store, policy *victim.Policy) *Allocator {
	return &Allocator{store: store, policy: policy}
}

// Allocate returns a free address in the log of class c.
func (a *Allocator) Allocate(_ context.Context, c segment.Class) (segment.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failNext > 0 {
		a.failNext--
		return segment.NullAddr, fmt.Errorf("%w: injected", cleaner.ErrAllocTransient)
	}

	geo := a.store.Geometry()
	i := c.Index()
	if cur := a.store.Current(c); cur != segment.NullID {
		if off, ok := a.store.NextFreeSlot(cur, a.next[i]); ok {
			a.next[i] = off + 1
			return geo.AddrOf(cur, off), nil
		}
	}

	seg, err := a.store.AllocateSegment(c)
	if err == nil {
		a.store.SetCurrent(c, seg)
		a.next[i] = 1
		return geo.AddrOf(seg, 0), nil
	}
	if errors.Is(err, segment.ErrNoFreeSegment) && a.policy != nil {
		v, serr := a.policy.Select(victim.Request{
			GCType: victim.Foreground,
			Alloc:  victim.SSR,
			Class:  c,
			Hint:   segment.NullID,
		})
		if serr == nil && int(geo.SectionOf(v.Segment)) < a.store.AllocLimit() {
			if off, ok := a.store.NextFreeSlot(v.Segment, 0); ok {
				a.store.SetCurrent(c, v.Segment)
				a.next[i] = off + 1
				a.ssrAllocs++
				return geo.AddrOf(v.Segment, off), nil
			}
		}
	}
	return segment.NullAddr, fmt.Errorf("%w: class %s: %v", cleaner.ErrAllocTransient, c, err)
}

// AllocateForRelocation implements cleaner.Allocator.
func (a *Allocator) AllocateForRelocation(ctx context.Context, typ segment.Type, temp segment.Temp) (segment.Addr, error) {
	return a.Allocate(ctx, segment.Class{Type: typ, Temp: temp})
}

// MoveHeads closes every log head that lies in a section at or beyond
// limit, so the tail of the main area can be evacuated.
func (a *Allocator) MoveHeads(_ context.Context, limit int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	geo := a.store.Geometry()
	for _, c := range segment.AllClasses() {
		cur := a.store.Current(c)
		if cur == segment.NullID || int(geo.SectionOf(cur)) < limit {
			continue
		}
		a.store.SetCurrent(c, segment.NullID)
		a.next[c.Index()] = 0
	}
	return nil
}

// CloseHeads closes every log head.
func (a *Allocator) CloseHeads() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range segment.AllClasses() {
		a.store.SetCurrent(c, segment.NullID)
		a.next[c.Index()] = 0
	}
}

// FailNext makes the next n allocations fail transiently.
func (a *Allocator) FailNext(n int) {
	a.mu.Lock()
	a.failNext = n
	a.mu.Unlock()
}

// SlotReuses returns how many allocations fell back to slot reuse.
func (a *Allocator) SlotReuses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ssrAllocs
}
