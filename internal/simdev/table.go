package simdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
)

type blockKey struct {
	owner uint64
	index uint64
}

type pointer struct {
	addr segment.Addr
	typ  segment.Type
}

// Table maps (owner, index) to the block's current address.
type Table struct {
	mu           sync.RWMutex
	ptrs         map[blockKey]pointer
	inconsistent map[uint64]bool
	typeOverride map[uint64]segment.Type

	indirectionPrefetches int
	ownerPrefetches       int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		ptrs:         make(map[blockKey]pointer),
		inconsistent: make(map[uint64]bool),
		typeOverride: make(map[uint64]segment.Type),
	}
}

// Swap points (owner, index) at addr and returns the address it replaced.
func (t *Table) Swap(owner, index uint64, typ segment.Type, addr segment.Addr) (segment.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := blockKey{owner, index}
	old, ok := t.ptrs[k]
	t.ptrs[k] = pointer{addr: addr, typ: typ}
	return old.addr, ok
}

// Lookup returns the current address of (owner, index).
func (t *Table) Lookup(owner, index uint64) (segment.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.ptrs[blockKey{owner, index}]
	return p.addr, ok
}

// Remove drops (owner, index).
func (t *Table) Remove(owner, index uint64) {
	t.mu.Lock()
	delete(t.ptrs, blockKey{owner, index})
	t.mu.Unlock()
}

// MarkInconsistent makes every resolution of owner report a metadata
// mismatch.
func (t *Table) MarkInconsistent(owner uint64) {
	t.mu.Lock()
	t.inconsistent[owner] = true
	t.mu.Unlock()
}

// OverrideType makes resolutions of owner report typ.
func (t *Table) OverrideType(owner uint64, typ segment.Type) {
	t.mu.Lock()
	t.typeOverride[owner] = typ
	t.mu.Unlock()
}

func (t *Table) PrefetchIndirection(_ context.Context, owners []uint64) error {
	t.mu.Lock()
	t.indirectionPrefetches += len(owners)
	t.mu.Unlock()
	return nil
}

func (t *Table) PrefetchOwners(_ context.Context, owners []uint64) error {
	t.mu.Lock()
	t.ownerPrefetches += len(owners)
	t.mu.Unlock()
	return nil
}

func (t *Table) ResolveOwner(_ context.Context, sum segment.Summary, typ segment.Type) (cleaner.OwnerRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.inconsistent[sum.Owner] {
		return cleaner.OwnerRecord{}, fmt.Errorf("%w: owner %d version mismatch", cleaner.ErrConsistency, sum.Owner)
	}
	p, ok := t.ptrs[blockKey{sum.Owner, sum.Index}]
	if !ok {
		return cleaner.OwnerRecord{}, fmt.Errorf("%w: owner %d index %d", cleaner.ErrOwnerGone, sum.Owner, sum.Index)
	}
	if o, ok := t.typeOverride[sum.Owner]; ok {
		p.typ = o
	}
	return cleaner.OwnerRecord{Summary: sum, Type: p.typ, Addr: p.addr}, nil
}

func (t *Table) UpdateOwnerAddress(_ context.Context, rec cleaner.OwnerRecord, to segment.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := blockKey{rec.Summary.Owner, rec.Summary.Index}
	p, ok := t.ptrs[k]
	if !ok {
		return fmt.Errorf("%w: owner %d index %d", cleaner.ErrOwnerGone, k.owner, k.index)
	}
	if p.addr != rec.Addr {
		return fmt.Errorf("%w: owner %d index %d moved from %d to %d",
			cleaner.ErrConsistency, k.owner, k.index, rec.Addr, p.addr)
	}
	p.addr = to
	t.ptrs[k] = p
	return nil
}

// Prefetches returns the number of owners prefetched at each stage.
func (t *Table) Prefetches() (indirection, owners int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indirectionPrefetches, t.ownerPrefetches
}
