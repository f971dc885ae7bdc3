package cleaner

import (
	"context"

	"github.com/dray-io/lfsgc/internal/segment"
)

// Reason says why a checkpoint was requested.
type Reason int

const (
	// ReasonStarvation is used when rounds keep skipping blocks held by
	// in-flight writers.
	ReasonStarvation Reason = iota
	// ReasonPrefree is used to turn prefree segments into free ones.
	ReasonPrefree
	// ReasonResize is used after the tail of the main area was evacuated.
	ReasonResize
	// ReasonSync is used by explicit sync requests.
	ReasonSync
)

func (r Reason) String() string {
	switch r {
	case ReasonStarvation:
		return "starvation"
	case ReasonPrefree:
		return "prefree"
	case ReasonResize:
		return "resize"
	case ReasonSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Checkpointer persists a consistent snapshot. A successful checkpoint
// commits the segment store, turning prefree segments into free ones.
type Checkpointer interface {
	WriteCheckpoint(ctx context.Context, reason Reason) error
}

// Allocator hands out destination addresses for relocated blocks. It
// returns an error wrapping ErrAllocTransient when space may become
// available shortly.
type Allocator interface {
	AllocateForRelocation(ctx context.Context, typ segment.Type, temp segment.Temp) (segment.Addr, error)
}

// OwnerRecord is the owner metadata that currently references a block.
type OwnerRecord struct {
	Summary segment.Summary
	Type    segment.Type
	// Addr is the address the owner points at right now.
	Addr segment.Addr
}

// AddressTable resolves and updates the owner pointers of blocks.
type AddressTable interface {
	// PrefetchIndirection warms the owner-id to location mapping.
	PrefetchIndirection(ctx context.Context, owners []uint64) error
	// PrefetchOwners warms the owner metadata blocks themselves.
	PrefetchOwners(ctx context.Context, owners []uint64) error
	// ResolveOwner returns the owner record for a summary. It returns an
	// error wrapping ErrOwnerGone if the owner no longer exists and
	// ErrConsistency if the owner metadata contradicts the summary.
	ResolveOwner(ctx context.Context, sum segment.Summary, typ segment.Type) (OwnerRecord, error)
	// UpdateOwnerAddress points the owner at the block's new address.
	UpdateOwnerAddress(ctx context.Context, rec OwnerRecord, to segment.Addr) error
}

// BlockIO reads and writes raw blocks.
type BlockIO interface {
	Read(ctx context.Context, addr segment.Addr) ([]byte, error)
	ReadAhead(ctx context.Context, addrs []segment.Addr) error
	Write(ctx context.Context, addr segment.Addr, data []byte) error
}

// File is an open data owner.
//
// The read-ahead lock is held only while a group's contents are
// prefetched and is released before the move lock is taken. Both are only
// ever try-locked by the cleaner.
type File interface {
	Owner() uint64

	TryLockReadAhead() bool
	UnlockReadAhead()
	TryLockMove() bool
	UnlockMove()

	// IsAtomic reports an open atomic-write transaction.
	IsAtomic() bool
	// IsPinned reports a file whose blocks must stay in place.
	IsPinned() bool
	// NeedsRawMove reports post-read transforms (encryption, compression)
	// that forbid moving the block through the page cache.
	NeedsRawMove() bool

	// Resubmit rewrites block index through the file's normal write path.
	Resubmit(ctx context.Context, index uint64) error
}

// Files opens data owners. Every file returned by Open is handed back
// through Release exactly once.
type Files interface {
	Open(ctx context.Context, owner uint64) (File, error)
	Release(f File)
}
