package simdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// nodeBit separates node owner ids from file ids.
const nodeBit = uint64(1) << 63

// NodeOwner returns the owner id of the node block of file owner.
func NodeOwner(owner uint64) uint64 {
	return owner | nodeBit
}

// Clock is a logical write clock.
type Clock struct {
	now atomic.Uint64
}

// Now returns the current time, starting at 1.
func (c *Clock) Now() uint64 {
	if t := c.now.Load(); t > 0 {
		return t
	}
	c.now.CompareAndSwap(0, 1)
	return c.now.Load()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d uint64) uint64 {
	c.Now()
	return c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t uint64) {
	c.now.Store(t)
}

// File is a simulated data owner.
type File struct {
	fs    *FS
	owner uint64
	temp  segment.Temp

	readAhead sync.RWMutex
	move      sync.RWMutex

	atomic atomic.Bool
	pinned atomic.Bool
	raw    atomic.Bool

	opens atomic.Int64
	refs  atomic.Int64
}

func (f *File) Owner() uint64          { return f.owner }
func (f *File) TryLockReadAhead() bool { return f.readAhead.TryLock() }
func (f *File) UnlockReadAhead()       { f.readAhead.Unlock() }
func (f *File) TryLockMove() bool      { return f.move.TryLock() }
func (f *File) UnlockMove()            { f.move.Unlock() }
func (f *File) IsAtomic() bool         { return f.atomic.Load() }
func (f *File) IsPinned() bool         { return f.pinned.Load() }
func (f *File) NeedsRawMove() bool     { return f.raw.Load() }

// Opens returns how often the cleaner opened the file.
func (f *File) Opens() int { return int(f.opens.Load()) }

// Refs returns the number of opens not yet released.
func (f *File) Refs() int { return int(f.refs.Load()) }

// SetAtomic opens or commits an atomic-write transaction.
func (f *File) SetAtomic(v bool) { f.atomic.Store(v) }

// SetPinned pins or unpins the file.
func (f *File) SetPinned(v bool) { f.pinned.Store(v) }

// SetRaw marks the file as needing raw block moves (encrypted or
// compressed contents).
func (f *File) SetRaw(v bool) { f.raw.Store(v) }

// HoldMove takes the move lock until the returned func is called.
func (f *File) HoldMove() func() {
	f.move.Lock()
	return f.move.Unlock
}

// HoldReadAhead takes the read-ahead lock until the returned func is
// called.
func (f *File) HoldReadAhead() func() {
	f.readAhead.Lock()
	return f.readAhead.Unlock
}

// Resubmit rewrites block index through the normal write path. The block
// gets a fresh write time.
func (f *File) Resubmit(ctx context.Context, index uint64) error {
	addr, ok := f.fs.Table.Lookup(f.owner, index)
	if !ok {
		return fmt.Errorf("%w: owner %d index %d", cleaner.ErrOwnerGone, f.owner, index)
	}
	data := f.fs.Device.Peek(addr)
	return f.fs.writeBlock(ctx, segment.Class{Type: segment.TypeData, Temp: f.temp}, f.owner, index, data)
}

// FS ties a store to simulated blocks, owners and an allocator.
type FS struct {
	Store  *segment.Store
	Device *Device
	Table  *Table
	Alloc  *Allocator
	Clock  *Clock

	mu    sync.Mutex
	files map[uint64]*File
}

// New creates a simulated filesystem over store. policy enables slot
// reuse when the device is full and may be nil.
func New(store *segment.Store, policy *victim.Policy) *FS {
	return &FS{
		Store:  store,
		Device: NewDevice(),
		Table:  NewTable(),
		Alloc:  NewAllocator(store, policy),
		Clock:  &Clock{},
		files:  make(map[uint64]*File),
	}
}

// Deps returns the cleaner collaborators backed by fs.
func (fs *FS) Deps() cleaner.Deps {
	return cleaner.Deps{Table: fs.Table, IO: fs.Device, Alloc: fs.Alloc, Files: fs}
}

// Open implements cleaner.Files.
func (fs *FS) Open(_ context.Context, owner uint64) (cleaner.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[owner]
	if !ok {
		return nil, fmt.Errorf("%w: file %d", cleaner.ErrOwnerGone, owner)
	}
	f.opens.Add(1)
	f.refs.Add(1)
	return f, nil
}

// Release implements cleaner.Files.
func (fs *FS) Release(cf cleaner.File) {
	if f, ok := cf.(*File); ok {
		f.refs.Add(-1)
	}
}

// File returns the file with id owner, or nil.
func (fs *FS) File(owner uint64) *File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.files[owner]
}

// Create makes a file whose data is written at temp and writes its node
// block.
func (fs *FS) Create(ctx context.Context, owner uint64, temp segment.Temp) (*File, error) {
	fs.mu.Lock()
	if _, ok := fs.files[owner]; ok {
		fs.mu.Unlock()
		return nil, fmt.Errorf("simdev: file %d exists", owner)
	}
	f := &File{fs: fs, owner: owner, temp: temp}
	fs.files[owner] = f
	fs.mu.Unlock()

	if err := fs.SyncNode(ctx, owner); err != nil {
		return nil, err
	}
	return f, nil
}

// SyncNode rewrites the node block of file owner.
func (fs *FS) SyncNode(ctx context.Context, owner uint64) error {
	node := segment.Class{Type: segment.TypeNode, Temp: segment.TempWarm}
	data := binary.BigEndian.AppendUint64(nil, owner)
	return fs.writeBlock(ctx, node, NodeOwner(owner), 0, data)
}

// Write stores data as block index of file owner under the file's move
// lock.
func (fs *FS) Write(ctx context.Context, owner, index uint64, data []byte) error {
	f := fs.File(owner)
	if f == nil {
		return fmt.Errorf("%w: file %d", cleaner.ErrOwnerGone, owner)
	}
	f.move.Lock()
	defer f.move.Unlock()
	return fs.writeBlock(ctx, segment.Class{Type: segment.TypeData, Temp: f.temp}, owner, index, data)
}

// Truncate drops block index of file owner.
func (fs *FS) Truncate(owner, index uint64) {
	f := fs.File(owner)
	if f == nil {
		return
	}
	f.move.Lock()
	defer f.move.Unlock()
	fs.dropBlock(owner, index)
}

// Remove deletes file owner with its blocks and node.
func (fs *FS) Remove(owner uint64, blocks int) {
	fs.mu.Lock()
	f, ok := fs.files[owner]
	delete(fs.files, owner)
	fs.mu.Unlock()
	if !ok {
		return
	}
	f.move.Lock()
	defer f.move.Unlock()
	for i := 0; i < blocks; i++ {
		fs.dropBlock(owner, uint64(i))
	}
	fs.dropBlock(NodeOwner(owner), 0)
}

func (fs *FS) dropBlock(owner, index uint64) {
	addr, ok := fs.Table.Lookup(owner, index)
	if !ok {
		return
	}
	fs.Table.Remove(owner, index)
	fs.Store.MarkBlockInvalid(addr)
}

func (fs *FS) writeBlock(ctx context.Context, c segment.Class, owner, index uint64, data []byte) error {
	addr, err := fs.Alloc.Allocate(ctx, c)
	if err != nil {
		return err
	}
	if err := fs.Device.Write(ctx, addr, data); err != nil {
		return err
	}
	fs.Store.MarkBlockValid(addr, segment.Summary{Owner: owner, Index: index}, fs.Clock.Now())
	// Node blocks are written without a file lock, so the pointer swap
	// and the read of the old address must be one step against a
	// concurrent relocation.
	old, had := fs.Table.Swap(owner, index, c.Type, addr)
	if had {
		fs.Store.MarkBlockInvalid(old)
	}
	return nil
}

// FlushAtomicWrites commits every open atomic-write transaction.
func (fs *FS) FlushAtomicWrites(_ context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.files {
		f.atomic.Store(false)
	}
	return nil
}
