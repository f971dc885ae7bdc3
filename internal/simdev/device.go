// Package simdev is an in-memory log-structured device: block storage, an
// owner address table, files, a relocation allocator, a checkpointer and
// an idle gate. It implements every collaborator the cleaner and the
// coordinator need and is exported so tests in other packages and the
// lfsgcd simulator can use it.
package simdev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dray-io/lfsgc/internal/segment"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("simdev: injected fault")

// Device stores block contents by address.
type Device struct {
	mu         sync.RWMutex
	blocks     map[segment.Addr][]byte
	failRead   map[segment.Addr]bool
	failWrite  bool
	reads      int
	writes     int
	readAheads int
}

// NewDevice creates an empty device.
func NewDevice() *Device {
	return &Device{
		blocks:   make(map[segment.Addr][]byte),
		failRead: make(map[segment.Addr]bool),
	}
}

func (d *Device) Read(_ context.Context, addr segment.Addr) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRead[addr] {
		return nil, fmt.Errorf("%w: read %d", ErrInjected, addr)
	}
	d.reads++
	return append([]byte(nil), d.blocks[addr]...), nil
}

func (d *Device) ReadAhead(_ context.Context, addrs []segment.Addr) error {
	d.mu.Lock()
	d.readAheads += len(addrs)
	d.mu.Unlock()
	return nil
}

func (d *Device) Write(_ context.Context, addr segment.Addr, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrite {
		return fmt.Errorf("%w: write %d", ErrInjected, addr)
	}
	d.writes++
	d.blocks[addr] = append([]byte(nil), data...)
	return nil
}

// FailRead makes reads of addr fail until cleared.
func (d *Device) FailRead(addr segment.Addr, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fail {
		d.failRead[addr] = true
	} else {
		delete(d.failRead, addr)
	}
}

// FailWrites makes every write fail until cleared.
func (d *Device) FailWrites(fail bool) {
	d.mu.Lock()
	d.failWrite = fail
	d.mu.Unlock()
}

// Peek returns the stored contents of addr without counting a read.
func (d *Device) Peek(addr segment.Addr) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.blocks[addr]...)
}

// DeviceStats counts device operations.
type DeviceStats struct {
	Reads      int
	Writes     int
	ReadAheads int
}

// Stats returns operation counts.
func (d *Device) Stats() DeviceStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceStats{Reads: d.reads, Writes: d.writes, ReadAheads: d.readAheads}
}
