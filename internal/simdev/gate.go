package simdev

import "sync/atomic"

// Gate reports whether the device is idle and whether GC is frozen.
type Gate struct {
	busy   atomic.Bool
	frozen atomic.Bool
}

// Idle reports whether no foreground I/O is in flight.
func (g *Gate) Idle() bool { return !g.busy.Load() }

// Frozen reports whether background GC is suspended.
func (g *Gate) Frozen() bool { return g.frozen.Load() }

// SetBusy marks foreground I/O as in flight.
func (g *Gate) SetBusy(v bool) { g.busy.Store(v) }

// Freeze suspends or resumes background GC.
func (g *Gate) Freeze(v bool) { g.frozen.Store(v) }
