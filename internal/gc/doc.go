// Package gc schedules segment cleaning.
//
// A [Coordinator] owns the single GC-or-resize slot of a filesystem. Three
// kinds of work compete for it:
//
//   - the background worker, which wakes on an adaptive interval, picks a
//     victim with the configured cost model and cleans one section;
//   - foreground calls to [Coordinator.GC], made by writers that ran out
//     of space, which keep cleaning until enough sections are free;
//   - [Coordinator.Shrink], which evacuates the tail of the main area
//     before the section count is reduced.
//
// # Background pacing
//
// The worker sleeps between MinSleep and MaxSleep. The interval shrinks
// while invalid blocks pile up and grows while the device is busy. When
// nothing is eligible it backs off to NoGCSleep; under urgent pressure it
// runs every UrgentSleep with greedy selection and ignores the idle gate.
// A frozen filesystem skips wakeups without changing the interval.
//
// # Skip pressure
//
// Foreground rounds that cannot free their section (atomic or pinned
// owners, lock contention) are counted. Once MaxSkipRounds is exceeded and
// at least half of the rounds were skipped, the coordinator flushes
// pending atomic writes or forces a checkpoint, then retries. After
// ForegroundRetries such attempts it gives up with [ErrNoSpace].
//
// # Usage
//
//	coord := gc.New(gc.Deps{
//	    Store:        store,
//	    Policy:       policy,
//	    Cleaner:      cl,
//	    Checkpointer: cp,
//	    Gate:         gate,
//	}, gc.DefaultConfig())
//	coord.Start()
//	defer coord.Stop()
//
//	res, err := coord.GC(ctx, gc.Control{})
package gc
