package cleaner

import (
	"errors"
	"fmt"

	"github.com/dray-io/lfsgc/internal/segment"
)

var (
	// ErrNotRelocatable is returned for blocks that must stay where they
	// are for now (atomic or pinned owners). The block is skipped.
	ErrNotRelocatable = errors.New("cleaner: block not relocatable")

	// ErrAllocTransient is returned by allocators when no destination is
	// available yet. The cleaner retries with backoff.
	ErrAllocTransient = errors.New("cleaner: allocation temporarily unavailable")

	// ErrConsistency is returned when owner metadata contradicts the
	// segment summary. The filesystem is flagged for an offline check.
	ErrConsistency = errors.New("cleaner: owner metadata inconsistent")

	// ErrOwnerGone is returned when a block's owner no longer exists.
	ErrOwnerGone = errors.New("cleaner: owner gone")

	// ErrFatal is returned when the filesystem entered a fatal state
	// during a foreground round.
	ErrFatal = errors.New("cleaner: filesystem stopped")
)

// IOError is a read or write failure on the device. It aborts the round.
type IOError struct {
	Op   string
	Addr segment.Addr
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cleaner: %s block %d: %v", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
