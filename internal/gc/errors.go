package gc

import (
	"errors"

	"github.com/dray-io/lfsgc/internal/cleaner"
)

var (
	// ErrInterrupted is returned when a round stops because its context
	// was cancelled or the worker is shutting down.
	ErrInterrupted = errors.New("gc: interrupted")

	// ErrNoSpace is returned by foreground GC when free sections stay
	// below the reserve after every retry.
	ErrNoSpace = errors.New("gc: no space left")

	// ErrShrinkFailed is returned when the tail of the main area could not
	// be evacuated completely.
	ErrShrinkFailed = errors.New("gc: shrink failed")

	// ErrBusy is returned to background callers when another round holds
	// the GC slot.
	ErrBusy = errors.New("gc: round in progress")

	// ErrFatal is returned when the filesystem stopped.
	ErrFatal = cleaner.ErrFatal
)
