package cleaner

import (
	"context"

	"github.com/dray-io/lfsgc/internal/segment"
)

// Round is the state of one CleanSection call. Owners are opened at most
// once per round and released when the round ends.
type Round struct {
	files  Files
	owners map[uint64]opened
	moved  []segment.Summary
}

type opened struct {
	file File
	err  error
}

func newRound(files Files) *Round {
	return &Round{files: files, owners: make(map[uint64]opened)}
}

// open returns the cached file for owner, opening it on first use. Open
// failures are cached too unless ctx was cancelled.
func (r *Round) open(ctx context.Context, owner uint64) (File, error) {
	if o, ok := r.owners[owner]; ok {
		return o.file, o.err
	}
	f, err := r.files.Open(ctx, owner)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	r.owners[owner] = opened{file: f, err: err}
	return f, err
}

func (r *Round) record(sum segment.Summary) {
	r.moved = append(r.moved, sum)
}

// release hands every opened owner back exactly once.
func (r *Round) release() {
	for owner, o := range r.owners {
		if o.file != nil {
			r.files.Release(o.file)
		}
		delete(r.owners, owner)
	}
}

// Owners returns the number of owners the round resolved.
func (r *Round) Owners() int {
	return len(r.owners)
}

// Moved returns the summaries of the blocks the round relocated, in move
// order.
func (r *Round) Moved() []segment.Summary {
	return r.moved
}
