package simdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/dray-io/lfsgc/internal/segment"
)

// Workload drives a reproducible write pattern against an FS.
type Workload struct {
	fs     *FS
	rng    *rand.Rand
	files  int
	blocks int
	temps  []segment.Temp
}

// NewWorkload creates a workload of files files with blocks blocks each.
func NewWorkload(fs *FS, seed int64, files, blocks int) *Workload {
	return &Workload{
		fs:     fs,
		rng:    rand.New(rand.NewSource(seed)),
		files:  files,
		blocks: blocks,
		temps:  []segment.Temp{segment.TempHot, segment.TempWarm, segment.TempCold},
	}
}

// Populate creates every file and writes all of its blocks.
func (w *Workload) Populate(ctx context.Context) error {
	for f := 1; f <= w.files; f++ {
		owner := uint64(f)
		if _, err := w.fs.Create(ctx, owner, w.tempOf(f)); err != nil {
			return err
		}
		for i := 0; i < w.blocks; i++ {
			if err := w.fs.Write(ctx, owner, uint64(i), payload(owner, uint64(i), 0)); err != nil {
				return fmt.Errorf("simdev: populate file %d block %d: %w", owner, i, err)
			}
		}
		w.fs.Clock.Advance(1)
	}
	return nil
}

// Overwrite rewrites n random blocks. Hot files are chosen more often
// than cold ones. It stops at the first error.
func (w *Workload) Overwrite(ctx context.Context, n int) (int, error) {
	for done := 0; done < n; done++ {
		owner := w.pickOwner()
		index := uint64(w.rng.Intn(w.blocks))
		if err := w.fs.Write(ctx, owner, index, payload(owner, index, uint64(done+1))); err != nil {
			return done, err
		}
		if done%w.blocks == 0 {
			w.fs.Clock.Advance(1)
		}
	}
	return n, nil
}

// tempOf splits the files into hot, warm and cold thirds.
func (w *Workload) tempOf(f int) segment.Temp {
	i := (f - 1) * len(w.temps) / w.files
	return w.temps[i]
}

// pickOwner skews towards the low third of the files, which are the hot
// ones.
func (w *Workload) pickOwner() uint64 {
	if w.rng.Intn(4) > 0 {
		hot := max(1, w.files/3)
		return uint64(1 + w.rng.Intn(hot))
	}
	return uint64(1 + w.rng.Intn(w.files))
}

func payload(owner, index, gen uint64) []byte {
	buf := make([]byte, 0, 24)
	buf = binary.BigEndian.AppendUint64(buf, owner)
	buf = binary.BigEndian.AppendUint64(buf, index)
	return binary.BigEndian.AppendUint64(buf, gen)
}
