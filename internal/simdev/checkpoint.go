package simdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/lfsgc/internal/ckpt"
	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/victim"
)

// Checkpointer commits the store and encodes a checkpoint image. Images
// are written to Dir when it is set.
type Checkpointer struct {
	store  *segment.Store
	policy *victim.Policy
	codec  ckpt.Codec
	dir    string

	mu       sync.Mutex
	seq      uint64
	fail     int
	byReason map[cleaner.Reason]int
	last     []byte
}

// NewCheckpointer creates a checkpointer. policy may be nil; dir may be
// empty to keep images in memory only.
func NewCheckpointer(store *segment.Store, policy *victim.Policy, codec ckpt.Codec, dir string) *Checkpointer {
	return &Checkpointer{
		store:    store,
		policy:   policy,
		codec:    codec,
		dir:      dir,
		byReason: make(map[cleaner.Reason]int),
	}
}

// WriteCheckpoint implements cleaner.Checkpointer.
func (c *Checkpointer) WriteCheckpoint(ctx context.Context, reason cleaner.Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return fmt.Errorf("%w: checkpoint", ErrInjected)
	}

	c.store.CommitCheckpoint()
	c.seq++
	img := &ckpt.Image{
		ImageID:         uuid.New(),
		Sequence:        c.seq,
		CreatedAtUnixMs: time.Now().UnixMilli(),
		Reason:          reason,
		Snapshot:        c.store.Snapshot(),
		Continuation:    [2]segment.ID{segment.NullID, segment.NullID},
	}
	if c.policy != nil {
		img.Cursors = c.policy.Cursors()
		img.Continuation = [2]segment.ID{
			c.policy.Continuation(victim.Background),
			c.policy.Continuation(victim.Foreground),
		}
	}
	data, err := ckpt.EncodeToBytes(img, c.codec)
	if err != nil {
		return fmt.Errorf("simdev: encode checkpoint: %w", err)
	}
	if c.dir != "" {
		if err := writeFileAtomic(filepath.Join(c.dir, fmt.Sprintf("ckpt-%020d.img", c.seq)), data); err != nil {
			return err
		}
	}
	c.last = data
	c.byReason[reason]++
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("simdev: create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("simdev: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("simdev: close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("simdev: publish checkpoint: %w", err)
	}
	return nil
}

// FailNext makes the next n checkpoints fail.
func (c *Checkpointer) FailNext(n int) {
	c.mu.Lock()
	c.fail = n
	c.mu.Unlock()
}

// Count returns how many checkpoints were written for reason.
func (c *Checkpointer) Count(reason cleaner.Reason) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byReason[reason]
}

// Last decodes the most recent image.
func (c *Checkpointer) Last() (*ckpt.Image, error) {
	c.mu.Lock()
	data := c.last
	c.mu.Unlock()
	if data == nil {
		return nil, fmt.Errorf("simdev: no checkpoint written")
	}
	return ckpt.DecodeFromBytes(data)
}
