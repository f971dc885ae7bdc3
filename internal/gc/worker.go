package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/lfsgc/internal/logging"
)

// worker is the background loop state.
type worker struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	wakeCh  chan struct{}
	fgCh    chan fgRequest

	// sleep is the current interval, read by tests and metrics.
	sleep time.Duration
}

type fgRequest struct {
	reply chan fgReply
}

type fgReply struct {
	res Result
	err error
}

// Start begins the background loop.
func (c *Coordinator) Start() {
	w := &c.worker
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithLoggerCtx(ctx, c.logger.With(map[string]any{"worker": "background"}))
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.wakeCh = make(chan struct{}, 1)
	w.fgCh = make(chan fgRequest)
	w.sleep = c.cfg.MinSleep
	w.mu.Unlock()

	go c.loop(ctx)
}

// Stop stops the background loop and waits for it to exit. A round in
// progress stops at the next segment boundary.
func (c *Coordinator) Stop() {
	w := &c.worker
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.doneCh
	w.mu.Unlock()

	<-done

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Wake makes the background loop run a pass now instead of at the end of
// its current interval.
func (c *Coordinator) Wake() {
	w := &c.worker
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Sleep returns the background loop's current interval.
func (c *Coordinator) Sleep() time.Duration {
	c.worker.mu.Lock()
	defer c.worker.mu.Unlock()
	return c.worker.sleep
}

// RequestForeground hands a foreground GC to the background loop and
// waits for its result. Without a running loop the GC runs on the
// caller's goroutine.
func (c *Coordinator) RequestForeground(ctx context.Context) (Result, error) {
	w := &c.worker
	w.mu.Lock()
	running, fgCh, done := w.running, w.fgCh, w.doneCh
	w.mu.Unlock()
	if !running {
		return c.GC(ctx, Control{})
	}

	req := fgRequest{reply: make(chan fgReply, 1)}
	select {
	case fgCh <- req:
	case <-done:
		return c.GC(ctx, Control{})
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
	select {
	case rep := <-req.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	w := &c.worker
	defer close(w.doneCh)

	wait := c.cfg.MinSleep
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.fgCh:
			res, err := c.GC(ctx, Control{})
			req.reply <- fgReply{res: res, err: err}
			continue
		case <-w.wakeCh:
		case <-timer.C:
		}

		wait = c.pass(ctx, wait)
		c.metrics.RecordSleep(wait.Seconds())
		w.mu.Lock()
		w.sleep = wait
		w.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// pass runs one background wakeup and returns the next interval.
func (c *Coordinator) pass(ctx context.Context, wait time.Duration) time.Duration {
	urgent := c.Urgent()
	if urgent {
		wait = c.cfg.UrgentSleep
	}
	if c.gate != nil && c.gate.Frozen() {
		c.metrics.RecordBackgroundSkip("frozen")
		return wait
	}
	if !urgent {
		if c.gate != nil && !c.gate.Idle() {
			c.metrics.RecordBackgroundSkip("busy")
			return c.increaseSleep(wait)
		}
		if c.highInvalid() {
			wait = c.decreaseSleep(wait)
		} else {
			wait = c.increaseSleep(wait)
		}
	}

	if !c.sem.TryAcquire(1) {
		c.metrics.RecordBackgroundSkip("contended")
		return wait
	}
	res, err := c.run(ctx, Control{Background: true}, urgent)
	c.sem.Release(1)

	switch {
	case err == nil && res.Rounds == 0:
		if !urgent {
			wait = c.cfg.NoGCSleep
		}
	case errors.Is(err, ErrInterrupted):
	case err != nil:
		logging.FromCtx(ctx).Warnf("background gc failed", map[string]any{
			"roundId": res.RoundID,
			"error":   err.Error(),
		})
	}
	return wait
}

func (c *Coordinator) increaseSleep(wait time.Duration) time.Duration {
	if wait == c.cfg.NoGCSleep {
		return wait
	}
	wait += c.cfg.MinSleep
	if wait > c.cfg.MaxSleep {
		wait = c.cfg.MaxSleep
	}
	return wait
}

func (c *Coordinator) decreaseSleep(wait time.Duration) time.Duration {
	if wait == c.cfg.NoGCSleep {
		wait = c.cfg.MaxSleep
	}
	wait -= c.cfg.MinSleep
	if wait < c.cfg.MinSleep {
		wait = c.cfg.MinSleep
	}
	return wait
}
