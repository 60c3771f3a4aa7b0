// Package frames hands camera frames from the capture goroutine to the
// access controller through a single-slot mailbox. Publishing never blocks:
// an unread frame is replaced by the newer one, so the controller always
// decides on the most recent image and the camera never backs up.
package frames

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Stats reports mailbox counters.
type Stats struct {
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Dropped   uint64 `json:"dropped"` // overwritten before anyone took them
}

// Channel is a most-recent-wins mailbox holding at most one pending frame.
type Channel struct {
	mu      sync.Mutex
	pending *types.Frame
	seq     uint64
	stats   Stats

	// ready carries at most one wake-up token; Take re-checks the slot after
	// every wake-up so a stale token is harmless.
	ready chan struct{}
}

func New() *Channel {
	return &Channel{ready: make(chan struct{}, 1)}
}

// Publish stores f as the pending frame, replacing any unread one.
func (c *Channel) Publish(f types.Frame) {
	c.mu.Lock()
	if c.pending != nil {
		c.stats.Dropped++
	}
	c.seq++
	f.Seq = c.seq
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	c.pending = &f
	c.stats.Published++
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Take waits up to timeout for a pending frame and removes it from the slot.
// It returns false when the timeout elapses or ctx is done first.
func (c *Channel) Take(ctx context.Context, timeout time.Duration) (types.Frame, bool) {
	if f, ok := c.tryTake(); ok {
		return f, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-c.ready:
			if f, ok := c.tryTake(); ok {
				return f, true
			}
		case <-timer.C:
			return c.tryTake()
		case <-ctx.Done():
			return types.Frame{}, false
		}
	}
}

func (c *Channel) tryTake() (types.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return types.Frame{}, false
	}
	f := *c.pending
	c.pending = nil
	c.stats.Taken++
	return f, true
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
