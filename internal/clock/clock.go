// Package clock abstracts the time source used by the access controller,
// the lock actuator and the extractor restart backoff so card windows, hold
// periods and retry delays can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the daemon depends on.
type Clock interface {
	Now() time.Time
	// Sleep behaves like time.Sleep.
	Sleep(d time.Duration)
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// FakeClock is a manually advanced Clock. Sleep advances the clock by the
// requested duration and returns immediately, so code that polls in a loop
// completes instantly while still observing the elapsed time it expects.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(total time.Duration)
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep records d and advances the clock.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	var total time.Duration
	for _, s := range c.sleeps {
		total += s
	}
	hook := c.onSleep
	c.mu.Unlock()

	c.Advance(d)
	if hook != nil {
		hook(total)
	}
}

// Advance moves the clock forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep so far.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// OnSleep registers a hook called after every Sleep with the total slept time.
// Tests use it to inject events part way through a polling window.
func (c *FakeClock) OnSleep(fn func(total time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSleep = fn
}
