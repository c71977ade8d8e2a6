package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance is called.
//
// Callbacks run synchronously during Advance without the clock lock held, so
// a callback may call Now, AfterFunc, Stop or Reset. Calling Advance from a
// callback is not supported.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	callback func()
	pending  bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock has been advanced by d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{clock: c, callback: f}
	if d <= 0 {
		f()
		return t
	}
	c.mu.Lock()
	t.deadline = c.current.Add(d)
	t.pending = true
	c.timers = append(c.timers, t)
	c.changed.Broadcast()
	c.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, running every callback whose
// deadline falls inside the window. Now observed from a callback equals that
// callback's deadline.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		next.pending = false
		c.removeLocked(next)
		c.current = next.deadline
		c.changed.Broadcast()
		c.mu.Unlock()

		next.callback()
	}
}

// WaitForTimers blocks until at least n callbacks are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.changed.Wait()
	}
}

// PendingTimers returns the number of callbacks that have not fired or been
// stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range c.timers {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.pending {
		return false
	}
	t.pending = false
	c.removeLocked(t)
	c.changed.Broadcast()
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	c := t.clock
	c.mu.Lock()
	wasPending := t.pending
	if wasPending {
		c.removeLocked(t)
	}
	if d <= 0 {
		t.pending = false
		c.mu.Unlock()
		t.callback()
		return wasPending
	}
	t.deadline = c.current.Add(d)
	t.pending = true
	c.timers = append(c.timers, t)
	c.changed.Broadcast()
	c.mu.Unlock()
	return wasPending
}
