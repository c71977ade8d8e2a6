package reqcache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Coalescer runs at most one producer per key at a time. Callers that arrive
// while a producer is running receive its result, success or error, in the
// order they joined.
//
// A caller whose context ends stops waiting but the producer keeps running on
// a context detached from that cancellation, so its result still lands in the
// owner's cache.
type Coalescer[T any] struct {
	group singleflight.Group

	mu      sync.Mutex
	running map[string]bool
	waiting map[string]int
}

// Do returns the result of fn for key, sharing it with concurrent callers.
// shared reports whether the result was delivered to more than one caller.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mark(key, true)
		defer c.mark(key, false)
		return fn(detached)
	})

	c.mu.Lock()
	if c.waiting == nil {
		c.waiting = make(map[string]int)
	}
	c.waiting[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiting[key]--; c.waiting[key] <= 0 {
			delete(c.waiting, key)
		}
		c.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// InFlight reports whether a producer for key is currently running.
func (c *Coalescer[T]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[key]
}

// Waiters returns how many callers are waiting on key.
func (c *Coalescer[T]) Waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting[key]
}

func (c *Coalescer[T]) mark(key string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !running {
		delete(c.running, key)
		return
	}
	if c.running == nil {
		c.running = make(map[string]bool)
	}
	c.running[key] = true
}
