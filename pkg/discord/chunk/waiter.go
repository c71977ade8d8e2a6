package chunk

import (
	"context"
	"sync"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/clock"
)

// DefaultTimeout bounds how long a waiter waits for the first chunk (single
// shot) or for the next chunk (multi-part).
const DefaultTimeout = 2500 * time.Millisecond

// Event is one chunk of an asynchronous response.
type Event[T any] struct {
	Nonce string
	// Source identifies the sub-response the chunk belongs to, such as a
	// guild ID. Index and Count position the chunk inside that source.
	Source string
	Index  int
	Count  int
	Items  []T
}

// Result is what a waiter resolved with. A timeout is not an error: Items
// holds whatever arrived before the deadline.
type Result[T any] struct {
	Items     []T
	TimedOut  bool
	Cancelled bool
}

// Receiver is the side of a waiter the nonce table talks to.
type Receiver[T any] interface {
	// Feed delivers one chunk. accepted reports whether its items were kept;
	// resolved whether the waiter is done. Feeding a resolved waiter is a
	// no-op that reports resolved.
	Feed(Event[T]) (accepted, resolved bool)
	// Cancel resolves the waiter with an empty result.
	Cancel()
}

// state is shared by both waiter kinds.
type state[T any] struct {
	mu       sync.Mutex
	items    []T
	resolved bool
	result   Result[T]
	done     chan struct{}
	timer    clock.Timer
}

// resolveLocked finalises the waiter. Caller holds mu.
func (s *state[T]) resolveLocked(timedOut, cancelled bool) {
	if s.resolved {
		return
	}
	s.resolved = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.result = Result[T]{Items: s.items, TimedOut: timedOut, Cancelled: cancelled}
	if cancelled {
		s.result.Items = nil
	}
	close(s.done)
}

func (s *state[T]) expire() {
	s.mu.Lock()
	s.resolveLocked(true, false)
	s.mu.Unlock()
}

// Cancel resolves the waiter with an empty result and stops its timer.
func (s *state[T]) Cancel() {
	s.mu.Lock()
	s.resolveLocked(false, true)
	s.mu.Unlock()
}

// Done is closed once the waiter resolves.
func (s *state[T]) Done() <-chan struct{} { return s.done }

// Resolved reports whether the waiter has resolved.
func (s *state[T]) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Result returns the resolved result, or the zero Result while pending.
func (s *state[T]) Result() Result[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Wait blocks until the waiter resolves or ctx ends. When ctx ends first the
// waiter is cancelled and ctx.Err() is returned.
func (s *state[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Cancel()
		s.mu.Lock()
		res := s.result
		s.mu.Unlock()
		return res, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

// Waiter resolves on the first chunk it receives. Its deadline is fixed at
// construction time.
//
// The first chunk is terminal even when it reports Count > 1; later chunks of
// the same response are ignored.
type Waiter[T any] struct {
	state[T]
}

// NewWaiter starts a waiter whose deadline is timeout from now. A
// non-positive timeout means DefaultTimeout.
func NewWaiter[T any](clk clock.Clock, timeout time.Duration) *Waiter[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &Waiter[T]{state: state[T]{done: make(chan struct{})}}
	w.mu.Lock()
	w.timer = clock.Or(clk).AfterFunc(timeout, w.expire)
	w.mu.Unlock()
	return w
}

// Feed stores ev and resolves the waiter.
func (w *Waiter[T]) Feed(ev Event[T]) (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false, true
	}
	w.items = append(w.items, ev.Items...)
	w.resolveLocked(false, false)
	return true, true
}

// MultiWaiter resolves once every expected source has delivered its final
// chunk (Index+1 == Count). Each received chunk restarts the idle timeout.
type MultiWaiter[T any] struct {
	state[T]
	idle      time.Duration
	remaining int
	finished  map[string]bool
	seen      map[chunkID]bool
}

type chunkID struct {
	source string
	index  int
}

// NewMultiWaiter starts a waiter expecting final chunks from expected
// distinct sources. A non-positive idle means DefaultTimeout.
func NewMultiWaiter[T any](clk clock.Clock, expected int, idle time.Duration) *MultiWaiter[T] {
	if idle <= 0 {
		idle = DefaultTimeout
	}
	w := &MultiWaiter[T]{
		state:     state[T]{done: make(chan struct{})},
		idle:      idle,
		remaining: expected,
		finished:  make(map[string]bool),
		seen:      make(map[chunkID]bool),
	}
	w.mu.Lock()
	if expected <= 0 {
		w.resolveLocked(false, false)
	} else {
		w.timer = clock.Or(clk).AfterFunc(idle, w.expire)
	}
	w.mu.Unlock()
	return w
}

// Feed stores ev, restarts the idle timeout and resolves the waiter when
// the last outstanding source completes. Repeated chunks are ignored.
func (w *MultiWaiter[T]) Feed(ev Event[T]) (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false, true
	}

	id := chunkID{source: ev.Source, index: ev.Index}
	if ev.Source != "" {
		if w.seen[id] || w.finished[ev.Source] {
			return false, false
		}
		w.seen[id] = true
	}

	w.items = append(w.items, ev.Items...)
	w.timer.Reset(w.idle)

	if ev.Index+1 == ev.Count {
		if ev.Source != "" {
			w.finished[ev.Source] = true
		}
		w.remaining--
	}
	if w.remaining <= 0 {
		w.resolveLocked(false, false)
	}
	return true, w.resolved
}

// Remaining returns how many sources have not delivered their final chunk.
func (w *MultiWaiter[T]) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return max(w.remaining, 0)
}
