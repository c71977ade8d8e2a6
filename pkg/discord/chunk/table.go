package chunk

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// NonceLength is the width of nonces produced by NewNonce.
const NonceLength = 32

// ErrNonceInUse is returned when registering a nonce that is already taken.
var ErrNonceInUse = errors.New("chunk: nonce already registered")

// NewNonce returns a random 32 character hex token.
func NewNonce() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Table routes incoming chunks to the waiter registered under their nonce.
type Table[T any] struct {
	mu      sync.Mutex
	waiters map[string]Receiver[T]
}

// NewTable returns an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{waiters: make(map[string]Receiver[T])}
}

// Register binds nonce to r.
func (t *Table[T]) Register(nonce string, r Receiver[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiters[nonce]; ok {
		return ErrNonceInUse
	}
	t.waiters[nonce] = r
	return nil
}

// Add registers r under a fresh nonce and returns it.
func (t *Table[T]) Add(r Receiver[T]) string {
	for {
		nonce := NewNonce()
		if t.Register(nonce, r) == nil {
			return nonce
		}
	}
}

// Unregister removes nonce. It is safe to call more than once.
func (t *Table[T]) Unregister(nonce string) {
	t.mu.Lock()
	delete(t.waiters, nonce)
	t.mu.Unlock()
}

// Cancel cancels and unregisters the waiter under nonce, if any.
func (t *Table[T]) Cancel(nonce string) {
	t.mu.Lock()
	r, ok := t.waiters[nonce]
	delete(t.waiters, nonce)
	t.mu.Unlock()
	if ok {
		r.Cancel()
	}
}

// Dispatch feeds ev to the waiter registered under ev.Nonce and unregisters
// it once resolved. It reports whether a waiter accepted the chunk; chunks
// for unknown nonces, repeats and late arrivals report false.
func (t *Table[T]) Dispatch(ev Event[T]) bool {
	if ev.Nonce == "" {
		return false
	}
	t.mu.Lock()
	r, ok := t.waiters[ev.Nonce]
	t.mu.Unlock()
	if !ok {
		return false
	}
	accepted, resolved := r.Feed(ev)
	if resolved {
		t.mu.Lock()
		if current, ok := t.waiters[ev.Nonce]; ok && current == r {
			delete(t.waiters, ev.Nonce)
		}
		t.mu.Unlock()
	}
	return accepted
}

// Len returns the number of registered waiters.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
