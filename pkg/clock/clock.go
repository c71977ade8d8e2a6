// Package clock abstracts time so that cache freshness, sweep intervals and
// chunk timeouts can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(start) and move time with
// Advance; AfterFunc callbacks registered on a fake clock run synchronously
// inside Advance, in deadline order.
package clock

import "time"

// Clock is the subset of the time package used by this module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or inside Advance (fake)
	// once d has elapsed. The returned Timer cancels or reschedules the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call was
	// still pending.
	Stop() bool

	// Reset reschedules the call to run d from now. It reports whether the
	// call was still pending before the reset.
	Reset(d time.Duration) bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Or returns c, or Real() when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
