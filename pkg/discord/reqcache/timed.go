package reqcache

import "time"

// TimedValue is a single cached result with the time it was stored and the
// time it was last handed out. It holds no lock; the owning cacher guards it.
type TimedValue[T any] struct {
	value      T
	createdAt  time.Time
	lastUsedAt time.Time
	set        bool
}

// Get returns the stored value and whether one exists.
func (tv *TimedValue[T]) Get() (T, bool) {
	return tv.value, tv.set
}

// Set stores v as a fresh result at now.
func (tv *TimedValue[T]) Set(v T, now time.Time) {
	tv.value = v
	tv.createdAt = now
	tv.lastUsedAt = now
	tv.set = true
}

// Seed stores v as if it had been fetched at createdAt. A zero createdAt
// yields a value that is never fresh but still usable as a fallback.
func (tv *TimedValue[T]) Seed(v T, createdAt time.Time) {
	tv.value = v
	tv.createdAt = createdAt
	tv.lastUsedAt = createdAt
	tv.set = true
}

// Touch records an access at now.
func (tv *TimedValue[T]) Touch(now time.Time) {
	if now.After(tv.lastUsedAt) {
		tv.lastUsedAt = now
	}
}

// Renew restarts the freshness window without replacing the value.
func (tv *TimedValue[T]) Renew(now time.Time) {
	tv.createdAt = now
	tv.Touch(now)
}

// Expire keeps the value but makes it stale.
func (tv *TimedValue[T]) Expire() {
	tv.createdAt = time.Time{}
}

// Fresh reports whether a value exists and was stored less than timeout ago.
func (tv *TimedValue[T]) Fresh(now time.Time, timeout time.Duration) bool {
	return tv.set && !tv.createdAt.IsZero() && now.Sub(tv.createdAt) < timeout
}

func (tv *TimedValue[T]) CreatedAt() time.Time  { return tv.createdAt }
func (tv *TimedValue[T]) LastUsedAt() time.Time { return tv.lastUsedAt }
