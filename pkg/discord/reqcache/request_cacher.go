package reqcache

import (
	"context"
	"sync"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/clock"
	"github.com/small-frappuccino/discordsync/pkg/errors"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

const globalKey = "\x00global"

// Producer performs the uncached request.
type Producer[T any] func(ctx context.Context) (T, error)

// Config configures a RequestCacher.
type Config struct {
	// Name identifies the cacher in logs.
	Name string
	// Timeout is how long a successful result is served without I/O.
	Timeout time.Duration
	Clock   clock.Clock
}

// RequestCacher caches the result of a zero-argument request that returns
// reference data (for example the list of discovery categories).
//
// A fresh value is returned without I/O. Otherwise one request runs and every
// concurrent caller receives its outcome. When that request fails with a
// connectivity error and any value is cached, the cached value is returned
// instead and its freshness window restarts.
type RequestCacher[T any] struct {
	produce Producer[T]
	name    string
	timeout time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	cache   TimedValue[T]
	onStore func(v T, at time.Time)

	flight Coalescer[T]
}

// NewRequestCacher wraps produce.
func NewRequestCacher[T any](produce Producer[T], cfg Config) *RequestCacher[T] {
	return &RequestCacher[T]{
		produce: produce,
		name:    cfg.Name,
		timeout: cfg.Timeout,
		clock:   clock.Or(cfg.Clock),
	}
}

// Seed pre-populates the cache with v as of createdAt. Pass the zero time to
// install a fallback value that is never considered fresh.
func (rc *RequestCacher[T]) Seed(v T, createdAt time.Time) {
	rc.mu.Lock()
	rc.cache.Seed(v, createdAt)
	rc.mu.Unlock()
}

// OnStore registers fn to run after every successful request. It runs outside
// the cacher's lock on the goroutine that performed the request.
func (rc *RequestCacher[T]) OnStore(fn func(v T, at time.Time)) {
	rc.mu.Lock()
	rc.onStore = fn
	rc.mu.Unlock()
}

// Execute returns the cached value when fresh, or the result of a shared
// request.
func (rc *RequestCacher[T]) Execute(ctx context.Context) (T, error) {
	now := rc.clock.Now()
	rc.mu.Lock()
	if rc.cache.Fresh(now, rc.timeout) && !rc.flight.InFlight(globalKey) {
		rc.cache.Touch(now)
		v, _ := rc.cache.Get()
		rc.mu.Unlock()
		return v, nil
	}
	rc.mu.Unlock()

	v, _, err := rc.flight.Do(ctx, globalKey, rc.fetch)
	return v, err
}

// Refresh performs a request regardless of freshness. It still joins a
// request that is already running.
func (rc *RequestCacher[T]) Refresh(ctx context.Context) (T, error) {
	v, _, err := rc.flight.Do(ctx, globalKey, rc.fetch)
	return v, err
}

// Invalidate makes the cached value stale while keeping it for fallback.
func (rc *RequestCacher[T]) Invalidate() {
	rc.mu.Lock()
	rc.cache.Expire()
	rc.mu.Unlock()
}

// Peek returns the cached value, fresh or not, without I/O.
func (rc *RequestCacher[T]) Peek() (T, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cache.Get()
}

func (rc *RequestCacher[T]) fetch(ctx context.Context) (T, error) {
	v, err := rc.produce(ctx)
	now := rc.clock.Now()

	rc.mu.Lock()
	if err == nil {
		rc.cache.Set(v, now)
		onStore := rc.onStore
		rc.mu.Unlock()
		if onStore != nil {
			onStore(v, now)
		}
		return v, nil
	}

	if errors.IsConnectivity(err) {
		if cached, ok := rc.cache.Get(); ok {
			rc.cache.Renew(now)
			rc.mu.Unlock()
			log.ApplicationLogger().Warn("Serving stale cache after connectivity failure",
				"cacher", rc.name,
				"error", err,
			)
			return cached, nil
		}
	}
	rc.mu.Unlock()
	var zero T
	return zero, err
}
