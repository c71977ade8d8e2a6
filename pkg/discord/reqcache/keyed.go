package reqcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/clock"
	"github.com/small-frappuccino/discordsync/pkg/errors"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

// DefaultMinSweepInterval is the shortest gap between two eviction sweeps.
const DefaultMinSweepInterval = 30 * time.Minute

// KeyedProducer performs the uncached request for key using identity.
type KeyedProducer[I comparable, T any] func(ctx context.Context, identity I, key string) (T, error)

// Budget reports the remaining rate-limit budget of each identity that can
// serve a request.
type Budget[I comparable] interface {
	Identities() []I
	Remaining(identity I, bucket string) int
}

// KeyedConfig configures a KeyedRequestCacher.
type KeyedConfig struct {
	Name    string
	Timeout time.Duration
	// MinSweepInterval floors the sweep period of max(Timeout/10, MinSweepInterval).
	// Zero means DefaultMinSweepInterval.
	MinSweepInterval time.Duration
	// Bucket is the rate-limit bucket queried on the Budget before a request.
	Bucket string
	Clock  clock.Clock
}

// KeyedRequestCacher caches a one-argument request per key. Each key has its
// own freshness window and its own single-flight slot. Entries unused for
// longer than the timeout are dropped by sweeps that run inline with Execute.
type KeyedRequestCacher[I comparable, T any] struct {
	produce  KeyedProducer[I, T]
	budget   Budget[I]
	name     string
	timeout  time.Duration
	interval time.Duration
	bucket   string
	clock    clock.Clock

	mu        sync.Mutex
	entries   map[string]*TimedValue[T]
	lastSweep time.Time

	flight Coalescer[T]
}

// NewKeyedRequestCacher wraps produce. budget may be nil, in which case the
// requested identity is always used.
func NewKeyedRequestCacher[I comparable, T any](produce KeyedProducer[I, T], budget Budget[I], cfg KeyedConfig) *KeyedRequestCacher[I, T] {
	floor := cfg.MinSweepInterval
	if floor <= 0 {
		floor = DefaultMinSweepInterval
	}
	c := clock.Or(cfg.Clock)
	return &KeyedRequestCacher[I, T]{
		produce:   produce,
		budget:    budget,
		name:      cfg.Name,
		timeout:   cfg.Timeout,
		interval:  max(cfg.Timeout/10, floor),
		bucket:    cfg.Bucket,
		clock:     c,
		entries:   make(map[string]*TimedValue[T]),
		lastSweep: c.Now(),
	}
}

// Execute returns the cached value for key when fresh, or the result of a
// request shared with every concurrent caller of the same key. key must be a
// string, []byte, fmt.Stringer or integer; anything else fails with
// errors.ErrInvalidKey before any caching happens.
func (kc *KeyedRequestCacher[I, T]) Execute(ctx context.Context, identity I, key any) (T, error) {
	var zero T
	k, err := CanonicalKey(key)
	if err != nil {
		return zero, err
	}

	now := kc.clock.Now()
	kc.mu.Lock()
	kc.sweepLocked(now)
	if e, ok := kc.entries[k]; ok && e.Fresh(now, kc.timeout) && !kc.flight.InFlight(k) {
		e.Touch(now)
		v, _ := e.Get()
		kc.mu.Unlock()
		return v, nil
	}
	kc.mu.Unlock()

	v, _, err := kc.flight.Do(ctx, k, func(ctx context.Context) (T, error) {
		return kc.fetch(ctx, identity, k)
	})
	return v, err
}

// Forget drops the entry for key.
func (kc *KeyedRequestCacher[I, T]) Forget(key any) {
	k, err := CanonicalKey(key)
	if err != nil {
		return
	}
	kc.mu.Lock()
	delete(kc.entries, k)
	kc.mu.Unlock()
}

// Len returns the number of cached keys.
func (kc *KeyedRequestCacher[I, T]) Len() int {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return len(kc.entries)
}

// Peek returns the cached value for key without I/O.
func (kc *KeyedRequestCacher[I, T]) Peek(key any) (T, bool) {
	var zero T
	k, err := CanonicalKey(key)
	if err != nil {
		return zero, false
	}
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if e, ok := kc.entries[k]; ok {
		return e.Get()
	}
	return zero, false
}

func (kc *KeyedRequestCacher[I, T]) fetch(ctx context.Context, requested I, key string) (T, error) {
	v, err := kc.produce(ctx, kc.selectIdentity(requested), key)
	now := kc.clock.Now()

	kc.mu.Lock()
	defer kc.mu.Unlock()
	if err == nil {
		e, ok := kc.entries[key]
		if !ok {
			e = &TimedValue[T]{}
			kc.entries[key] = e
		}
		e.Set(v, now)
		return v, nil
	}

	if errors.IsConnectivity(err) {
		if e, ok := kc.entries[key]; ok {
			if cached, ok := e.Get(); ok {
				e.Touch(now)
				log.ApplicationLogger().Warn("Serving stale cache entry after connectivity failure",
					"cacher", kc.name,
					"key", key,
					"error", err,
				)
				return cached, nil
			}
		}
	}
	var zero T
	return zero, err
}

// selectIdentity prefers the requested identity while it has budget left,
// then any other identity with budget, and falls back to the requested one.
func (kc *KeyedRequestCacher[I, T]) selectIdentity(requested I) I {
	if kc.budget == nil {
		return requested
	}
	if kc.budget.Remaining(requested, kc.bucket) > 0 {
		return requested
	}
	for _, identity := range kc.budget.Identities() {
		if identity == requested {
			continue
		}
		if kc.budget.Remaining(identity, kc.bucket) > 0 {
			return identity
		}
	}
	return requested
}

func (kc *KeyedRequestCacher[I, T]) sweepLocked(now time.Time) {
	if now.Sub(kc.lastSweep) < kc.interval {
		return
	}
	kc.lastSweep = now

	cutoff := now.Add(-kc.timeout)
	evicted := 0
	for key, e := range kc.entries {
		if e.LastUsedAt().Before(cutoff) && !kc.flight.InFlight(key) {
			delete(kc.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.ApplicationLogger().Debug("Evicted stale cache entries",
			"cacher", kc.name,
			"evicted", evicted,
			"remaining", len(kc.entries),
		)
	}
}

// CanonicalKey converts key into the string used to index cache entries.
// Strings, byte slices, fmt.Stringer values and integers (snowflake IDs)
// are accepted; anything else is rejected with ErrInvalidKey before any
// request is made.
func CanonicalKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case []byte:
		return string(k), nil
	case fmt.Stringer:
		return k.String(), nil
	case int:
		return strconv.FormatInt(int64(k), 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", errors.ErrInvalidKey, key)
	}
}
