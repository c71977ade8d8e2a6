package reqcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/clock"
)

type category struct{ Name string }

type scriptedProducer struct {
	mu    sync.Mutex
	calls int
	next  func() ([]category, error)
}

func (p *scriptedProducer) produce(context.Context) ([]category, error) {
	p.mu.Lock()
	p.calls++
	next := p.next
	p.mu.Unlock()
	return next()
}

func (p *scriptedProducer) set(next func() ([]category, error)) {
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
}

func (p *scriptedProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRequestCacherSingleFlight(t *testing.T) {
	clk := clock.Fake(epoch)
	release := make(chan struct{})
	var calls atomic.Int32
	rc := NewRequestCacher(func(context.Context) ([]category, error) {
		calls.Add(1)
		<-release
		return []category{{Name: "Gaming"}}, nil
	}, Config{Name: "categories", Timeout: time.Hour, Clock: clk})

	const n = 10
	var wg sync.WaitGroup
	results := make([][]category, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := rc.Execute(context.Background())
			if err != nil {
				t.Errorf("Execute: %v", err)
			}
			results[i] = v
		}()
	}
	waitFor(t, func() bool { return rc.flight.Waiters(globalKey) == n })
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected producer once, got %d", calls.Load())
	}
	for i, v := range results {
		if len(v) != 1 || &v[0] != &results[0][0] {
			t.Fatalf("caller %d received a different result", i)
		}
	}
}

func TestRequestCacherServesFreshValueWithoutIO(t *testing.T) {
	clk := clock.Fake(epoch)
	p := &scriptedProducer{}
	p.set(func() ([]category, error) { return []category{{Name: "Music"}}, nil })
	rc := NewRequestCacher(p.produce, Config{Timeout: time.Hour, Clock: clk})

	first, err := rc.Execute(context.Background())
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	clk.Advance(59 * time.Minute)
	p.set(func() ([]category, error) { return []category{{Name: "Other"}}, nil })
	second, err := rc.Execute(context.Background())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if p.count() != 1 {
		t.Fatalf("expected no second request, got %d calls", p.count())
	}
	if &first[0] != &second[0] {
		t.Fatalf("expected the cached slice back")
	}

	clk.Advance(2 * time.Minute)
	third, err := rc.Execute(context.Background())
	if err != nil {
		t.Fatalf("third Execute: %v", err)
	}
	if p.count() != 2 || third[0].Name != "Other" {
		t.Fatalf("expected refetch after timeout, calls=%d got=%v", p.count(), third)
	}
}

func TestRequestCacherStaleFallbackOnConnectivityFailure(t *testing.T) {
	clk := clock.Fake(epoch)
	p := &scriptedProducer{}
	p.set(func() ([]category, error) { return []category{{Name: "Science"}}, nil })
	rc := NewRequestCacher(p.produce, Config{Timeout: time.Hour, Clock: clk})
	if _, err := rc.Execute(context.Background()); err != nil {
		t.Fatalf("warm Execute: %v", err)
	}

	clk.Advance(3 * time.Hour)
	p.set(func() ([]category, error) { return nil, connectivityErr() })
	got, err := rc.Execute(context.Background())
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if len(got) != 1 || got[0].Name != "Science" {
		t.Fatalf("unexpected stale value: %v", got)
	}
}

func TestRequestCacherPropagatesPlatformFailure(t *testing.T) {
	clk := clock.Fake(epoch)
	p := &scriptedProducer{}
	p.set(func() ([]category, error) { return []category{{Name: "Art"}}, nil })
	rc := NewRequestCacher(p.produce, Config{Timeout: time.Hour, Clock: clk})
	if _, err := rc.Execute(context.Background()); err != nil {
		t.Fatalf("warm Execute: %v", err)
	}

	clk.Advance(2 * time.Hour)
	want := platformErr()
	p.set(func() ([]category, error) { return nil, want })
	if _, err := rc.Execute(context.Background()); err != want {
		t.Fatalf("expected platform error unmodified, got %v", err)
	}
}

func TestRequestCacherJoinedWaitersShareError(t *testing.T) {
	release := make(chan struct{})
	want := platformErr()
	rc := NewRequestCacher(func(context.Context) (int, error) {
		<-release
		return 0, want
	}, Config{Timeout: time.Hour, Clock: clock.Fake(epoch)})

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rc.Execute(context.Background())
		}()
	}
	waitFor(t, func() bool { return rc.flight.Waiters(globalKey) == n })
	close(release)
	wg.Wait()
	for i, err := range errs {
		if err != want {
			t.Fatalf("waiter %d got %v", i, err)
		}
	}
}

func TestRequestCacherConnectivityFailureWithoutCache(t *testing.T) {
	rc := NewRequestCacher(func(context.Context) (int, error) {
		return 0, connectivityErr()
	}, Config{Timeout: time.Hour, Clock: clock.Fake(epoch)})
	if _, err := rc.Execute(context.Background()); err == nil {
		t.Fatalf("expected connectivity error without a cached value")
	}
}

// Seeded fallback, outage, recovery, then a real refetch once the window ends.
func TestRequestCacherSeededFallbackScenario(t *testing.T) {
	clk := clock.Fake(epoch)
	a := category{Name: "A"}
	b := category{Name: "B"}
	p := &scriptedProducer{}
	p.set(func() ([]category, error) { return nil, connectivityErr() })
	rc := NewRequestCacher(p.produce, Config{Timeout: 3600 * time.Second, Clock: clk})
	rc.Seed([]category{a}, time.Time{})

	got, err := rc.Execute(context.Background())
	if err != nil || len(got) != 1 || got[0] != a {
		t.Fatalf("expected seeded [A], got %v err=%v", got, err)
	}

	p.set(func() ([]category, error) { return []category{a, b}, nil })
	again, err := rc.Execute(context.Background())
	if err != nil || len(again) != 1 || &again[0] != &got[0] {
		t.Fatalf("expected the same cached object, got %v err=%v", again, err)
	}
	if p.count() != 1 {
		t.Fatalf("expected no request inside the window, calls=%d", p.count())
	}

	clk.Advance(3601 * time.Second)
	fresh, err := rc.Execute(context.Background())
	if err != nil || len(fresh) != 2 {
		t.Fatalf("expected [A B] after the window, got %v err=%v", fresh, err)
	}
}

func TestRequestCacherRefreshAndInvalidate(t *testing.T) {
	clk := clock.Fake(epoch)
	var calls atomic.Int32
	rc := NewRequestCacher(func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}, Config{Timeout: time.Hour, Clock: clk})

	var stored []int32
	rc.OnStore(func(v int32, at time.Time) { stored = append(stored, v) })

	if v, _ := rc.Execute(context.Background()); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if v, _ := rc.Refresh(context.Background()); v != 2 {
		t.Fatalf("Refresh should bypass freshness, got %d", v)
	}
	rc.Invalidate()
	if v, ok := rc.Peek(); !ok || v != 2 {
		t.Fatalf("Invalidate must keep the value, got %d %v", v, ok)
	}
	if v, _ := rc.Execute(context.Background()); v != 3 {
		t.Fatalf("expected refetch after Invalidate, got %d", v)
	}
	if len(stored) != 3 {
		t.Fatalf("expected OnStore per success, got %v", stored)
	}
}

func TestRequestCacherCancelledCallerLeavesResultCached(t *testing.T) {
	release := make(chan struct{})
	rc := NewRequestCacher(func(context.Context) (string, error) {
		<-release
		return "late", nil
	}, Config{Timeout: time.Hour, Clock: clock.Fake(epoch)})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rc.Execute(ctx)
		errCh <- err
	}()
	waitFor(t, func() bool { return rc.flight.InFlight(globalKey) })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	close(release)
	waitFor(t, func() bool { return !rc.flight.InFlight(globalKey) })
	if v, ok := rc.Peek(); !ok || v != "late" {
		t.Fatalf("late result not cached: %q %v", v, ok)
	}
}
