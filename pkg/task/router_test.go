package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	syncerrors "github.com/small-frappuccino/discordsync/pkg/errors"
)

func newTestConfig() RouterConfig {
	return RouterConfig{
		DefaultMaxAttempts: 3,
		InitialBackoff:     5 * time.Millisecond,
		MaxBackoff:         10 * time.Millisecond,
		IdempotencyTTL:     100 * time.Millisecond,
		GroupBuffer:        8,
		GroupIdleTTL:       200 * time.Millisecond,
		CleanupInterval:    20 * time.Millisecond,
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatalf("task did not finish in time")
		return nil
	}
}

func TestDispatchExecutesHandler(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	done := make(chan string, 1)
	router.RegisterHandler("ping", func(ctx context.Context, payload any) error {
		done <- payload.(string)
		return nil
	})

	if err := router.Dispatch(context.Background(), Task{Type: "ping", Payload: "ok"}); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}

	select {
	case val := <-done:
		if val != "ok" {
			t.Fatalf("unexpected payload: %s", val)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("handler did not run in time")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	if err := router.Dispatch(context.Background(), Task{Type: "missing"}); !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestDispatchIdempotency(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	var calls int32
	release := make(chan struct{})
	router.RegisterHandler("once", func(ctx context.Context, payload any) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	})

	task := Task{Type: "once", Options: TaskOptions{IdempotencyKey: "dup", IdempotencyTTL: 500 * time.Millisecond}}
	result, err := router.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if err := router.Dispatch(context.Background(), task); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected duplicate error while running, got: %v", err)
	}
	close(release)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("unexpected task error: %v", err)
	}
	if err := router.Dispatch(context.Background(), task); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected duplicate error within ttl, got: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected handler called once, got %d", got)
	}
}

func TestSubmitReportsOutcome(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	boom := errors.New("boom")
	router.RegisterHandler("fail", func(ctx context.Context, payload any) error {
		return boom
	})

	result, err := router.Submit(context.Background(), Task{Type: "fail"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResult(t, result); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestDispatchRetriesConnectivityErrors(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	var attempts int32
	router.RegisterHandler("flaky", func(ctx context.Context, payload any) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return &syncerrors.ConnectivityError{Op: "flaky"}
		}
		return nil
	})

	result, err := router.Submit(context.Background(), Task{Type: "flaky"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDispatchDoesNotRetryOtherErrors(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	var attempts int32
	router.RegisterHandler("bad", func(ctx context.Context, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("rejected")
	})

	result, err := router.Submit(context.Background(), Task{Type: "bad"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := waitResult(t, result); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := newTestConfig()
	cfg.Retryable = func(error) bool { return true }
	router := NewRouter(cfg)
	t.Cleanup(router.Close)

	var attempts int32
	router.RegisterHandler("down", func(ctx context.Context, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("down")
	})

	result, err := router.Submit(context.Background(), Task{Type: "down", Options: TaskOptions{MaxAttempts: 2}})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := waitResult(t, result); err == nil {
		t.Fatalf("expected final error")
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestGroupSerializesTasks(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	var running, peak int32
	router.RegisterHandler("serial", func(ctx context.Context, payload any) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	var results []<-chan error
	for range 4 {
		ch, err := router.Submit(context.Background(), Task{Type: "serial", Options: TaskOptions{GroupKey: "chan-1"}})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		results = append(results, ch)
	}
	for _, ch := range results {
		if err := waitResult(t, ch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("expected tasks of one group to run one at a time, peak %d", got)
	}
}

func TestCloseCancelsHandlers(t *testing.T) {
	router := NewRouter(newTestConfig())

	started := make(chan struct{})
	router.RegisterHandler("block", func(ctx context.Context, payload any) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	result, err := router.Submit(context.Background(), Task{Type: "block"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-started
	router.Close()

	if err := waitResult(t, result); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := router.Dispatch(context.Background(), Task{Type: "block"}); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected closed router error, got %v", err)
	}
}

func TestScheduleEveryRunsAndCancels(t *testing.T) {
	router := NewRouter(newTestConfig())
	t.Cleanup(router.Close)

	var count int32
	router.RegisterHandler("cron", func(ctx context.Context, payload any) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	cancel := router.ScheduleEvery(15*time.Millisecond, Task{Type: "cron"})
	time.Sleep(60 * time.Millisecond)
	cancel()
	afterCancel := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)

	if afterCancel == 0 {
		t.Fatalf("expected scheduled task to run at least once")
	}
	if atomic.LoadInt32(&count) > afterCancel+1 {
		t.Fatalf("scheduled task continued running after cancel")
	}
}

func TestLongRunningGroupIsNotSwept(t *testing.T) {
	cfg := newTestConfig()
	cfg.GroupIdleTTL = 20 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	router := NewRouter(cfg)
	t.Cleanup(router.Close)

	var running, peak int32
	router.RegisterHandler("slow", func(ctx context.Context, payload any) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	opts := TaskOptions{GroupKey: "channel:1"}
	first, err := router.Submit(context.Background(), Task{Type: "slow", Options: opts})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	// Several sweeps pass while the first task is still running.
	time.Sleep(60 * time.Millisecond)
	second, err := router.Submit(context.Background(), Task{Type: "slow", Options: opts})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	for _, ch := range []<-chan error{first, second} {
		if err := waitResult(t, ch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("tasks of one group ran concurrently, peak %d", got)
	}
}
