package task

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	syncerrors "github.com/small-frappuccino/discordsync/pkg/errors"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

// TaskHandler is a function that processes a task payload.
type TaskHandler func(ctx context.Context, payload any) error

// TaskOptions configures how a task should be dispatched and executed.
type TaskOptions struct {
	// GroupKey serializes tasks that share it, such as purges of one
	// channel. Empty means the global group.
	GroupKey string

	// IdempotencyKey rejects a second task with the same key while the first
	// is queued or running, and for IdempotencyTTL after it finishes.
	IdempotencyKey string

	// MaxAttempts bounds retries of retryable failures. Zero means the
	// router default.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	IdempotencyTTL time.Duration
}

// Task encapsulates the work to be executed by the router.
type Task struct {
	Type    string
	Payload any
	Options TaskOptions
}

// RouterConfig configures the TaskRouter behavior.
type RouterConfig struct {
	DefaultMaxAttempts int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	IdempotencyTTL     time.Duration

	// GroupBuffer is the queue depth of each group.
	GroupBuffer int
	// GroupIdleTTL stops a group worker after this long without work.
	GroupIdleTTL time.Duration
	// CleanupInterval is how often idle groups and expired keys are swept.
	CleanupInterval time.Duration

	// GlobalMaxWorkers caps concurrent handler runs across groups. Zero or
	// less means unlimited.
	GlobalMaxWorkers int

	// Retryable decides whether a failed attempt is retried. Nil retries
	// connectivity failures only.
	Retryable func(error) bool
}

// Defaults returns a RouterConfig with sensible defaults.
func Defaults() RouterConfig {
	return RouterConfig{
		DefaultMaxAttempts: 3,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		IdempotencyTTL:     60 * time.Second,
		GroupBuffer:        128,
		GroupIdleTTL:       2 * time.Minute,
		CleanupInterval:    2 * time.Minute,
	}
}

// Errors returned by the router.
var (
	ErrRouterClosed    = errors.New("task router is closed")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrDuplicateTask   = errors.New("duplicate task (idempotency key present)")
	ErrGroupFull       = errors.New("task group queue is full")
)

const globalGroup = "_global"

// TaskRouter is an in-memory dispatcher with per-group serialization,
// idempotency and retry with exponential backoff.
type TaskRouter struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	groups   map[string]*groupWorker
	// keys maps idempotency keys to their expiry. A zero expiry means the
	// task has not finished yet.
	keys   map[string]time.Time
	closed bool
	cfg    RouterConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	randMu sync.Mutex
	rng    *rand.Rand

	execSem chan struct{}
}

type groupWorker struct {
	key        string
	ch         chan *enqueuedTask
	lastActive time.Time
	stopping   bool
	// busy is set while a task of the group is running or backing off.
	busy bool
}

type enqueuedTask struct {
	task    Task
	opts    TaskOptions
	attempt int
	result  chan error
}

// NewRouter creates a new TaskRouter with the provided configuration.
func NewRouter(cfg RouterConfig) *TaskRouter {
	def := Defaults()
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.GroupBuffer <= 0 {
		cfg.GroupBuffer = def.GroupBuffer
	}
	if cfg.GroupIdleTTL <= 0 {
		cfg.GroupIdleTTL = def.GroupIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retryable == nil {
		cfg.Retryable = syncerrors.IsConnectivity
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &TaskRouter{
		handlers: make(map[string]TaskHandler),
		groups:   make(map[string]*groupWorker),
		keys:     make(map[string]time.Time),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.GlobalMaxWorkers > 0 {
		tr.execSem = make(chan struct{}, cfg.GlobalMaxWorkers)
	}

	tr.wg.Add(1)
	go tr.backgroundLoop()
	return tr
}

// RegisterHandler registers a handler for the given task type.
func (tr *TaskRouter) RegisterHandler(taskType string, handler TaskHandler) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.handlers[taskType] = handler
}

// Dispatch enqueues t without waiting for it to run.
func (tr *TaskRouter) Dispatch(ctx context.Context, t Task) error {
	_, err := tr.Submit(ctx, t)
	return err
}

// Submit enqueues t and returns a channel that receives the final outcome
// once every attempt is spent. The channel is buffered and closed after the
// result is sent.
func (tr *TaskRouter) Submit(ctx context.Context, t Task) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed {
		return nil, ErrRouterClosed
	}
	if h, ok := tr.handlers[t.Type]; !ok || h == nil {
		return nil, ErrUnknownTaskType
	}

	opts := tr.effectiveOptions(t.Options)
	if opts.IdempotencyKey != "" {
		if expiry, exists := tr.keys[opts.IdempotencyKey]; exists && (expiry.IsZero() || time.Now().Before(expiry)) {
			return nil, ErrDuplicateTask
		}
		tr.keys[opts.IdempotencyKey] = time.Time{}
	}

	groupKey := opts.GroupKey
	if groupKey == "" {
		groupKey = globalGroup
	}
	gw := tr.ensureGroupLocked(groupKey)

	enq := &enqueuedTask{task: t, opts: opts, attempt: 1, result: make(chan error, 1)}
	select {
	case gw.ch <- enq:
		return enq.result, nil
	default:
		if opts.IdempotencyKey != "" {
			delete(tr.keys, opts.IdempotencyKey)
		}
		return nil, ErrGroupFull
	}
}

// Close cancels running handlers and waits for workers to exit. Tasks not
// yet picked up are dropped.
func (tr *TaskRouter) Close() {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	tr.closed = true
	for _, gw := range tr.groups {
		if !gw.stopping {
			gw.stopping = true
			close(gw.ch)
		}
	}
	tr.mu.Unlock()
	tr.cancel()
	tr.wg.Wait()
}

// Stats provides a snapshot with counts useful for debugging/monitoring.
type Stats struct {
	GroupsCount     int
	KeysCount       int
	RouterClosed    bool
	RegisteredTypes int
}

func (tr *TaskRouter) Stats() Stats {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return Stats{
		GroupsCount:     len(tr.groups),
		KeysCount:       len(tr.keys),
		RouterClosed:    tr.closed,
		RegisteredTypes: len(tr.handlers),
	}
}

// ScheduleEvery dispatches t every interval until the returned cancel
// function is called or the router closes. A duplicate of a still running
// run is skipped.
func (tr *TaskRouter) ScheduleEvery(interval time.Duration, t Task) func() {
	stop := make(chan struct{})
	var once sync.Once
	tr.wg.Add(1)
	go func() {
		defer tr.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := tr.Dispatch(tr.ctx, t)
				if err != nil && !errors.Is(err, ErrDuplicateTask) && !errors.Is(err, ErrRouterClosed) {
					log.ApplicationLogger().Warn("Scheduled task not dispatched", "type", t.Type, "err", err)
				}
			case <-stop:
				return
			case <-tr.ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// --- Internals ---

func (tr *TaskRouter) effectiveOptions(opt TaskOptions) TaskOptions {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = tr.cfg.DefaultMaxAttempts
	}
	if opt.InitialBackoff <= 0 {
		opt.InitialBackoff = tr.cfg.InitialBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = tr.cfg.MaxBackoff
	}
	if opt.IdempotencyTTL <= 0 {
		opt.IdempotencyTTL = tr.cfg.IdempotencyTTL
	}
	return opt
}

func (tr *TaskRouter) ensureGroupLocked(key string) *groupWorker {
	if gw, ok := tr.groups[key]; ok && !gw.stopping {
		return gw
	}
	gw := &groupWorker{
		key:        key,
		ch:         make(chan *enqueuedTask, tr.cfg.GroupBuffer),
		lastActive: time.Now(),
	}
	tr.groups[key] = gw
	tr.wg.Add(1)
	go tr.groupLoop(gw)
	return gw
}

func (tr *TaskRouter) acquireExecSlot() bool {
	if tr.execSem == nil {
		return true
	}
	select {
	case tr.execSem <- struct{}{}:
		return true
	case <-tr.ctx.Done():
		return false
	}
}

func (tr *TaskRouter) releaseExecSlot() {
	if tr.execSem != nil {
		<-tr.execSem
	}
}

func (tr *TaskRouter) groupLoop(gw *groupWorker) {
	defer tr.wg.Done()

	for enq := range gw.ch {
		tr.mu.Lock()
		gw.lastActive = time.Now()
		gw.busy = true
		handler := tr.handlers[enq.task.Type]
		tr.mu.Unlock()

		tr.runTask(gw, enq, handler)

		tr.mu.Lock()
		gw.busy = false
		gw.lastActive = time.Now()
		tr.mu.Unlock()
	}
}

func (tr *TaskRouter) runTask(gw *groupWorker, enq *enqueuedTask, handler TaskHandler) {
	if tr.ctx.Err() != nil {
		tr.finish(enq, ErrRouterClosed)
		return
	}
	if handler == nil {
		log.ApplicationLogger().Warn("Task dropped (handler not registered)", "type", enq.task.Type, "group", gw.key)
		tr.finish(enq, ErrUnknownTaskType)
		return
	}

	// Retries run inline so later tasks of the group keep their order.
	var err error
	for {
		if !tr.acquireExecSlot() {
			err = tr.ctx.Err()
			break
		}
		err = handler(tr.ctx, enq.task.Payload)
		tr.releaseExecSlot()

		if err == nil || enq.attempt >= enq.opts.MaxAttempts || !tr.cfg.Retryable(err) {
			break
		}
		delay := tr.computeBackoff(enq.opts.InitialBackoff, enq.opts.MaxBackoff, enq.attempt)
		enq.attempt++
		log.ApplicationLogger().Warn("Task failed, scheduling retry",
			"type", enq.task.Type,
			"group", gw.key,
			"attempt", enq.attempt,
			"max_attempts", enq.opts.MaxAttempts,
			"backoff", delay.String(),
			"err", err,
		)
		if !tr.sleep(delay) {
			err = tr.ctx.Err()
			break
		}
	}

	if err != nil {
		log.ErrorLoggerRaw().Error("Task failed",
			"type", enq.task.Type,
			"group", gw.key,
			"attempts", enq.attempt,
			"err", err,
		)
	}
	tr.finish(enq, err)
}

func (tr *TaskRouter) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-tr.ctx.Done():
		return false
	}
}

// finish reports the outcome and starts the idempotency TTL.
func (tr *TaskRouter) finish(enq *enqueuedTask, err error) {
	if key := enq.opts.IdempotencyKey; key != "" {
		tr.mu.Lock()
		tr.keys[key] = time.Now().Add(enq.opts.IdempotencyTTL)
		tr.mu.Unlock()
	}
	enq.result <- err
	close(enq.result)
}

func (tr *TaskRouter) computeBackoff(initial, maxBackoff time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	return clampDuration(backoff+tr.jitter(backoff, 0.1), initial, maxBackoff)
}

func (tr *TaskRouter) jitter(d time.Duration, ratio float64) time.Duration {
	delta := int64(float64(d) * ratio)
	if delta <= 0 {
		return 0
	}
	tr.randMu.Lock()
	defer tr.randMu.Unlock()
	return time.Duration(tr.rng.Int63n(2*delta+1) - delta)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return max(min(v, hi), lo)
}

func (tr *TaskRouter) backgroundLoop() {
	defer tr.wg.Done()
	t := time.NewTicker(tr.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-tr.ctx.Done():
			return
		case <-t.C:
			tr.cleanupOnce()
		}
	}
}

func (tr *TaskRouter) cleanupOnce() {
	now := time.Now()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for k, expiry := range tr.keys {
		if !expiry.IsZero() && now.After(expiry) {
			delete(tr.keys, k)
		}
	}
	for key, gw := range tr.groups {
		if gw.stopping {
			continue
		}
		if !gw.busy && now.Sub(gw.lastActive) >= tr.cfg.GroupIdleTTL && len(gw.ch) == 0 {
			gw.stopping = true
			close(gw.ch)
			delete(tr.groups, key)
		}
	}
}
