package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/focusqueue/internal/analysis"
	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/events"
	"github.com/phrazzld/focusqueue/internal/queue"
)

// memStore is an in-memory queue.Store with the same transition semantics
// as the SQLite implementation, good enough to drive the pool in tests.
type memStore struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*queue.Item
	maxRetries int

	recoverCalls int
	rearmCalls   int
	requeueCalls int
}

func newMemStore(maxRetries int) *memStore {
	return &memStore{items: make(map[uuid.UUID]*queue.Item), maxRetries: maxRetries}
}

func (m *memStore) Enqueue(_ context.Context, payloadRef string, priority queue.Priority) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.PayloadRef == payloadRef && !it.Status.Terminal() {
			return uuid.Nil, queue.ErrDuplicateItem
		}
	}
	id := uuid.New()
	m.items[id] = &queue.Item{
		ID:         id,
		PayloadRef: payloadRef,
		Priority:   priority,
		Status:     queue.StatusPending,
		CreatedAt:  time.Now(),
	}
	return id, nil
}

func (m *memStore) DequeueNext(_ context.Context) (*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*queue.Item
	for _, it := range m.items {
		if it.Status == queue.StatusPending {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	it := pending[0]
	now := time.Now()
	it.Status = queue.StatusProcessing
	it.StartedAt = &now
	copied := *it
	return &copied, nil
}

func (m *memStore) GetItem(_ context.Context, id uuid.UUID) (*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	copied := *it
	return &copied, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	now := time.Now()
	it.Status = queue.StatusCompleted
	it.CompletedAt = &now
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	now := time.Now()
	it.Status = queue.StatusFailed
	it.CompletedAt = &now
	it.Attempts++
	it.ErrorMessage = message
	return nil
}

func (m *memStore) MarkForRetry(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return false, queue.ErrItemNotFound
	}
	if it.Status != queue.StatusFailed || it.Attempts >= m.maxRetries {
		return false, nil
	}
	it.Status = queue.StatusPending
	it.StartedAt = nil
	it.CompletedAt = nil
	return true, nil
}

func (m *memStore) Requeue(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueCalls++
	it, ok := m.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	it.Status = queue.StatusPending
	it.StartedAt = nil
	return nil
}

func (m *memStore) RecoverStaleItems(_ context.Context, staleAfter time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverCalls++
	cutoff := time.Now().Add(-staleAfter)
	n := 0
	for _, it := range m.items {
		if it.Status == queue.StatusProcessing && it.StartedAt != nil && it.StartedAt.Before(cutoff) {
			it.Status = queue.StatusPending
			it.StartedAt = nil
			it.Attempts++
			n++
		}
	}
	return n, nil
}

func (m *memStore) RearmFailed(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rearmCalls++
	n := 0
	for _, it := range m.items {
		if it.Status == queue.StatusFailed && it.Attempts < m.maxRetries {
			it.Status = queue.StatusPending
			it.StartedAt = nil
			it.CompletedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	return 0, nil
}

func (m *memStore) Stats(_ context.Context) (queue.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s queue.Stats
	for _, it := range m.items {
		switch it.Status {
		case queue.StatusPending:
			s.Pending++
		case queue.StatusProcessing:
			s.Processing++
		case queue.StatusCompleted:
			s.Completed++
		case queue.StatusFailed:
			s.Failed++
		}
		s.Total++
	}
	return s, nil
}

func (m *memStore) WithTx(_ *sql.Tx) queue.Store { return m }

func (m *memStore) statusOf(t *testing.T, id uuid.UUID) queue.Status {
	t.Helper()
	it, err := m.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it.Status
}

// scriptedInvoker returns canned responses per payload and tracks peak
// concurrency.
type scriptedInvoker struct {
	mu         sync.Mutex
	errs       map[string]error
	remaining  map[string]int // payload -> failures left before success
	inFlight   int
	peak       int
	gate       chan struct{} // when set, calls block until the gate closes
	callCounts map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		errs:       make(map[string]error),
		remaining:  make(map[string]int),
		callCounts: make(map[string]int),
	}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, payload string) (*analysis.Result, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.callCounts[payload]++
	gate := s.gate
	var err error
	if n, transient := s.remaining[payload]; transient {
		// Scripted to fail n times, then succeed.
		if n > 0 {
			s.remaining[payload] = n - 1
			err = s.errs[payload]
		}
	} else {
		err = s.errs[payload]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &analysis.Result{Payload: payload, Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *scriptedInvoker) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *scriptedInvoker) calls(payload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCounts[payload]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	cfg.StaleCheckInterval = time.Hour
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestPoolProcessesPendingItems(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	pool := NewPool(store, invoker, fastConfig(), testLogger())

	idA, err := store.Enqueue(context.Background(), "doc-a.pdf", queue.PriorityNormal)
	require.NoError(t, err)
	idB, err := store.Enqueue(context.Background(), "doc-b.pdf", queue.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer func() { require.NoError(t, pool.Stop()) }()

	waitFor(t, 3*time.Second, func() bool {
		return store.statusOf(t, idA) == queue.StatusCompleted &&
			store.statusOf(t, idB) == queue.StatusCompleted
	}, "both items completed")

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Failed)
	assert.GreaterOrEqual(t, stats.AvgProcessingMillis, float64(0))
}

func TestPoolRespectsWorkerLimit(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	gate := make(chan struct{})
	invoker.gate = gate

	cfg := fastConfig()
	cfg.MaxWorkers = 2
	pool := NewPool(store, invoker, cfg, testLogger())

	payloads := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, p := range payloads {
		_, err := store.Enqueue(context.Background(), p, queue.PriorityNormal)
		require.NoError(t, err)
	}

	require.NoError(t, pool.Start())

	waitFor(t, 3*time.Second, func() bool {
		return pool.ActiveWorkers() == 2
	}, "two workers busy")
	// Give the coordinator a chance to over-dispatch, then verify it didn't.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, pool.ActiveWorkers())
	assert.LessOrEqual(t, invoker.peakConcurrency(), 2)

	close(gate)
	waitFor(t, 3*time.Second, func() bool {
		s, err := store.Stats(context.Background())
		require.NoError(t, err)
		return s.Completed == len(payloads)
	}, "all items completed after gate opened")

	require.NoError(t, pool.Stop())
	assert.LessOrEqual(t, invoker.peakConcurrency(), 2)
}

func TestPoolSetWorkerLimitClamps(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxWorkers = 4
	pool := NewPool(newMemStore(3), newScriptedInvoker(), cfg, testLogger())

	pool.SetWorkerLimit(0)
	assert.Equal(t, 1, pool.WorkerLimit())

	pool.SetWorkerLimit(100)
	assert.Equal(t, 4, pool.WorkerLimit())

	pool.SetWorkerLimit(2)
	assert.Equal(t, 2, pool.WorkerLimit())
	assert.Equal(t, 4, pool.MaxWorkers())
}

func TestPoolRetriesFailedItems(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	// Fail twice, then succeed.
	invoker.errs["flaky.pdf"] = analysis.ErrFailure
	invoker.remaining["flaky.pdf"] = 2

	pool := NewPool(store, invoker, fastConfig(), testLogger())
	id, err := store.Enqueue(context.Background(), "flaky.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer func() { require.NoError(t, pool.Stop()) }()

	waitFor(t, 5*time.Second, func() bool {
		return store.statusOf(t, id) == queue.StatusCompleted
	}, "item completed after retries")

	assert.Equal(t, 3, invoker.calls("flaky.pdf"))
	item, err := store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
}

func TestPoolExhaustedRetriesEmitFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore(2)
	invoker := newScriptedInvoker()
	invoker.errs["broken.pdf"] = analysis.ErrFailure

	emitter := events.NewInMemoryEmitter(testLogger())
	var failedMu sync.Mutex
	var failedEvents []*events.Event
	emitter.RegisterHandler(events.HandlerFunc(func(_ context.Context, e *events.Event) error {
		if e.Type != events.TypeItemFailed {
			return nil
		}
		failedMu.Lock()
		failedEvents = append(failedEvents, e)
		failedMu.Unlock()
		return nil
	}))

	pool := NewPool(store, invoker, fastConfig(), testLogger())
	pool.SetEmitter(emitter)

	id, err := store.Enqueue(context.Background(), "broken.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer func() { require.NoError(t, pool.Stop()) }()

	waitFor(t, 5*time.Second, func() bool {
		failedMu.Lock()
		defer failedMu.Unlock()
		return len(failedEvents) == 1
	}, "terminal failure event emitted")

	assert.Equal(t, queue.StatusFailed, store.statusOf(t, id))
	item, err := store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, 2, invoker.calls("broken.pdf"))
}

func TestPoolRequeuesOnCircuitOpen(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	invoker.errs["blocked.pdf"] = &breaker.CircuitOpenError{TimeUntilRecovery: time.Minute}

	pool := NewPool(store, invoker, fastConfig(), testLogger())
	id, err := store.Enqueue(context.Background(), "blocked.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())

	waitFor(t, 3*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.requeueCalls >= 1
	}, "item requeued after circuit rejection")

	require.NoError(t, pool.Stop())

	item, err := store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Attempts, "circuit rejections must not consume attempts")
	stats := pool.Stats()
	assert.Greater(t, stats.Requeued, int64(0))
	assert.Equal(t, int64(0), stats.Processed, "requeued items were never processed")
}

func TestPoolStartRecoversInterruptedWork(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)

	// Simulate a crash: one item stuck in processing, one failed mid-backoff.
	stuckID, err := store.Enqueue(context.Background(), "stuck.pdf", queue.PriorityNormal)
	require.NoError(t, err)
	_, err = store.DequeueNext(context.Background())
	require.NoError(t, err)

	failedID, err := store.Enqueue(context.Background(), "failed.pdf", queue.PriorityNormal)
	require.NoError(t, err)
	claimed, err := store.DequeueNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, failedID, claimed.ID)
	require.NoError(t, store.MarkFailed(context.Background(), failedID, "interrupted"))

	invoker := newScriptedInvoker()
	pool := NewPool(store, invoker, fastConfig(), testLogger())
	require.NoError(t, pool.Start())
	defer func() { require.NoError(t, pool.Stop()) }()

	waitFor(t, 3*time.Second, func() bool {
		return store.statusOf(t, stuckID) == queue.StatusCompleted &&
			store.statusOf(t, failedID) == queue.StatusCompleted
	}, "interrupted items recovered and processed")
}

func TestPoolAdmissionDenialDefersDispatch(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	pool := NewPool(store, invoker, fastConfig(), testLogger())

	var admit sync.Map
	admit.Store("ok", false)
	pool.SetAdmissionChecker(admissionFunc(func() bool {
		v, _ := admit.Load("ok")
		return v.(bool)
	}))

	id, err := store.Enqueue(context.Background(), "deferred.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer func() { require.NoError(t, pool.Stop()) }()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, queue.StatusPending, store.statusOf(t, id), "item must stay pending while admission is denied")

	admit.Store("ok", true)
	waitFor(t, 3*time.Second, func() bool {
		return store.statusOf(t, id) == queue.StatusCompleted
	}, "item processed once admission allowed")
}

type admissionFunc func() bool

func (f admissionFunc) CanAcceptWork() bool { return f() }

// stuckInvoker blocks until its gate closes, ignoring ctx, to simulate a
// worker that does not respond to cancellation.
type stuckInvoker struct {
	gate chan struct{}
}

func (s *stuckInvoker) Invoke(_ context.Context, payload string) (*analysis.Result, error) {
	<-s.gate
	return &analysis.Result{Payload: payload, Output: json.RawMessage(`{}`)}, nil
}

func TestPoolStopDrainsInFlightWork(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	invoker := newScriptedInvoker()
	gate := make(chan struct{})
	invoker.gate = gate

	pool := NewPool(store, invoker, fastConfig(), testLogger())

	id, err := store.Enqueue(context.Background(), "slow.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	waitFor(t, 3*time.Second, func() bool { return pool.ActiveWorkers() == 1 }, "worker busy")

	stopDone := make(chan error, 1)
	go func() { stopDone <- pool.Stop() }()

	// Stop must wait for the in-flight call, not abort it. The gated invoker
	// bails out with ctx.Err() if its context is cancelled, so a completed
	// item below also proves the job context survived Stop.
	select {
	case err := <-stopDone:
		t.Fatalf("Stop returned before in-flight work finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-stopDone)

	assert.Equal(t, queue.StatusCompleted, store.statusOf(t, id),
		"an in-flight item must finish and be recorded across Stop")
	assert.Equal(t, int64(1), pool.Stats().Succeeded)
}

func TestPoolStopTimesOutOnStuckWorker(t *testing.T) {
	t.Parallel()

	store := newMemStore(3)
	gate := make(chan struct{})
	invoker := &stuckInvoker{gate: gate}

	cfg := fastConfig()
	cfg.StopTimeout = 100 * time.Millisecond
	pool := NewPool(store, invoker, cfg, testLogger())

	_, err := store.Enqueue(context.Background(), "wedged.pdf", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	waitFor(t, 3*time.Second, func() bool { return pool.ActiveWorkers() == 1 }, "worker busy")

	err = pool.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not drain")
	close(gate)
}

func TestExpJitterBounds(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := 10 * time.Second

	// rnd pinned to just under 1 exposes the pre-jitter ceiling.
	almostOne := func() float64 { return 0.999 }
	assert.Less(t, expJitter(1, base, max, almostOne), base)
	assert.Less(t, expJitter(3, base, max, almostOne), 4*base)
	assert.Less(t, expJitter(20, base, max, almostOne), max)

	zero := func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), expJitter(5, base, max, zero))

	// attempt below 1 is clamped.
	assert.Less(t, expJitter(0, base, max, almostOne), base)
}
