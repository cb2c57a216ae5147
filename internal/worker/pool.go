// Package worker implements the bounded concurrent pool that drains the
// persistent queue, runs payloads through the guarded analyzer, and
// schedules delayed retries for failed items. The pool's worker ceiling can
// be adjusted at runtime, which is how the resource controller sheds or
// restores capacity under pressure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/focusqueue/internal/analysis"
	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/events"
	"github.com/phrazzld/focusqueue/internal/queue"
)

// Invoker runs one analysis call. *breaker.Breaker satisfies it; tests
// substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, payload string) (*analysis.Result, error)
}

// AdmissionChecker gates new work when the host is under resource pressure.
// The resource controller implements it.
type AdmissionChecker interface {
	CanAcceptWork() bool
}

// Config holds pool tuning knobs.
type Config struct {
	// MaxWorkers is the hard upper bound on concurrent item processing. The
	// effective ceiling starts here and is lowered or restored at runtime
	// via SetWorkerLimit, never above MaxWorkers.
	MaxWorkers int

	// PollInterval is how often the coordinator checks the queue for
	// pending items when a previous pass found it empty.
	PollInterval time.Duration

	// StopTimeout bounds how long Stop waits for in-flight items.
	StopTimeout time.Duration

	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff
	// applied before a failed item is re-armed.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// StaleAfter defines how long an item may sit in processing before the
	// periodic sweep assumes its worker died and returns it to pending.
	StaleAfter time.Duration

	// StaleCheckInterval defines how often the stale sweep runs. If zero,
	// defaults to 5 minutes.
	StaleCheckInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:         3,
		PollInterval:       5 * time.Second,
		StopTimeout:        30 * time.Second,
		RetryBaseDelay:     5 * time.Second,
		RetryMaxDelay:      5 * time.Minute,
		StaleAfter:         30 * time.Minute,
		StaleCheckInterval: 5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	ActiveWorkers       int     `json:"active_workers"`
	WorkerLimit         int     `json:"worker_limit"`
	Processed           int64   `json:"processed"`
	Succeeded           int64   `json:"succeeded"`
	Failed              int64   `json:"failed"`
	Requeued            int64   `json:"requeued"`
	AvgProcessingMillis float64 `json:"avg_processing_ms"`
}

// Pool coordinates item processing against the store.
type Pool struct {
	store   queue.Store
	invoker Invoker
	config  Config
	logger  *slog.Logger

	admission AdmissionChecker
	emitter   events.Emitter

	// ctx governs claiming and coordination; jobCtx governs in-flight
	// invocations and their outcome writes. Stop cancels ctx immediately but
	// leaves jobCtx alive while the pool drains, so running jobs finish and
	// record their results.
	ctx        context.Context
	cancelFunc context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	wg         sync.WaitGroup
	retries    *retryScheduler
	rnd        func() float64

	limit atomic.Int64

	mu     sync.Mutex
	active map[uuid.UUID]time.Time

	processed       atomic.Int64
	succeeded       atomic.Int64
	failed          atomic.Int64
	requeued        atomic.Int64
	processingNanos atomic.Int64
}

// NewPool creates a Pool. The worker ceiling starts at config.MaxWorkers.
func NewPool(store queue.Store, invoker Invoker, config Config, logger *slog.Logger) *Pool {
	if config.StaleCheckInterval == 0 {
		config.StaleCheckInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	p := &Pool{
		store:      store,
		invoker:    invoker,
		config:     config,
		logger:     logger.With("component", "worker_pool"),
		ctx:        ctx,
		cancelFunc: cancel,
		jobCtx:     jobCtx,
		jobCancel:  jobCancel,
		rnd:        rand.Float64,
		active:     make(map[uuid.UUID]time.Time),
	}
	p.limit.Store(int64(config.MaxWorkers))
	p.retries = newRetryScheduler(p.rearmItem)
	return p
}

// SetAdmissionChecker wires the resource admission gate. Without one the
// pool admits work whenever a worker slot is free.
func (p *Pool) SetAdmissionChecker(checker AdmissionChecker) {
	p.admission = checker
}

// SetEmitter wires lifecycle event publication. Without one events are
// silently skipped.
func (p *Pool) SetEmitter(emitter events.Emitter) {
	p.emitter = emitter
}

// Start recovers interrupted work from previous runs, then launches the
// coordinator, the retry scheduler, and the stale-item sweep.
func (p *Pool) Start() error {
	if err := p.recover(); err != nil {
		return fmt.Errorf("failed to recover interrupted items: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.retries.run(p.ctx)
	}()

	p.wg.Add(1)
	go p.coordinate()

	p.wg.Add(1)
	go p.staleSweep()

	return nil
}

// Stop halts claiming and coordination, then waits up to StopTimeout for
// in-flight items to finish and record their outcomes. Only after the
// deadline are remaining jobs hard-cancelled; their items are left for the
// next startup's recovery pass.
func (p *Pool) Stop() error {
	p.cancelFunc()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.jobCancel()
		return nil
	case <-time.After(p.config.StopTimeout):
		p.jobCancel()
		return fmt.Errorf("worker pool did not drain within %s", p.config.StopTimeout)
	}
}

// SetWorkerLimit adjusts the live worker ceiling, clamped to
// [1, MaxWorkers]. In-flight items above a lowered ceiling run to
// completion; the coordinator just stops claiming new work until the count
// falls below the limit.
func (p *Pool) SetWorkerLimit(n int) {
	if n < 1 {
		n = 1
	}
	if n > p.config.MaxWorkers {
		n = p.config.MaxWorkers
	}
	old := p.limit.Swap(int64(n))
	if int64(n) != old {
		p.logger.Info("worker limit adjusted", "old_limit", old, "new_limit", n)
	}
}

// WorkerLimit returns the current worker ceiling.
func (p *Pool) WorkerLimit() int {
	return int(p.limit.Load())
}

// MaxWorkers returns the configured hard upper bound.
func (p *Pool) MaxWorkers() int {
	return p.config.MaxWorkers
}

// ActiveWorkers returns the number of items currently being processed.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		ActiveWorkers: p.ActiveWorkers(),
		WorkerLimit:   p.WorkerLimit(),
		Processed:     p.processed.Load(),
		Succeeded:     p.succeeded.Load(),
		Failed:        p.failed.Load(),
		Requeued:      p.requeued.Load(),
	}
	if s.Succeeded > 0 {
		totalMillis := float64(p.processingNanos.Load()) / float64(time.Millisecond)
		s.AvgProcessingMillis = totalMillis / float64(s.Succeeded)
	}
	return s
}

// recover resets work interrupted by a crash: items stuck in processing go
// back to pending, and failed items that were awaiting a delayed retry are
// re-armed immediately.
func (p *Pool) recover() error {
	ctx := p.ctx

	// Any processing item at startup belonged to a dead worker, so recover
	// regardless of age.
	recovered, err := p.store.RecoverStaleItems(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to recover stale items: %w", err)
	}

	rearmed, err := p.store.RearmFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-arm failed items: %w", err)
	}

	if recovered > 0 || rearmed > 0 {
		p.logger.Info("recovered interrupted items",
			"recovered_processing", recovered,
			"rearmed_failed", rearmed)
	}
	return nil
}

// coordinate is the dispatch loop. Each pass drains the queue until it is
// empty, a worker slot is unavailable, or admission is denied, then sleeps
// for the poll interval.
func (p *Pool) coordinate() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		p.dispatch()

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch claims pending items while capacity allows and hands each to its
// own goroutine.
func (p *Pool) dispatch() {
	for {
		if p.ctx.Err() != nil {
			return
		}
		if p.ActiveWorkers() >= p.WorkerLimit() {
			return
		}
		if p.admission != nil && !p.admission.CanAcceptWork() {
			p.logger.Debug("admission denied, deferring dispatch")
			return
		}

		item, err := p.store.DequeueNext(p.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Error("failed to dequeue item", "error", err)
			}
			return
		}
		if item == nil {
			return
		}

		p.track(item.ID)
		p.wg.Add(1)
		go func(it *queue.Item) {
			defer p.wg.Done()
			defer p.untrack(it.ID)
			p.processItem(it)
		}(item)
	}
}

// processItem runs one claimed item through the invoker and records the
// outcome in the store.
func (p *Pool) processItem(item *queue.Item) {
	logger := p.logger.With(
		"item_id", item.ID,
		"payload_ref", item.PayloadRef,
		"priority", item.Priority.String(),
		"attempts", item.Attempts,
	)

	logger.Info("processing item")
	start := time.Now()
	result, err := p.invoker.Invoke(p.jobCtx, item.PayloadRef)
	elapsed := time.Since(start)

	if err == nil {
		p.processed.Add(1)
		if markErr := p.store.MarkCompleted(p.jobCtx, item.ID); markErr != nil {
			logger.Error("failed to mark item completed", "error", markErr)
			return
		}
		p.succeeded.Add(1)
		p.processingNanos.Add(int64(elapsed))
		logger.Info("item completed", "duration", elapsed, "output_bytes", len(result.Output))
		p.emit(events.TypeItemCompleted, itemEventPayload{
			ItemID:     item.ID.String(),
			PayloadRef: item.PayloadRef,
			DurationMS: elapsed.Milliseconds(),
		})
		return
	}

	// A circuit-open rejection is not the item's fault: return it to
	// pending without consuming an attempt and let a later pass retry it.
	// The item was never actually processed, so it does not count toward
	// the processed total.
	if errors.Is(err, breaker.ErrCircuitOpen) {
		if reqErr := p.store.Requeue(p.jobCtx, item.ID); reqErr != nil {
			logger.Error("failed to requeue item after circuit rejection", "error", reqErr)
			return
		}
		p.requeued.Add(1)
		logger.Warn("analysis unavailable, item requeued", "error", err)
		return
	}

	p.processed.Add(1)
	p.failed.Add(1)
	if markErr := p.store.MarkFailed(p.jobCtx, item.ID, err.Error()); markErr != nil {
		logger.Error("failed to mark item failed", "error", markErr)
		return
	}

	// Attempts was incremented by MarkFailed; use the post-failure count to
	// size the backoff.
	delay := expJitter(item.Attempts+1, p.config.RetryBaseDelay, p.config.RetryMaxDelay, p.rnd)
	logger.Warn("item failed, retry scheduled", "error", err, "retry_delay", delay)
	p.retries.schedule(p.ctx, item.ID, time.Now().Add(delay))
}

// rearmItem fires when an item's backoff elapses. MarkForRetry decides
// whether attempts remain; when they do not, the item stays failed and a
// terminal event is emitted.
func (p *Pool) rearmItem(ctx context.Context, itemID uuid.UUID) {
	retried, err := p.store.MarkForRetry(ctx, itemID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to re-arm item for retry", "item_id", itemID, "error", err)
		}
		return
	}
	if retried {
		p.logger.Info("item re-armed for retry", "item_id", itemID)
		return
	}

	p.logger.Warn("item exhausted retries", "item_id", itemID)
	p.emit(events.TypeItemFailed, itemEventPayload{ItemID: itemID.String()})
}

// staleSweep periodically returns long-running processing items to pending.
// A worker that outlives StaleAfter is assumed dead; its item picks up an
// extra attempt on recovery.
func (p *Pool) staleSweep() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStaleItems(p.ctx, p.config.StaleAfter)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Error("stale item sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered stale processing items", "count", n, "stale_after", p.config.StaleAfter)
			}
		}
	}
}

func (p *Pool) track(id uuid.UUID) {
	p.mu.Lock()
	p.active[id] = time.Now()
	p.mu.Unlock()
}

func (p *Pool) untrack(id uuid.UUID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

type itemEventPayload struct {
	ItemID     string `json:"item_id"`
	PayloadRef string `json:"payload_ref,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func (p *Pool) emit(eventType string, payload any) {
	if p.emitter == nil {
		return
	}
	event, err := events.NewEvent(eventType, payload)
	if err != nil {
		p.logger.Error("failed to build event", "event_type", eventType, "error", err)
		return
	}
	if err := p.emitter.EmitEvent(p.jobCtx, event); err != nil {
		p.logger.Error("failed to emit event", "event_type", eventType, "error", err)
	}
}
