// Package breaker guards every call to the external analyzer with a
// circuit breaker so a failing or hung analysis process cannot cascade into
// the rest of the engine. A lookaside result cache serves repeated payloads
// without a call and keeps last-known-good results available during outages.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/focusqueue/internal/analysis"
	"github.com/phrazzld/focusqueue/internal/cache"
	"github.com/phrazzld/focusqueue/internal/events"
)

// State identifies the breaker position.
type State string

// Breaker states.
const (
	// StateClosed passes calls through, counting consecutive failures.
	StateClosed State = "closed"

	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen State = "open"

	// StateHalfOpen allows a limited number of trial calls to probe
	// recovery.
	StateHalfOpen State = "half_open"
)

// Settings configures the breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit open.
	FailureThreshold int

	// InitialRecoveryTimeout is the first open-state cooldown. Repeated
	// opens double it up to MaxRecoveryTimeout.
	InitialRecoveryTimeout time.Duration

	// MaxRecoveryTimeout caps the exponential backoff.
	MaxRecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds the half-open trial window: at most this many
	// trial calls may be in flight at once, and the same number of
	// consecutive trial successes closes the circuit again.
	HalfOpenMaxCalls int

	// CallTimeout hard-aborts each analyzer invocation.
	CallTimeout time.Duration

	// TimeoutCountsAsFailure controls whether a timed-out call trips the
	// breaker like a hard failure. Timeouts are tracked separately in
	// metrics either way.
	TimeoutCountsAsFailure bool
}

// Breaker wraps an analyzer with circuit-breaking and result caching.
// One instance guards one external dependency; all workers share it.
type Breaker struct {
	analyzer analysis.Analyzer
	cache    *cache.ResultCache
	settings Settings
	logger   *slog.Logger
	emitter  events.Emitter

	// mu serializes state transitions and counter updates. Cache reads stay
	// outside it.
	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
	halfOpenInFlight  int
	recoveryTimeout   time.Duration
	openedCount       int
	totalCalls        int64
	failedCalls       int64
	timedOutCalls     int64
	cacheHits         int64

	// now is swapped in tests to control the clock.
	now func() time.Time
}

// Metrics is the breaker's observability surface.
type Metrics struct {
	State             State         `json:"state"`
	TotalCalls        int64         `json:"total_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	TimedOutCalls     int64         `json:"timed_out_calls"`
	CacheHits         int64         `json:"cache_hits"`
	SuccessRate       float64       `json:"success_rate"`
	FailureCount      int           `json:"failure_count"`
	OpenedCount       int           `json:"opened_count"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	TimeUntilRecovery time.Duration `json:"time_until_recovery"`
}

// New creates a Breaker guarding the given analyzer. The emitter may be nil
// when nothing subscribes to breaker transitions.
func New(
	analyzer analysis.Analyzer,
	resultCache *cache.ResultCache,
	settings Settings,
	logger *slog.Logger,
	emitter events.Emitter,
) *Breaker {
	return &Breaker{
		analyzer:        analyzer,
		cache:           resultCache,
		settings:        settings,
		logger:          logger.With("component", "circuit_breaker"),
		emitter:         emitter,
		state:           StateClosed,
		recoveryTimeout: settings.InitialRecoveryTimeout,
		now:             time.Now,
	}
}

// Invoke analyzes a payload through the breaker.
//
// A fresh cache hit returns immediately and does not count as a call in
// breaker bookkeeping. While the circuit is open, a cached result for the
// same fingerprint is returned even past its TTL (stale-but-available
// fallback); otherwise the call is rejected with CircuitOpenError. Permitted
// calls run the analyzer under the configured timeout and populate the
// cache on success.
func (b *Breaker) Invoke(ctx context.Context, payload string) (*analysis.Result, error) {
	key := cache.Fingerprint(payload)

	// Fast path: fresh cache hits bypass breaker logic entirely.
	if result, ok := b.cache.GetFresh(key); ok {
		b.mu.Lock()
		b.cacheHits++
		b.mu.Unlock()
		return result, nil
	}

	stale, trial, err := b.allowCall(key)
	if err != nil || stale != nil {
		return stale, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	start := b.now()
	result, err := b.analyzer.Analyze(callCtx, payload)
	elapsed := b.now().Sub(start)

	if err != nil {
		timedOut := errors.Is(err, analysis.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded)
		b.recordFailure(ctx, timedOut, trial)

		if timedOut {
			if !errors.Is(err, analysis.ErrTimeout) {
				err = fmt.Errorf("%w: %v", analysis.ErrTimeout, err)
			}
		} else if !errors.Is(err, analysis.ErrFailure) {
			err = fmt.Errorf("%w: %v", analysis.ErrFailure, err)
		}

		b.logger.Warn("analysis call failed",
			"payload", payload,
			"timed_out", timedOut,
			"duration", elapsed,
			"error", err)
		return nil, err
	}

	b.cache.Put(key, result)
	b.recordSuccess(ctx, trial)

	return result, nil
}

// allowCall evaluates the breaker state before a call. It returns a non-nil
// stale result when the circuit cannot admit the call but the cache can
// serve a degraded fallback; an error when the call is rejected outright; or
// (nil, trial, nil) when the call may proceed, with trial marking a
// half-open trial that must release its slot on completion. Permitted calls
// are counted here.
func (b *Breaker) allowCall(key string) (*analysis.Result, bool, error) {
	b.mu.Lock()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.recoveryTimeout {
			remaining := b.recoveryTimeout - elapsed
			b.mu.Unlock()

			// Degraded fallback: a cached result, even past TTL, beats a
			// rejection while the analyzer is down.
			if stale, ok := b.cache.GetStale(key); ok {
				b.logger.Info("serving stale cached result while circuit open",
					"time_until_recovery", remaining)
				return stale, false, nil
			}
			return nil, false, &CircuitOpenError{TimeUntilRecovery: remaining}
		}

		// Cooldown elapsed: optimistically move to half-open and let this
		// call through as the first trial.
		b.state = StateHalfOpen
		b.halfOpenCallCount = 0
		b.logger.Info("circuit half-open, allowing trial calls",
			"half_open_max_calls", b.settings.HalfOpenMaxCalls)
	}

	trial := false
	if b.state == StateHalfOpen {
		// At most HalfOpenMaxCalls trials may be in flight; further callers
		// are rejected until a slot frees.
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			b.mu.Unlock()
			if stale, ok := b.cache.GetStale(key); ok {
				b.logger.Info("serving stale cached result, trial window full")
				return stale, false, nil
			}
			return nil, false, &CircuitOpenError{}
		}
		b.halfOpenInFlight++
		trial = true
	}

	b.totalCalls++
	b.mu.Unlock()
	return nil, trial, nil
}

// recordSuccess updates breaker state after a successful call.
func (b *Breaker) recordSuccess(ctx context.Context, trial bool) {
	b.mu.Lock()
	if trial && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	var recovered bool

	switch b.state {
	case StateHalfOpen:
		b.halfOpenCallCount++
		if b.halfOpenCallCount >= b.settings.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenCallCount = 0
			b.recoveryTimeout = b.settings.InitialRecoveryTimeout
			recovered = true
		}
	case StateClosed:
		// Failures must be consecutive to trip the circuit.
		b.failureCount = 0
	}
	b.mu.Unlock()

	if recovered {
		b.logger.Info("circuit closed after successful trial calls")
		b.emit(ctx, events.TypeBreakerRecovered, nil)
	}
}

// recordFailure updates breaker state after a failed call.
func (b *Breaker) recordFailure(ctx context.Context, timedOut bool, trial bool) {
	b.mu.Lock()
	if trial && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	b.failedCalls++
	if timedOut {
		b.timedOutCalls++
	}

	if timedOut && !b.settings.TimeoutCountsAsFailure {
		b.mu.Unlock()
		return
	}

	var opened bool
	var timeout time.Duration

	switch b.state {
	case StateHalfOpen:
		// A single trial failure reopens immediately with a longer cooldown.
		b.failureCount++
		b.open()
		opened, timeout = true, b.recoveryTimeout
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.open()
			opened, timeout = true, b.recoveryTimeout
		}
	}
	b.mu.Unlock()

	if opened {
		b.logger.Warn("circuit opened",
			"recovery_timeout", timeout,
			"opened_count", b.openedCount)
		b.emit(ctx, events.TypeBreakerOpened, map[string]any{
			"recovery_timeout_seconds": timeout.Seconds(),
		})
	}
}

// open transitions to StateOpen and computes the backed-off recovery
// timeout. Callers hold b.mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.lastFailureTime = b.now()
	b.halfOpenCallCount = 0
	b.openedCount++

	// recoveryTimeout = min(initial × 2^(openedCount−1), max)
	timeout := b.settings.InitialRecoveryTimeout
	for i := 1; i < b.openedCount; i++ {
		timeout *= 2
		if timeout >= b.settings.MaxRecoveryTimeout {
			timeout = b.settings.MaxRecoveryTimeout
			break
		}
	}
	b.recoveryTimeout = timeout
}

// emit publishes a breaker event when an emitter is configured.
func (b *Breaker) emit(ctx context.Context, eventType string, payload any) {
	if b.emitter == nil {
		return
	}
	event, err := events.NewEvent(eventType, payload)
	if err != nil {
		b.logger.Error("failed to build breaker event", "error", err)
		return
	}
	if err := b.emitter.EmitEvent(ctx, event); err != nil {
		b.logger.Error("failed to emit breaker event",
			"event_type", eventType,
			"error", err)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		State:           b.state,
		TotalCalls:      b.totalCalls,
		FailedCalls:     b.failedCalls,
		TimedOutCalls:   b.timedOutCalls,
		CacheHits:       b.cacheHits,
		SuccessRate:     1.0,
		FailureCount:    b.failureCount,
		OpenedCount:     b.openedCount,
		RecoveryTimeout: b.recoveryTimeout,
	}

	if b.totalCalls > 0 {
		m.SuccessRate = float64(b.totalCalls-b.failedCalls) / float64(b.totalCalls)
	}

	if b.state == StateOpen {
		if remaining := b.recoveryTimeout - b.now().Sub(b.lastFailureTime); remaining > 0 {
			m.TimeUntilRecovery = remaining
		}
	}

	return m
}
