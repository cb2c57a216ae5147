package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/focusqueue/internal/events"
)

// Level grades an alert.
type Level string

// Alert severity levels.
const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert records one threshold breach.
type Alert struct {
	Time      time.Time `json:"time"`
	Resource  string    `json:"resource"`
	Level     Level     `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// ManagedPool is the slice of the worker pool the controller drives.
// *worker.Pool satisfies it.
type ManagedPool interface {
	WorkerLimit() int
	MaxWorkers() int
	SetWorkerLimit(n int)
}

// Thresholds are fractions in [0, 1]. A resource at or above its warning
// threshold raises a warning alert; at or above critical it raises a
// critical alert.
type Thresholds struct {
	MemoryWarning  float64
	MemoryCritical float64
	CPUWarning     float64
	CPUCritical    float64
	DiskWarning    float64
	DiskCritical   float64

	// RecoveryMargin is how far below the warning thresholds memory and
	// CPU must sit before a shed worker is restored, as a fraction of the
	// threshold. 0.2 means 20% below warning.
	RecoveryMargin float64
}

// DefaultThresholds mirror the tuning the queue shipped with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarning:  0.75,
		MemoryCritical: 0.85,
		CPUWarning:     0.80,
		CPUCritical:    0.90,
		DiskWarning:    0.85,
		DiskCritical:   0.95,
		RecoveryMargin: 0.2,
	}
}

// Config tunes the controller.
type Config struct {
	CheckInterval    time.Duration
	Thresholds       Thresholds
	AlertHistorySize int
}

// memorySampleWindow bounds the trend buffer used for leak detection.
const memorySampleWindow = 50

// Controller periodically samples host pressure and adjusts the pool.
type Controller struct {
	sampler Sampler
	pool    ManagedPool
	config  Config
	logger  *slog.Logger
	emitter events.Emitter

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	lastUsage     Usage
	lastSampled   time.Time
	alertHistory  []Alert
	memorySamples []float64
}

// NewController creates a Controller. The emitter may be nil.
func NewController(
	sampler Sampler,
	pool ManagedPool,
	config Config,
	logger *slog.Logger,
	emitter events.Emitter,
) *Controller {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.AlertHistorySize <= 0 {
		config.AlertHistorySize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sampler:    sampler,
		pool:       pool,
		config:     config,
		logger:     logger.With("component", "resource_controller"),
		emitter:    emitter,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the sampling loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop terminates the sampling loop and waits for it.
func (c *Controller) Stop() {
	c.cancelFunc()
	c.wg.Wait()
}

func (c *Controller) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		c.Check(c.ctx)

		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one sampling pass: record the usage, raise alerts for breached
// thresholds, and adjust the pool. Sampling errors are logged and skipped;
// pressure handling must never take the process down.
func (c *Controller) Check(ctx context.Context) {
	usage, err := c.sampler.Sample(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Error("resource sample failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	c.lastUsage = usage
	c.lastSampled = time.Now()
	c.memorySamples = append(c.memorySamples, usage.MemoryPercent)
	if len(c.memorySamples) > memorySampleWindow {
		c.memorySamples = c.memorySamples[len(c.memorySamples)-memorySampleWindow:]
	}
	c.mu.Unlock()

	alerts := c.evaluate(usage)
	for _, alert := range alerts {
		c.record(ctx, alert)
	}
	c.adjustPool(usage, alerts)

	if c.MemoryLeakSuspected() {
		c.logger.Warn("memory usage trending steadily upward, possible leak",
			"memory_percent", usage.MemoryPercent,
			"process_memory_mb", usage.ProcessMemoryMB)
	}
}

// evaluate grades a sample against the thresholds.
func (c *Controller) evaluate(u Usage) []Alert {
	t := c.config.Thresholds
	now := time.Now()
	var alerts []Alert

	grade := func(resource string, value, warning, critical float64) {
		switch {
		case value >= critical:
			alerts = append(alerts, Alert{Time: now, Resource: resource, Level: LevelCritical, Value: value, Threshold: critical})
		case value >= warning:
			alerts = append(alerts, Alert{Time: now, Resource: resource, Level: LevelWarning, Value: value, Threshold: warning})
		}
	}

	grade("memory", u.MemoryPercent, t.MemoryWarning, t.MemoryCritical)
	grade("cpu", u.CPUPercent, t.CPUWarning, t.CPUCritical)
	grade("disk", u.DiskPercent, t.DiskWarning, t.DiskCritical)

	return alerts
}

// record appends the alert to the rolling history, logs it, and emits a
// resource alert event.
func (c *Controller) record(ctx context.Context, alert Alert) {
	c.mu.Lock()
	c.alertHistory = append(c.alertHistory, alert)
	if len(c.alertHistory) > c.config.AlertHistorySize {
		c.alertHistory = c.alertHistory[len(c.alertHistory)-c.config.AlertHistorySize:]
	}
	c.mu.Unlock()

	attrs := []any{
		"resource", alert.Resource,
		"level", alert.Level,
		"value", alert.Value,
		"threshold", alert.Threshold,
	}
	if alert.Level == LevelCritical {
		c.logger.Warn("resource threshold breached", attrs...)
	} else {
		c.logger.Info("resource threshold breached", attrs...)
	}

	if c.emitter != nil {
		event, err := events.NewEvent(events.TypeResourceAlert, alert)
		if err != nil {
			c.logger.Error("failed to build resource alert event", "error", err)
			return
		}
		if err := c.emitter.EmitEvent(ctx, event); err != nil {
			c.logger.Error("failed to emit resource alert event", "error", err)
		}
	}
}

// adjustPool sheds one worker under memory or CPU pressure and restores one
// when both sit comfortably below their warning thresholds. Disk pressure
// is alert-only: fewer workers would not free space.
func (c *Controller) adjustPool(u Usage, alerts []Alert) {
	shed := false
	for _, alert := range alerts {
		switch alert.Resource {
		case "memory":
			shed = true
		case "cpu":
			if alert.Level == LevelCritical {
				shed = true
			}
		}
	}

	limit := c.pool.WorkerLimit()
	if shed {
		if limit > 1 {
			c.pool.SetWorkerLimit(limit - 1)
			c.logger.Info("shedding worker under resource pressure",
				"old_limit", limit, "new_limit", limit-1)
		}
		return
	}

	// Restore only when memory and CPU sit a full margin below warning, so
	// the limit does not oscillate around the threshold.
	t := c.config.Thresholds
	margin := 1 - t.RecoveryMargin
	if limit < c.pool.MaxWorkers() &&
		u.MemoryPercent < t.MemoryWarning*margin &&
		u.CPUPercent < t.CPUWarning*margin {
		c.pool.SetWorkerLimit(limit + 1)
		c.logger.Info("restoring worker, resources recovered",
			"old_limit", limit, "new_limit", limit+1)
	}
}

// CanAcceptWork is the pool's admission gate: new items are deferred while
// the latest sample shows memory or CPU at or above critical. A controller
// that has not sampled yet admits everything.
func (c *Controller) CanAcceptWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSampled.IsZero() {
		return true
	}
	t := c.config.Thresholds
	return c.lastUsage.MemoryPercent < t.MemoryCritical &&
		c.lastUsage.CPUPercent < t.CPUCritical
}

// ShouldReduceWorkersFor reports whether a task with the given estimated
// memory footprint would overcommit the host: the estimate is compared
// against a safe per-worker share of available memory.
func (c *Controller) ShouldReduceWorkersFor(estimatedMemoryMB float64) bool {
	c.mu.Lock()
	availableMB := c.lastUsage.MemoryAvailableMB
	sampled := !c.lastSampled.IsZero()
	c.mu.Unlock()

	if !sampled {
		return false
	}

	const safetyFactor = 0.8
	workers := c.pool.WorkerLimit()
	if workers < 1 {
		workers = 1
	}
	safePerWorkerMB := availableMB * safetyFactor / float64(workers)
	return estimatedMemoryMB > safePerWorkerMB
}

// MemoryLeakSuspected reports whether recent memory samples show a steady
// monotonic climb: over the last 10 samples, more than 70% of the steps
// increase by over one percentage point.
func (c *Controller) MemoryLeakSuspected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.memorySamples) < 5 {
		return false
	}

	samples := c.memorySamples
	if len(samples) > 10 {
		samples = samples[len(samples)-10:]
	}

	increases := 0
	for i := 1; i < len(samples); i++ {
		if samples[i] > samples[i-1]+0.01 {
			increases++
		}
	}
	return float64(increases)/float64(len(samples)-1) > 0.7
}

// LastUsage returns the most recent sample and when it was taken.
func (c *Controller) LastUsage() (Usage, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage, c.lastSampled
}

// AlertHistory returns up to limit of the most recent alerts, oldest first.
func (c *Controller) AlertHistory(limit int) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.alertHistory
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Alert, len(history))
	copy(out, history)
	return out
}
