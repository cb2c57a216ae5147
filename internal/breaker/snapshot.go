package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Snapshot is a serializable copy of the breaker's state and history. It
// round-trips through JSON verbatim so breaker history survives a process
// restart.
type Snapshot struct {
	State             State         `json:"state"`
	FailureCount      int           `json:"failure_count"`
	LastFailureTime   *time.Time    `json:"last_failure_time,omitempty"`
	HalfOpenCallCount int           `json:"half_open_call_count"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	OpenedCount       int           `json:"opened_count"`
	TotalCalls        int64         `json:"total_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	TimedOutCalls     int64         `json:"timed_out_calls"`
}

// Snapshot captures the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:             b.state,
		FailureCount:      b.failureCount,
		HalfOpenCallCount: b.halfOpenCallCount,
		RecoveryTimeout:   b.recoveryTimeout,
		OpenedCount:       b.openedCount,
		TotalCalls:        b.totalCalls,
		FailedCalls:       b.failedCalls,
		TimedOutCalls:     b.timedOutCalls,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}

	return s
}

// Restore replaces the breaker's state with a previously captured snapshot.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = s.State
	if b.state == "" {
		b.state = StateClosed
	}
	b.failureCount = s.FailureCount
	b.lastFailureTime = time.Time{}
	if s.LastFailureTime != nil {
		b.lastFailureTime = *s.LastFailureTime
	}
	b.halfOpenCallCount = s.HalfOpenCallCount
	b.recoveryTimeout = s.RecoveryTimeout
	if b.recoveryTimeout <= 0 {
		b.recoveryTimeout = b.settings.InitialRecoveryTimeout
	}
	b.openedCount = s.OpenedCount
	b.totalCalls = s.TotalCalls
	b.failedCalls = s.FailedCalls
	b.timedOutCalls = s.TimedOutCalls
}

// SaveState writes the current snapshot to path as JSON.
func (b *Breaker) SaveState(path string) error {
	data, err := json.MarshalIndent(b.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal breaker snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write breaker snapshot: %w", err)
	}
	return nil
}

// LoadState restores the breaker from a snapshot file previously written by
// SaveState. A missing file is not an error: the breaker simply starts
// fresh.
func (b *Breaker) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read breaker snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal breaker snapshot: %w", err)
	}

	b.Restore(s)
	return nil
}
