package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open and no cached fallback exists. Match with errors.Is; the concrete
// *CircuitOpenError carries the recovery estimate.
var ErrCircuitOpen = errors.New("analysis temporarily unavailable: circuit open")

// CircuitOpenError reports a rejected call together with an estimate of how
// long until the breaker allows a trial call, so callers can surface a
// "temporarily unavailable, retry in N" message.
type CircuitOpenError struct {
	TimeUntilRecovery time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%v (retry in %s)", ErrCircuitOpen, e.TimeUntilRecovery.Round(time.Second))
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) succeed.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}
