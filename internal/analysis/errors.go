package analysis

import "errors"

// Common errors returned by the analysis boundary.
var (
	// ErrTimeout is returned when the external call exceeded its timeout.
	// Timeouts are classified distinctly from hard failures so breaker
	// bookkeeping and metrics can tell them apart.
	ErrTimeout = errors.New("analysis timed out")

	// ErrFailure is returned when the external call returned a hard error.
	ErrFailure = errors.New("analysis failed")

	// ErrInvalidOutput is returned when the analyzer produced output the
	// adapter could not interpret.
	ErrInvalidOutput = errors.New("invalid analyzer output")
)
