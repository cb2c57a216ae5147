// Package analysis defines the boundary to the external analysis process.
// The core only sees success, failure, or timeout plus an opaque result;
// everything about how the analyzer produces output stays behind this
// interface.
package analysis

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the opaque outcome of analyzing one payload.
type Result struct {
	// Payload is the reference that was analyzed.
	Payload string `json:"payload"`

	// Output is the analyzer's response, opaque to the core.
	Output json.RawMessage `json:"output"`

	// Duration is how long the analysis took.
	Duration time.Duration `json:"duration"`
}

// Analyzer turns a payload reference into a result or an error. It is
// expected to be slow and fallible; callers must pass a context that
// enforces their timeout, and implementations must honor cancellation by
// hard-aborting the underlying work.
// Version: 1.0
type Analyzer interface {
	Analyze(ctx context.Context, payload string) (*Result, error)
}

// AnalyzerFunc adapts a plain function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, payload string) (*Result, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, payload string) (*Result, error) {
	return f(ctx, payload)
}
