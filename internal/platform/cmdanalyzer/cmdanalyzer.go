// Package cmdanalyzer adapts an external command-line analyzer to the
// analysis.Analyzer interface. The payload reference goes to the command on
// stdin, the command runs under a hard timeout, and the first JSON object
// found in its mixed text output becomes the result.
package cmdanalyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"time"

	"github.com/phrazzld/focusqueue/internal/analysis"
)

// Config describes the external analyzer invocation.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are passed verbatim before the payload is written to stdin.
	Args []string

	// Timeout bounds one invocation end to end.
	Timeout time.Duration
}

// Analyzer shells out to the configured command.
type Analyzer struct {
	config Config
	logger *slog.Logger
}

var _ analysis.Analyzer = (*Analyzer)(nil)

// New creates a command-backed Analyzer.
func New(config Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		config: config,
		logger: logger.With("component", "cmd_analyzer"),
	}
}

// Analyze runs the command with payload on stdin and returns the JSON
// object extracted from its output. A deadline overrun maps to
// analysis.ErrTimeout, a non-zero exit to analysis.ErrFailure, and
// unparseable output to analysis.ErrInvalidOutput.
func (a *Analyzer) Analyze(ctx context.Context, payload string) (*analysis.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.config.Command, a.config.Args...)
	cmd.Stdin = bytes.NewBufferString(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		a.logger.Warn("analyzer command timed out",
			"command", a.config.Command,
			"timeout", a.config.Timeout)
		return nil, fmt.Errorf("%w: %s exceeded %s", analysis.ErrTimeout, a.config.Command, a.config.Timeout)
	}
	if err != nil {
		a.logger.Warn("analyzer command failed",
			"command", a.config.Command,
			"stderr", stderr.String(),
			"error", err)
		return nil, fmt.Errorf("%w: %s: %v", analysis.ErrFailure, a.config.Command, err)
	}

	output, err := ExtractJSON(stdout.Bytes())
	if err != nil {
		a.logger.Warn("analyzer produced unusable output",
			"command", a.config.Command,
			"output_bytes", stdout.Len(),
			"error", err)
		return nil, err
	}

	a.logger.Debug("analyzer command succeeded",
		"command", a.config.Command,
		"duration", elapsed,
		"output_bytes", len(output))

	return &analysis.Result{
		Payload:  payload,
		Output:   output,
		Duration: elapsed,
	}, nil
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ExtractJSON finds the first balanced JSON object in mixed text output.
// Analyzers tend to wrap their JSON in prose, and occasionally emit
// trailing commas, which get repaired before validation.
func ExtractJSON(output []byte) (json.RawMessage, error) {
	start := bytes.IndexByte(output, '{')
	if start < 0 {
		return nil, fmt.Errorf("%w: no JSON object in output", analysis.ErrInvalidOutput)
	}

	candidate, err := balancedObject(output[start:])
	if err != nil {
		return nil, err
	}

	if json.Valid(candidate) {
		return json.RawMessage(candidate), nil
	}

	repaired := trailingComma.ReplaceAll(candidate, []byte("$1"))
	if json.Valid(repaired) {
		return json.RawMessage(repaired), nil
	}

	return nil, fmt.Errorf("%w: extracted object is not valid JSON", analysis.ErrInvalidOutput)
}

// balancedObject returns the prefix of data forming one brace-balanced
// object, ignoring braces inside string literals.
func balancedObject(data []byte) ([]byte, error) {
	depth := 0
	inString := false
	escaped := false

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[:i+1], nil
			}
		}
	}

	return nil, fmt.Errorf("%w: unterminated JSON object", analysis.ErrInvalidOutput)
}
