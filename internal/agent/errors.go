package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RunErrorKind classifies agent run failures.
type RunErrorKind string

const (
	// RunErrTimeout indicates the run exceeded its deadline.
	RunErrTimeout RunErrorKind = "timeout"

	// RunErrAborted indicates the run was canceled by a stop or interrupt.
	RunErrAborted RunErrorKind = "aborted"

	// RunErrContextOverflow indicates the prompt exceeded the model's context window.
	RunErrContextOverflow RunErrorKind = "context_overflow"

	// RunErrProvider indicates an upstream provider failure.
	RunErrProvider RunErrorKind = "provider"
)

// RunError is an agent execution failure. It is recovered by the scheduler
// into a single user-visible final reply, never thrown back to the channel
// layer.
type RunError struct {
	Kind    RunErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent run %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("agent run %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a RunError.
func NewRunError(kind RunErrorKind, message string, err error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: err}
}

// ClassifyRunError maps an arbitrary run failure onto the RunError taxonomy.
func ClassifyRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRunError(RunErrTimeout, "run exceeded its deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewRunError(RunErrAborted, "run was canceled", err)
	}
	if looksLikeContextOverflow(err) {
		return NewRunError(RunErrContextOverflow, "prompt exceeds the model context window", err)
	}
	return NewRunError(RunErrProvider, "provider request failed", err)
}

// UserFacingText returns the concrete textual reply shown for a failed run.
// A failed run always produces a reply, never silence.
func (e *RunError) UserFacingText() string {
	switch e.Kind {
	case RunErrAborted:
		return "Agent was aborted."
	case RunErrTimeout:
		return "Agent run timed out before completing."
	case RunErrContextOverflow:
		return "The conversation no longer fits in the model's context window. Start a new session or compact this one."
	default:
		return "Agent run failed: " + e.Message
	}
}

// looksLikeContextOverflow sniffs provider error strings for context-window
// exhaustion. Providers report this with different shapes and no shared code.
func looksLikeContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "maximum context length")
}
