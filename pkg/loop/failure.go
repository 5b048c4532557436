package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/cogentx/chatloop/pkg/chat"
)

// Code classifies why a run failed.
type Code string

const (
	// CodeUnavailable: the inference service could not be reached.
	// The caller may retry the whole run.
	CodeUnavailable Code = "unavailable"

	// CodeInvalidInput: the conversation or user message was malformed.
	// Retrying the same input will not help.
	CodeInvalidInput Code = "invalid_input"

	// CodeMaxIterations: the model kept requesting tools past the
	// configured iteration ceiling.
	CodeMaxIterations Code = "max_iterations_exceeded"

	// CodeTimeout: a model round-trip exceeded the configured timeout.
	// The conversation is left in its last-good-appended state.
	CodeTimeout Code = "timeout"

	// CodeCanceled: the caller abandoned the run.
	CodeCanceled Code = "canceled"

	// CodeInternal: an unclassified failure.
	CodeInternal Code = "internal"
)

// Failure is the structured terminal error of a failed run.
type Failure struct {
	Code    Code
	Message string

	cause error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("loop: %s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// failf builds a Failure wrapping cause.
func failf(code Code, cause error, format string, args ...any) *Failure {
	return &Failure{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// classify maps a model client error to a Failure.
func classify(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failf(CodeTimeout, err, "model round-trip timed out")
	case errors.Is(err, context.Canceled):
		return failf(CodeCanceled, err, "run canceled")
	case errors.Is(err, chat.ErrInvalidInput):
		return failf(CodeInvalidInput, err, "%v", err)
	case errors.Is(err, chat.ErrUnavailable):
		return failf(CodeUnavailable, err, "%v", err)
	default:
		return failf(CodeInternal, err, "%v", err)
	}
}
