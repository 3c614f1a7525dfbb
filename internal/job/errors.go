package job

import (
	"fmt"
	"runtime"
)

// Error is the structured form a task failure is stored in.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NormalizeError converts any error value into the structured form.
// Already-structured errors pass through unchanged.
func NormalizeError(err error) *Error {
	if err == nil {
		return nil
	}
	if je, ok := err.(*Error); ok {
		return je
	}
	return &Error{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// NormalizeErrorWithStack captures the calling goroutine's stack alongside
// the error. Used by the worker when a handler panics.
func NormalizeErrorWithStack(err error) *Error {
	je := NormalizeError(err)
	if je == nil {
		return nil
	}
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	je.Stack = string(buf[:n])
	return je
}

// ValidationError reports invalid construction input. It is raised
// synchronously and never defaulted away.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// TransitionError reports an illegal state-machine transition. It signals
// a caller bug, not a recoverable runtime condition.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
