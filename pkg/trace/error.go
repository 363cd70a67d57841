// Package trace walks the call stack attached to an error and turns it into
// an ordered list of frames, innermost (raise site) first.
//
// Go errors do not carry stacks on their own. The walker understands three
// kinds of stack-carrying errors, searched through the whole unwrap chain:
//
//   - errors implementing FrameSource, which hand over ready-made frames
//     (optionally with per-frame variables)
//   - errors implementing StackTracer, such as the *Error values built by
//     New, Wrap and FromPanic
//   - errors created by github.com/pkg/errors
//
// Errors without any recorded stack are reported at the capture call site.
package trace

import (
	"fmt"
	"runtime"
)

const maxDepth = 64

// Error is an error that remembers the stack it was created on
type Error struct {
	Kind    string
	Message string

	cause    error
	pcs      []uintptr
	panicked bool
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.cause != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	case e.cause != nil:
		return e.cause.Error()
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// TypeName reports the error kind as the exception type
func (e *Error) TypeName() string {
	return e.Kind
}

// StackTrace returns the program counters recorded when the error was built
func (e *Error) StackTrace() []uintptr {
	return e.pcs
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs) // +2 skips runtime.Callers and callers
	return pcs[:n]
}

// New creates an error of the given kind with the current stack
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message, pcs: callers(1)}
}

// Errorf creates an error of the given kind with a formatted message
func Errorf(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), pcs: callers(1)}
}

// Wrap records the current stack on an existing error. The kind defaults to
// the type name of cause when empty.
func Wrap(kind string, cause error) *Error {
	if cause == nil {
		return nil
	}
	if kind == "" {
		kind = TypeName(cause)
	}
	return &Error{Kind: kind, cause: cause, pcs: callers(1)}
}

// FromPanic converts a value returned by recover() into an error carrying
// the stack of the panicking goroutine. It must be called from the deferred
// function that recovered. Returns nil when v is nil.
func FromPanic(v interface{}) error {
	if v == nil {
		return nil
	}

	e := &Error{pcs: callers(1), panicked: true}
	if cause, ok := v.(error); ok {
		e.Kind = TypeName(cause)
		e.cause = cause
	} else {
		e.Kind = "panic"
		e.Message = fmt.Sprint(v)
	}
	return e
}
