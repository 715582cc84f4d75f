// Package errs defines the error taxonomy shared by the test engine.
//
// Failures inside a level are collected as diagnostics on the level result;
// an *Error is returned only when the level itself fails. The Kind decides
// how the pipeline reports the failure and whether the run exit code is
// affected.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Config                     Kind = "config"
	Syntax                     Kind = "syntax"
	Environment                Kind = "environment"
	Registration               Kind = "registration"
	Instantiation              Kind = "instantiation"
	ValidationSchema           Kind = "validation_schema"
	ValidationGraph            Kind = "validation_graph"
	ValidationIntrospection    Kind = "validation_introspection"
	ValidationPartialExecution Kind = "validation_partial_execution"
	Execution                  Kind = "execution"
	Timeout                    Kind = "timeout"
)

// Error carries a kind, a one-line message and optional multi-line details.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails returns a copy of e carrying the given details text.
func (e *Error) WithDetails(details string) *Error {
	out := *e
	out.Details = details
	return &out
}

// KindOf returns the kind of the outermost *Error in err's chain, or ""
// when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
