// Package bwpperrors defines the error taxonomy shared across every
// compiler stage: IO, Parse, Type, Build, and Allocation failures.
package bwpperrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the closed set of error categories a compile can fail with.
type Kind string

const (
	IO         Kind = "IOError"
	Parse      Kind = "ParseError"
	Type       Kind = "TypeError"
	Build      Kind = "BuildError"
	Allocation Kind = "AllocationError"
)

// Location pins an error to a place in the borrowed source text.
type Location struct {
	File   string
	Line   int
	Column int
}

// Error is the typed error value returned by every compiler stage.
// It renders a caret-annotated message when a source line is attached.
type Error struct {
	Kind     Kind
	Message  string
	Location Location
	Source   string
	cause    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
	if e.Location.File != "" {
		sb.WriteString(fmt.Sprintf("\n  at %s:%d:%d", e.Location.File, e.Location.Line, e.Location.Column))
		if e.Source != "" {
			prefix := fmt.Sprintf("  %d | ", e.Location.Line)
			sb.WriteString(fmt.Sprintf("\n%s%s\n", prefix, e.Source))
			sb.WriteString(strings.Repeat(" ", len(prefix)))
			if e.Location.Column > 0 {
				sb.WriteString(strings.Repeat(" ", e.Location.Column-1))
			}
			sb.WriteString("^")
		}
	}
	if e.cause != nil {
		sb.WriteString(fmt.Sprintf("\ncaused by: %v", e.cause))
	}
	return sb.String()
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no location attached.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// At attaches a source location, returning the same *Error for chaining.
func (e *Error) At(file string, line, column int) *Error {
	e.Location = Location{File: file, Line: line, Column: column}
	return e
}

// WithSource attaches the offending source line for caret rendering.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// Wrap records a causal predecessor using pkg/errors so the chain keeps
// a stack trace at the point of first wrapping.
func (e *Error) Wrap(cause error) *Error {
	if cause != nil {
		e.cause = errors.WithStack(cause)
	}
	return e
}

// ParseFailed is the fixed message the pipeline uses when the structural
// or legacy parser cannot make progress (spec: "parse failed").
func ParseFailed(file string, line, column int) *Error {
	return New(Parse, "parse failed").At(file, line, column)
}

// EntryNotFound reports a missing entry function (a Build error).
func EntryNotFound(name string) *Error {
	return Newf(Build, "entry function %q not found", name)
}

// MatmulKMismatch reports a's inner dimension disagreeing with b's, by
// symbolic string comparison (spec: "K mismatch").
func MatmulKMismatch(file string, line, column int, aK, bK string) *Error {
	return Newf(Type, "matmul inner dimension mismatch: %s != %s", aK, bK).At(file, line, column)
}

// BiasWithoutMatmul reports add(bias) with no preceding matmul in the
// function body.
func BiasWithoutMatmul(file string, line, column int) *Error {
	return New(Type, "add(bias) has no preceding matmul to size the bias against").At(file, line, column)
}

// BiasRankInvalid reports a bias operand whose rank, after any
// reshape/permute, is neither 1 nor 2.
func BiasRankInvalid(file string, line, column int, rank int) *Error {
	return Newf(Type, "bias shape has rank %d, want 1 or 2", rank).At(file, line, column)
}

// BiasShapeMismatch reports a bias shape that does not agree with the
// matmul output's N dimension.
func BiasShapeMismatch(file string, line, column int, biasShape, n string) *Error {
	return Newf(Type, "bias shape %s does not match matmul output N=%s", biasShape, n).At(file, line, column)
}

// InvalidPermuteAxes reports an out-of-range or duplicate axis in a
// permute applied to a bias operand.
func InvalidPermuteAxes(file string, line, column int) *Error {
	return New(Type, "permute axes are out of range or contain a duplicate").At(file, line, column)
}
