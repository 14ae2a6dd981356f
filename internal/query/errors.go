package query

import "fmt"

// ParseError means the response body was not valid JSON.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("parse response: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// EvaluationError means the expression failed at runtime (e.g. a function was
// called with the wrong argument type).
type EvaluationError struct {
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expr, e.Err)
}
func (e *EvaluationError) Unwrap() error { return e.Err }

// ShapeMismatchError means the query result does not match what the response
// action requires.
type ShapeMismatchError struct {
	Want string
	Got  string
	Path string // empty for the top-level result
}

func (e *ShapeMismatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("shape mismatch: want %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("shape mismatch at %s: want %s, got %s", e.Path, e.Want, e.Got)
}
