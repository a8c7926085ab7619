package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Sentinel errors, one per failure kind. Every typed error below unwraps to
// its sentinel so callers can use either errors.Is or errors.As.
var (
	ErrValidation = errors.New("invalid diagram document")
	ErrReference  = errors.New("edge references unknown node")
	ErrNotFound   = errors.New("not found")
	ErrNoPath     = errors.New("no path")
	ErrConnection = errors.New("graph store unavailable")
	ErrQuery      = errors.New("query rejected")

	ErrRequired      = errors.New("required field missing")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrMalformed     = errors.New("malformed document")
)

// MaxQueryEcho bounds how much of an offending query is echoed back in a QueryError.
const MaxQueryEcho = 200

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Wrapped} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ReferenceError reports an edge whose endpoint is not among the document's nodes.
type ReferenceError struct {
	Edge    int // index into Document.Edges, -1 when unknown
	From    string
	To      string
	Missing string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference: edge %d %s->%s: node %q does not exist", e.Edge, e.From, e.To, e.Missing)
}

func (e *ReferenceError) Unwrap() error { return ErrReference }

// NotFoundError reports an unknown diagram, node or identifier.
type NotFoundError struct {
	Kind string // "diagram", "node", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NoPathError is returned when two nodes are not connected.
type NoPathError struct {
	From    string
	To      string
	RelType string
}

func (e *NoPathError) Error() string {
	if e.RelType != "" {
		return fmt.Sprintf("no %s path from %s to %s", e.RelType, e.From, e.To)
	}
	return fmt.Sprintf("no path from %s to %s", e.From, e.To)
}

func (e *NoPathError) Unwrap() error { return ErrNoPath }

// ConnectionError wraps store unavailability and timeouts. It is never retried
// by the engine itself.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrConnection, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// QueryError reports a malformed or rejected ad-hoc query.
type QueryError struct {
	Query  string // truncated to MaxQueryEcho runes
	Reason string
	Err    error
}

// NewQueryError creates a QueryError, truncating the echoed query text.
func NewQueryError(query, reason string, err error) *QueryError {
	return &QueryError{Query: Truncate(query, MaxQueryEcho), Reason: reason, Err: err}
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query: %s (query=%q)", e.Reason, e.Query)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrQuery}
	}
	return []error{ErrQuery, e.Err}
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
