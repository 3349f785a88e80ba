// Package errs defines the failure kinds surfaced by the isochrone pipeline.
// Every error returned by params, cache, remote and table carries one Kind so
// callers can branch with Is without string matching.
package errs

import (
	stderrs "errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation: rejected locally before any network access.
	KindValidation
	// KindFetch: network failure, timeout or unexpected remote response.
	KindFetch
	// KindRemoteRejection: the service refused locally valid parameters.
	KindRemoteRejection
	// KindParse: the payload does not follow the table format.
	KindParse
	// KindStorage: the local cache could not be read or written.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindFetch:
		return "fetch"
	case KindRemoteRejection:
		return "remote-rejection"
	case KindParse:
		return "parse"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the structured error type. Only the fields relevant to the kind
// are set: Field/Constraint for validation, Block/Line for parse, Timeout for
// fetch.
type Error struct {
	Kind       Kind
	Op         string
	Field      string
	Constraint string
	Reason     string
	Block      int
	Line       int
	Timeout    bool
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	switch e.Kind {
	case KindValidation:
		if e.Field != "" {
			fmt.Fprintf(&b, " %s", e.Field)
		}
		if e.Constraint != "" {
			fmt.Fprintf(&b, " (%s)", e.Constraint)
		}
	case KindParse:
		if e.Reason != "" {
			fmt.Fprintf(&b, " %s", e.Reason)
		}
		if e.Line > 0 {
			fmt.Fprintf(&b, " at block %d line %d", e.Block, e.Line)
		}
	case KindFetch:
		if e.Timeout {
			b.WriteString(" timeout")
		}
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// Validation builds a validation failure for field violating constraint.
func Validation(field, constraint, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Constraint: constraint, Msg: msg}
}

// Fetch wraps a transport failure.
func Fetch(op string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Err: err}
}

// Fetchf builds a fetch failure without a cause.
func Fetchf(op, format string, args ...any) *Error {
	return &Error{Kind: KindFetch, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Timeout wraps a fetch that ran past its deadline.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Timeout: true, Err: err}
}

// Rejected reports a service-side refusal with the service's own message.
func Rejected(op, msg string) *Error {
	return &Error{Kind: KindRemoteRejection, Op: op, Msg: msg}
}

// Parse reports a payload format failure. block is 0-based, line 1-based;
// line 0 means the failure is not tied to a line.
func Parse(reason string, block, line int, msg string) *Error {
	return &Error{Kind: KindParse, Reason: reason, Block: block, Line: line, Msg: msg}
}

// Storage wraps a cache I/O failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}
