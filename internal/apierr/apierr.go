// Package apierr defines the closed error taxonomy shared by the gateway
// core. Every client-visible failure maps to exactly one Kind so the HTTP
// layer can translate without inspecting error strings.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a client-visible failure.
type Kind int

const (
	// Unauthenticated covers missing, invalid and revoked credentials.
	// The three cases are deliberately indistinguishable.
	Unauthenticated Kind = iota
	// Validation covers malformed cursors, limits, bodies and invite codes.
	Validation
	// RateLimited is the registration throttle, distinct from auth failures.
	RateLimited
	// Conflict covers exhausted/expired invites and stale outbound bindings.
	Conflict
	// NotFound covers unknown agents, attachments and invites.
	NotFound
	// UpstreamTransient is an adapter failure that survived the retry budget.
	UpstreamTransient
	// InvariantViolation covers cursor regression and fabricated future
	// cursors. Always an error to the caller, never a crash.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Validation:
		return "validation"
	case RateLimited:
		return "rate_limited"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case UpstreamTransient:
		return "upstream_transient"
	case InvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf classifies an underlying error with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or (0, false) when err is unclassified.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
