package trivia

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure category
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindAlreadyExists       Kind = "already_exists"
	KindAlreadyClosed       Kind = "already_closed"
	KindNotFound            Kind = "not_found"
	KindTooEarly            Kind = "too_early"
	KindExpired             Kind = "expired"
	KindForbidden           Kind = "forbidden"
	KindRateLimited         Kind = "rate_limited"
	KindUnauthorized        Kind = "unauthorized"
	KindPayoutFailed        Kind = "payout_failed"
	KindNotImplemented      Kind = "not_implemented"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error carries a Kind plus detail meant for logs, not for clients
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound) works
// regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrAlreadyClosed       = &Error{Kind: KindAlreadyClosed}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrTooEarly            = &Error{Kind: KindTooEarly}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrPayoutFailed        = &Error{Kind: KindPayoutFailed}
	ErrNotImplemented      = &Error{Kind: KindNotImplemented}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrInternal            = &Error{Kind: KindInternal}
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for errors outside the taxonomy
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
