// Package apperror defines the typed outcomes returned by the escrow core.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindGateway       Kind = "gateway"
	KindInternal      Kind = "internal"
)

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrGateway       = &Error{Kind: KindGateway}
	ErrInternal      = &Error{Kind: KindInternal}
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Indeterminate marks a gateway error whose outcome is unknown (timeout,
	// 5xx, transport failure). Callers must not assume success or failure.
	Indeterminate bool
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package-level sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func Authorization(op, msg string) error {
	return &Error{Kind: KindAuthorization, Op: op, Message: msg}
}

func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func Conflict(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Message: msg}
}

func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// Gateway wraps a gateway failure. indeterminate is true when the call may
// or may not have taken effect on the gateway side.
func Gateway(op string, indeterminate bool, err error) error {
	msg := "gateway declined"
	if indeterminate {
		msg = "gateway outcome unknown"
	}
	return &Error{Kind: KindGateway, Op: op, Message: msg, Indeterminate: indeterminate, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsIndeterminate reports whether err is a gateway error with unknown outcome.
func IsIndeterminate(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindGateway && e.Indeterminate
	}
	return false
}
