// Package apperr defines the error kinds shared by the invitation,
// signaling and call packages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorises an Error.
type Kind string

const (
	// KindTransport is a failed write or remote call.
	KindTransport Kind = "TRANSPORT"
	// KindListen is a subscription cancelled or denied by the store.
	KindListen Kind = "LISTEN"
	// KindValidation is malformed input (missing ids, empty SDP).
	KindValidation Kind = "VALIDATION"
	// KindState is an operation that is illegal in the current state.
	KindState Kind = "STATE"
	// KindConflict is a conditional write whose precondition did not hold.
	KindConflict Kind = "CONFLICT"
	// KindNotFound is a read or conditional write on a missing node.
	KindNotFound Kind = "NOT_FOUND"
)

// Error is a kind-tagged error. Op names the failing operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrState)
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransport  = &Error{Kind: KindTransport}
	ErrListen     = &Error{Kind: KindListen}
	ErrValidation = &Error{Kind: KindValidation}
	ErrState      = &Error{Kind: KindState}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrNotFound   = &Error{Kind: KindNotFound}
)

// New creates an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with kind. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func Transport(op string, cause error) error { return Wrap(KindTransport, op, cause) }

func Listen(op string, cause error) error { return Wrap(KindListen, op, cause) }

func Validationf(op, format string, args ...any) error {
	return New(KindValidation, op, format, args...)
}

func Statef(op, format string, args ...any) error {
	return New(KindState, op, format, args...)
}

func Conflictf(op, format string, args ...any) error {
	return New(KindConflict, op, format, args...)
}

func NotFoundf(op, format string, args ...any) error {
	return New(KindNotFound, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}
