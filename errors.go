package expedientes

import (
	"errors"
	"fmt"
)

// Kind classifies an error so the boundary can pick a status without reading prose.
type Kind uint8

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindValidation
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the typed error returned by every component of the engine.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Reason is set for Forbidden errors.
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: KindConflict}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(op, format string, args ...any) error {
	return newError(KindUnauthenticated, op, format, args...)
}

func Forbidden(op string, reason ReasonCode) error {
	return &Error{Kind: KindForbidden, Op: op, Message: "insufficient permissions", Reason: reason}
}

func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

func Validation(op, format string, args ...any) error {
	return newError(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newError(KindConflict, op, format, args...)
}

// Internal wraps err as an Internal error. A nil err yields nil.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf reports the kind of err; untyped errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the denial reason carried by a Forbidden error.
func ReasonOf(err error) ReasonCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// wrapStore keeps typed store errors and wraps everything else as Internal.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(op, err)
}
