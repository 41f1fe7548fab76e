package domain

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthentication
	KindStorage
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthentication:
		return "authentication"
	case KindStorage:
		return "storage"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Error is the typed result of every expected failure returned by the services.
// Msg is safe to show to callers; Err carries the internal cause for logs.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	Err    error

	generic bool
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes the kind sentinels (ErrValidation, ErrNotFound, ...) match any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.generic {
		return false
	}
	return t.Kind == e.Kind
}

// kind sentinels
var (
	ErrValidation     = &Error{Kind: KindValidation, Msg: "validation failed", generic: true}
	ErrNotFound       = &Error{Kind: KindNotFound, Msg: "not found", generic: true}
	ErrConflict       = &Error{Kind: KindConflict, Msg: "conflict", generic: true}
	ErrAuthentication = &Error{Kind: KindAuthentication, Msg: "authentication failed", generic: true}
	ErrStorage        = &Error{Kind: KindStorage, Msg: "storage failure", generic: true}
	ErrTransient      = &Error{Kind: KindTransient, Msg: "temporarily unavailable", generic: true}
)

// specific conditions
var (
	ErrSlugTaken          = &Error{Kind: KindConflict, Msg: "slug already taken"}
	ErrDuplicate          = &Error{Kind: KindConflict, Msg: "already exists"}
	ErrSlugExhausted      = &Error{Kind: KindConflict, Msg: "could not allocate a unique identifier, retry"}
	ErrInvalidCredentials = &Error{Kind: KindAuthentication, Msg: "invalid credentials"}
	ErrLockTimeout        = &Error{Kind: KindTransient, Msg: "place is busy, retry"}
)

func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Msg: what + " not found"}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg}
}

// StorageErr wraps an unexpected store or filesystem failure. Typed errors and
// context cancellation pass through untouched.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindStorage, Msg: "storage failure", Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf reports the kind of err, KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
