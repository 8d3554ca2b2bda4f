package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can react without string matching.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindAlreadyExists      ErrorKind = "ALREADY_EXISTS"
	KindInvalidTarget      ErrorKind = "INVALID_TARGET"
	KindConflict           ErrorKind = "CONFLICT"
	KindDuplicateVersion   ErrorKind = "DUPLICATE_VERSION"
	KindStorageUnavailable ErrorKind = "STORAGE_UNAVAILABLE"
	KindInvalid            ErrorKind = "INVALID_ARGUMENT"
)

// Error is the typed outcome returned by every engine operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrInvalidTarget      = &Error{Kind: KindInvalidTarget}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrDuplicateVersion   = &Error{Kind: KindDuplicateVersion}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrInvalid            = &Error{Kind: KindInvalid}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind. A duplicate version is also a conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindDuplicateVersion && t.Kind == KindConflict
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFoundf(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

func AlreadyExistsf(format string, args ...any) error {
	return newError(KindAlreadyExists, nil, format, args...)
}

func InvalidTargetf(format string, args ...any) error {
	return newError(KindInvalidTarget, nil, format, args...)
}

func Invalidf(format string, args ...any) error {
	return newError(KindInvalid, nil, format, args...)
}

// Conflict wraps err as a retryable version race.
func Conflict(err error, format string, args ...any) error {
	return newError(KindConflict, err, format, args...)
}

// DuplicateVersion reports an attempt to rewrite an existing (user, version) pair.
func DuplicateVersion(userID string, version int64, err error) error {
	return newError(KindDuplicateVersion, err, "user %s already has version %d", userID, version)
}

// StorageUnavailable wraps a backend failure that the engine does not retry.
func StorageUnavailable(err error, format string, args ...any) error {
	return newError(KindStorageUnavailable, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the coordinator may replay the mutation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
