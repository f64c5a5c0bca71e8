// Package apperr holds the error taxonomy shared by every harbor component.
// Each error carries a stable machine-readable code and the HTTP status the
// REST layer answers with.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is a classified failure.
type Error struct {
	Code    string
	Status  int
	Message string
	kind    *Error
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches an error against its own sentinel and the sentinel it refines,
// so ErrNoSuchKey also satisfies errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return e.kind != nil && e.kind == t
}

func newKind(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func refine(parent *Error, code, message string) *Error {
	return &Error{Code: code, Status: parent.Status, Message: message, kind: parent}
}

var (
	ErrInvalidName         = newKind("InvalidName", http.StatusBadRequest, "invalid name")
	ErrInvalidArgument     = newKind("InvalidArgument", http.StatusBadRequest, "invalid argument")
	ErrNameTaken           = newKind("NameTaken", http.StatusConflict, "name is already taken")
	ErrAlreadyExists       = newKind("AlreadyExists", http.StatusConflict, "already exists")
	ErrNotFound            = newKind("NotFound", http.StatusNotFound, "not found")
	ErrForbidden           = newKind("Forbidden", http.StatusForbidden, "forbidden")
	ErrNotOwner            = newKind("NotOwner", http.StatusForbidden, "not the owner of the resource")
	ErrUnauthorized        = newKind("Unauthorized", http.StatusUnauthorized, "authentication required")
	ErrOffsetMismatch      = newKind("OffsetMismatch", http.StatusConflict, "chunk offset does not match stored size")
	ErrEmptyFile           = newKind("EmptyFile", http.StatusBadRequest, "empty files are not accepted")
	ErrFileTooLarge        = newKind("FileTooLarge", http.StatusRequestEntityTooLarge, "file is too large")
	ErrPasswordTooShort    = newKind("PasswordTooShort", http.StatusBadRequest, "password is too short")
	ErrNotShared           = newKind("NotShared", http.StatusForbidden, "resource is not shared")
	ErrWrongPassword       = newKind("WrongPassword", http.StatusUnauthorized, "wrong share password")
	ErrExpired             = newKind("Expired", http.StatusForbidden, "share has expired")
	ErrTimeout             = newKind("Timeout", http.StatusGatewayTimeout, "operation timed out")
	ErrChecksumMismatch    = newKind("ChecksumMismatch", http.StatusUnprocessableEntity, "content checksum mismatch")
	ErrRangeNotSatisfiable = newKind("RangeNotSatisfiable", http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	ErrUploadInProgress    = newKind("UploadInProgress", http.StatusConflict, "object upload is not complete")
	ErrInternal            = newKind("Internal", http.StatusInternalServerError, "internal error")

	ErrNoSuchBucket    = refine(ErrNotFound, "NoSuchBucket", "bucket not found")
	ErrNoSuchKey       = refine(ErrNotFound, "NoSuchKey", "object not found")
	ErrNoSuchDirectory = refine(ErrNotFound, "NoSuchDirectory", "directory not found")
)

// From returns the classified error inside err. Context deadlines become
// ErrTimeout; anything unclassified becomes ErrInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrInternal
}

// Wrap attaches detail to a sentinel while keeping it matchable with errors.Is.
func Wrap(kind *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Internal wraps a storage or driver fault.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
