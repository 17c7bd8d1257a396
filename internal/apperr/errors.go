// Package apperr defines the error kinds shared by the store, queue and sync engine.
//
// Callers classify errors with the Is* helpers, which see through wrapping:
//
//	if apperr.IsPermanent(err) {
//	    // mark the queue entry dead
//	}
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes application errors.
type Code string

const (
	// CodeMigration: a schema migration failed. Fatal to startup.
	CodeMigration Code = "MIGRATION_FAILED"

	// CodeValidation: local input is malformed. Never reaches the queue.
	CodeValidation Code = "VALIDATION"

	// CodeTransient: timeout, 5xx or lost connectivity. Retried with backoff.
	CodeTransient Code = "TRANSIENT_NETWORK"

	// CodePermanent: the remote rejected the request as intrinsically invalid.
	CodePermanent Code = "PERMANENT_SERVER"

	// CodeNotFound: the referenced entity or queue entry does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a classified application error.
type Error struct {
	Code    Code
	Message string

	// Status is the remote HTTP status, when the error came from a response.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Migration wraps a failure to apply a schema version.
func Migration(version int, err error) *Error {
	return &Error{
		Code:    CodeMigration,
		Message: fmt.Sprintf("migration %d failed", version),
		Err:     err,
	}
}

// Validation reports invalid local input.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable remote failure.
func Transient(status int, err error) *Error {
	return &Error{Code: CodeTransient, Message: "transient remote failure", Status: status, Err: err}
}

// Permanent reports a request the remote will never accept.
func Permanent(status int, message string) *Error {
	return &Error{Code: CodePermanent, Message: message, Status: status}
}

// NotFound reports a missing entity or queue entry.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsMigration reports whether err is a migration failure.
func IsMigration(err error) bool { return CodeOf(err) == CodeMigration }

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool { return CodeOf(err) == CodeTransient }

// IsPermanent reports whether err is a non-retryable remote rejection.
func IsPermanent(err error) bool { return CodeOf(err) == CodePermanent }

// IsNotFound reports whether err is a missing entity or entry.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
