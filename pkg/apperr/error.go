// Package apperr provides the typed error taxonomy used across the ingestion
// and thread-reconstruction engine.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindStoreUnavailable = "STORE_UNAVAILABLE"
	KindStoreIntegrity   = "STORE_INTEGRITY"
	KindParseMalformed   = "PARSE_MALFORMED"
	KindMissingIdentity  = "MISSING_IDENTITY"
	KindObjectMissing    = "OBJECT_MISSING"
	KindProgressPoll     = "PROGRESS_POLL_FAILED"
	KindInternal         = "INTERNAL"
)

// AppError is a structured, wrapped application error.
type AppError struct {
	Kind    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(err error, kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func StoreUnavailable(message string, err error) *AppError {
	return &AppError{Kind: KindStoreUnavailable, Message: message, Err: err}
}

func StoreIntegrity(message string, err error) *AppError {
	return &AppError{Kind: KindStoreIntegrity, Message: message, Err: err}
}

func ParseMalformed(commitHash, reason string) *AppError {
	return &AppError{
		Kind:    KindParseMalformed,
		Message: fmt.Sprintf("malformed email for commit %s: %s", commitHash, reason),
		Details: map[string]any{"commit_hash": commitHash},
	}
}

func MissingIdentity(email string) *AppError {
	return &AppError{
		Kind:    KindMissingIdentity,
		Message: fmt.Sprintf("could not resolve identity for email %q", email),
		Details: map[string]any{"email": email},
	}
}

func ObjectMissing(commitHash string) *AppError {
	return &AppError{
		Kind:    KindObjectMissing,
		Message: fmt.Sprintf("object store has no blob for commit %s", commitHash),
		Details: map[string]any{"commit_hash": commitHash},
	}
}

func ProgressPollFailed(err error) *AppError {
	return &AppError{Kind: KindProgressPoll, Message: "progress poll failed", Err: err}
}

func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
