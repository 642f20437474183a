package usecase

import (
	"context"
	"errors"
	"fmt"

	"sms-inbox/internal/repository"
)

type ErrorCode string

const (
	ErrorValidation ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound   ErrorCode = "NOT_FOUND"
	ErrorConflict   ErrorCode = "CONFLICT"
	ErrorChannel    ErrorCode = "CHANNEL_ERROR"
	ErrorStore      ErrorCode = "STORE_ERROR"
	ErrorTimeout    ErrorCode = "TIMEOUT"
)

// Retryable reports whether the caller may retry the same request.
func (c ErrorCode) Retryable() bool {
	return c == ErrorTimeout
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError classifies a persistence failure.
func storeError(reason string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTimeout, reason, err)
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, repository.ErrConflict):
		return newError(ErrorConflict, reason, err)
	}
	return newError(ErrorStore, reason, err)
}

// CodeOf extracts the code of a usecase error, defaulting to STORE_ERROR.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorStore
}
