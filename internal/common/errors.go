package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for job and page reporting.
type ErrorKind string

const (
	KindInput         ErrorKind = "INPUT_ERROR"
	KindToolExecution ErrorKind = "TOOL_EXECUTION_ERROR"
	KindTimeout       ErrorKind = "TIMEOUT_ERROR"
	KindResource      ErrorKind = "RESOURCE_ERROR"
	KindInternal      ErrorKind = "INTERNAL_ERROR"
	KindCancelled     ErrorKind = "CANCELLED"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrToolFailed   = errors.New("external tool failed")
	ErrTimeout      = errors.New("deadline exceeded")
	ErrResource     = errors.New("resource error")
	ErrInternal     = errors.New("internal error")
	ErrCancelled    = errors.New("cancelled")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func InputError(message string, cause error) *AppError {
	return NewAppError(string(KindInput), message, join(ErrInvalidInput, cause))
}

func ToolExecutionError(message string, cause error) *AppError {
	return NewAppError(string(KindToolExecution), message, join(ErrToolFailed, cause))
}

func TimeoutError(message string, cause error) *AppError {
	return NewAppError(string(KindTimeout), message, join(ErrTimeout, cause))
}

func ResourceError(message string, cause error) *AppError {
	return NewAppError(string(KindResource), message, join(ErrResource, cause))
}

func InternalError(message string, cause error) *AppError {
	return NewAppError(string(KindInternal), message, join(ErrInternal, cause))
}

func CancelledError(message string, cause error) *AppError {
	return NewAppError(string(KindCancelled), message, join(ErrCancelled, cause))
}

func join(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}

// KindOf maps an error onto the pipeline taxonomy. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch ErrorKind(appErr.Code) {
		case KindInput, KindToolExecution, KindTimeout, KindResource, KindInternal, KindCancelled:
			return ErrorKind(appErr.Code)
		}
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInput
	case errors.Is(err, ErrToolFailed):
		return KindToolExecution
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus picks the response code for an error returned before a job exists.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case KindOf(err) == KindInput:
		return http.StatusBadRequest
	case KindOf(err) == KindTimeout:
		return http.StatusGatewayTimeout
	case KindOf(err) == KindResource:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message returns the human-facing part of an error: the AppError message
// when there is one, else the full error text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
