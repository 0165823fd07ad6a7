package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies remote failures.
type Code string

const (
	CodeUnavailable     Code = "unavailable"
	CodeNotFound        Code = "not_found"
	CodeForbidden       Code = "forbidden"
	CodeInvalid         Code = "invalid"
	CodeUnauthenticated Code = "unauthenticated"
	CodeConflict        Code = "conflict"
	CodeInternal        Code = "internal"
)

// Error is the typed failure returned by every remote contract.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

// NewError constructs a remote error with the given classification.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError classifies cause under code.
func WrapError(code Code, cause error) *Error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, err: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "remote: " + string(e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same code, so errors.Is(err, remote.NewError(CodeNotFound, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the classification of err. Context errors and unknown errors
// from the transport are treated as unavailable.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeInternal
	}
	return CodeUnavailable
}

// IsTransient reports whether err is eligible for a read-path retry.
func IsTransient(err error) bool {
	return err != nil && CodeOf(err) == CodeUnavailable
}

// HTTPStatus maps a code to the status the HTTP API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus maps an HTTP status back to a code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeInvalid
	case status == http.StatusUnauthorized:
		return CodeUnauthenticated
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusTooManyRequests || status >= 500 && status != http.StatusNotImplemented:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
