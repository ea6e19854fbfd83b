// Package apperr defines the typed error taxonomy shared across dbforge's
// components and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error kind.
type Code string

const (
	DBNotFound          Code = "DB_NOT_FOUND"
	DialectUnsupported  Code = "DIALECT_UNSUPPORTED"
	DialectPullFailed   Code = "DIALECT_PULL_FAILED"
	PoolExhausted       Code = "POOL_EXHAUSTED"
	QueryTimeout        Code = "QUERY_TIMEOUT"
	QuerySyntaxError    Code = "QUERY_SYNTAX_ERROR"
	DBSizeExceeded      Code = "DB_SIZE_EXCEEDED"
	BackupNotFound      Code = "BACKUP_NOT_FOUND"
	BackupExpired       Code = "BACKUP_EXPIRED"
	Busy                Code = "BUSY"
	Internal            Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	DBNotFound:         http.StatusNotFound,
	DialectUnsupported: http.StatusBadRequest,
	DialectPullFailed:  http.StatusServiceUnavailable,
	PoolExhausted:      http.StatusServiceUnavailable,
	QueryTimeout:       http.StatusRequestTimeout,
	QuerySyntaxError:   http.StatusBadRequest,
	DBSizeExceeded:     http.StatusRequestEntityTooLarge,
	BackupNotFound:     http.StatusNotFound,
	BackupExpired:      http.StatusGone,
	Busy:               http.StatusTooManyRequests,
	Internal:           http.StatusInternalServerError,
}

// Error is a typed application error carrying a Code and an HTTP mapping.
type Error struct {
	Code    Code
	Message string
	Detail  string
	err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the status code this error kind maps to, defaulting to
// 500 for unrecognized codes.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that preserves err for errors.Is/As chains.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// WithDetail attaches additional diagnostic detail, returning the receiver
// for chaining.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, otherwise
// returns Internal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Internal
}

// StatusOf returns the HTTP status for err, defaulting to 500 if err is not
// a typed *Error.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
