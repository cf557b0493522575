// Package errors defines the error taxonomy shared by all Gafaelfawr
// components. The HTTP edge maps error types to status codes; internal
// code only deals in types.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidCredentials is returned when no usable credential was presented
	ErrInvalidCredentials = "invalid_credentials"

	// ErrInsufficientScope is returned when a token lacks a required scope
	ErrInsufficientScope = "insufficient_scope"

	// ErrTokenExpired is returned when a presented token has expired
	ErrTokenExpired = "token_expired"

	// ErrDuplicateTokenName is returned when a user token name is already in use
	ErrDuplicateTokenName = "duplicate_token_name"

	// ErrMalformedToken is returned when a token does not parse
	ErrMalformedToken = "malformed_token"

	// ErrProvider is returned when an upstream identity provider call fails
	ErrProvider = "provider_error"

	// ErrConfig is returned for fatal configuration problems at startup
	ErrConfig = "config_error"

	// ErrNotFound is returned when a requested resource does not exist
	ErrNotFound = "not_found"

	// ErrForbidden is returned when the caller is not permitted the operation
	ErrForbidden = "permission_denied"

	// ErrInvalidRequest is returned when request parameters fail validation
	ErrInvalidRequest = "invalid_request"

	// ErrUnavailable is returned when a backend stays unreachable after retries
	ErrUnavailable = "service_unavailable"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error
func New(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidCredentialsError creates a new invalid credentials error
func NewInvalidCredentialsError(message string, cause error) *Error {
	return New(ErrInvalidCredentials, message, cause)
}

// NewInsufficientScopeError creates a new insufficient scope error
func NewInsufficientScopeError(message string, cause error) *Error {
	return New(ErrInsufficientScope, message, cause)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string, cause error) *Error {
	return New(ErrTokenExpired, message, cause)
}

// NewDuplicateTokenNameError creates a new duplicate token name error
func NewDuplicateTokenNameError(message string, cause error) *Error {
	return New(ErrDuplicateTokenName, message, cause)
}

// NewMalformedTokenError creates a new malformed token error
func NewMalformedTokenError(message string, cause error) *Error {
	return New(ErrMalformedToken, message, cause)
}

// NewProviderError creates a new provider error
func NewProviderError(message string, cause error) *Error {
	return New(ErrProvider, message, cause)
}

// NewConfigError creates a new config error
func NewConfigError(message string, cause error) *Error {
	return New(ErrConfig, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return New(ErrNotFound, message, cause)
}

// NewForbiddenError creates a new permission denied error
func NewForbiddenError(message string, cause error) *Error {
	return New(ErrForbidden, message, cause)
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return New(ErrInvalidRequest, message, cause)
}

// NewUnavailableError creates a new service unavailable error
func NewUnavailableError(message string, cause error) *Error {
	return New(ErrUnavailable, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return New(ErrInternal, message, cause)
}

// TypeOf returns the error type, or ErrInternal for errors from outside
// this taxonomy.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidCredentials checks if the error is an invalid credentials error
func IsInvalidCredentials(err error) bool {
	return is(err, ErrInvalidCredentials)
}

// IsInsufficientScope checks if the error is an insufficient scope error
func IsInsufficientScope(err error) bool {
	return is(err, ErrInsufficientScope)
}

// IsTokenExpired checks if the error is a token expired error
func IsTokenExpired(err error) bool {
	return is(err, ErrTokenExpired)
}

// IsDuplicateTokenName checks if the error is a duplicate token name error
func IsDuplicateTokenName(err error) bool {
	return is(err, ErrDuplicateTokenName)
}

// IsMalformedToken checks if the error is a malformed token error
func IsMalformedToken(err error) bool {
	return is(err, ErrMalformedToken)
}

// IsProvider checks if the error is a provider error
func IsProvider(err error) bool {
	return is(err, ErrProvider)
}

// IsConfig checks if the error is a config error
func IsConfig(err error) bool {
	return is(err, ErrConfig)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsForbidden checks if the error is a permission denied error
func IsForbidden(err error) bool {
	return is(err, ErrForbidden)
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return is(err, ErrInvalidRequest)
}

// IsUnavailable checks if the error is a service unavailable error
func IsUnavailable(err error) bool {
	return is(err, ErrUnavailable)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrInternal)
}
