package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeLocked       ErrorType = "locked"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context.
// Code narrows the type for callers that need to tell, for example, an
// expired token from a revoked one; it never reaches an HTTP response body.
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Errors match on type, and on code when the
// target carries one.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Wrap returns a copy of e carrying cause, so sentinels stay untouched
func (e *DomainError) Wrap(cause error) *DomainError {
	out := *e
	out.Err = cause
	out.Details = make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	return &out
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func newCodedError(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Validation Errors
	ErrInvalidInput = newCodedError(ErrorTypeValidation, "invalid_input", "invalid input")

	// Authentication Errors. Callers must not distinguish these in responses.
	ErrInvalidCredentials = newCodedError(ErrorTypeUnauthorized, "invalid_credentials", "invalid credentials")
	ErrTokenMalformed     = newCodedError(ErrorTypeUnauthorized, "token_malformed", "malformed token")
	ErrBadSignature       = newCodedError(ErrorTypeUnauthorized, "bad_signature", "token signature invalid")
	ErrTokenExpired       = newCodedError(ErrorTypeUnauthorized, "token_expired", "token expired")
	ErrTokenRevoked       = newCodedError(ErrorTypeUnauthorized, "token_revoked", "token revoked")
	ErrTokenMissing       = newCodedError(ErrorTypeUnauthorized, "token_missing", "authentication required")

	// Lockout Errors
	ErrAccountLocked = newCodedError(ErrorTypeLocked, "account_locked", "too many failed attempts")

	// Permission Errors
	ErrInsufficientPermission = newCodedError(ErrorTypeForbidden, "insufficient_permission", "insufficient permissions")

	// Internal Errors
	ErrInternal = newCodedError(ErrorTypeInternal, "internal", "internal server error")

	// Availability Errors
	ErrSystemUnavailable = newCodedError(ErrorTypeUnavailable, "system_unavailable", "service temporarily unavailable")
)

// Error type checking helper functions

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsLockedError checks if an error is a lockout error
func IsLockedError(err error) bool {
	return GetErrorType(err) == ErrorTypeLocked
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsUnavailableError checks if an error means a dependency could not be reached
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the code of a domain error, or empty string if not a domain error
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapUnavailable wraps a dependency failure as ErrSystemUnavailable
func WrapUnavailable(err error) error {
	return ErrSystemUnavailable.Wrap(err)
}
