// Package errdefs defines the service-wide error taxonomy.
//
// Every error kind carries a stable machine code and the HTTP status it maps
// to at the REST edge. Internal packages return these instead of raw strings
// so coordinators can branch on Code and handlers can translate uniformly.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error kind. Codes are part of the API contract and must
// remain stable across releases.
type Code string

const (
	CodeValidation         Code = "ValidationError"
	CodeWeakPassword       Code = "WeakPassword"
	CodeInvalidPermission  Code = "InvalidPermissionFormat"
	CodeInvalidCredentials Code = "InvalidCredentials"
	CodeAccountLocked      Code = "AccountLocked"
	CodeMFARequired        Code = "MFARequired"
	CodeInvalidMFACode     Code = "InvalidMFACode"
	CodeMFANotConfigured   Code = "MFANotConfigured"
	CodeInvalidToken       Code = "InvalidToken"
	CodeTokenRevoked       Code = "TokenRevoked"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeRoleCycle          Code = "RoleCycle"
	CodeRoleInUse          Code = "RoleInUse"
	CodeNotFound           Code = "NotFound"
	CodeDuplicateKey       Code = "DuplicateKey"
	CodeRateLimited        Code = "RateLimited"
	CodeUnavailable        Code = "ServiceUnavailable"
	CodeSecurity           Code = "SecurityError"
	CodeInternal           Code = "InternalError"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Code    Code
	Message string
	Status  int
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing code or status.
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.cause = cause
	return &clone
}

// WithDetail adds a detail entry, returning the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// CodeOf returns the Code of err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status err maps to, 500 for untyped errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Validation builds a 422 validation error.
func Validation(message string) *Error {
	return newError(CodeValidation, http.StatusUnprocessableEntity, message)
}

// WeakPassword reports a password rejected by the strength policy.
func WeakPassword(reason string) *Error {
	return newError(CodeWeakPassword, http.StatusUnprocessableEntity,
		"password does not meet the strength policy").WithDetail("reason", reason)
}

// InvalidPermissionFormat reports a permission name outside scope:action.
func InvalidPermissionFormat(name string) *Error {
	return newError(CodeInvalidPermission, http.StatusUnprocessableEntity,
		"permission must have the form scope:action").WithDetail("permission", name)
}

// InvalidCredentials collapses "no such user" and "wrong password" into one
// answer so clients cannot enumerate accounts.
func InvalidCredentials() *Error {
	return newError(CodeInvalidCredentials, http.StatusUnauthorized, "invalid credentials")
}

// AccountLocked reports a lockout with the remaining wait.
func AccountLocked(retryAfter time.Duration) *Error {
	return newError(CodeAccountLocked, http.StatusLocked, "account temporarily locked").
		WithDetail("retry_after_seconds", ceilSeconds(retryAfter))
}

// MFARequired signals that the login needs a second factor. Maps to 202;
// the detail flag lets clients branch without parsing the code.
func MFARequired() *Error {
	return newError(CodeMFARequired, http.StatusAccepted, "multi-factor authentication required").
		WithDetail("mfa_required", true)
}

// InvalidMFACode reports a failed MFA verification with attempts remaining.
func InvalidMFACode(attemptsLeft int) *Error {
	return newError(CodeInvalidMFACode, http.StatusUnauthorized, "invalid verification code").
		WithDetail("attempts_left", attemptsLeft)
}

// MFANotConfigured reports MFA operations on a principal without a secret.
func MFANotConfigured() *Error {
	return newError(CodeMFANotConfigured, http.StatusUnauthorized, "MFA is not configured")
}

// InvalidToken reports an unusable token with a reason tag
// (expired, not_yet_valid, wrong_audience, malformed, unknown_key, bad_signature).
func InvalidToken(reason string) *Error {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid token").
		WithDetail("reason", reason)
}

// TokenRevoked reports a structurally valid token that has been revoked.
func TokenRevoked() *Error {
	return newError(CodeTokenRevoked, http.StatusUnauthorized, "token has been revoked")
}

// PermissionDenied reports a failed RBAC check.
func PermissionDenied(permission string) *Error {
	return newError(CodePermissionDenied, http.StatusForbidden, "permission denied").
		WithDetail("required_permission", permission)
}

// RoleCycle reports a parent assignment that would close an inheritance cycle.
func RoleCycle(role string) *Error {
	return newError(CodeRoleCycle, http.StatusConflict, "role hierarchy cycle detected").
		WithDetail("role", role)
}

// RoleInUse reports a delete attempt on a role that still has users or children.
func RoleInUse(role string) *Error {
	return newError(CodeRoleInUse, http.StatusConflict, "role is still in use").
		WithDetail("role", role)
}

// NotFound reports a missing entity of the named kind.
func NotFound(kind string) *Error {
	return newError(CodeNotFound, http.StatusNotFound, kind+" not found")
}

// Duplicate reports a uniqueness violation on the named natural key.
func Duplicate(kind string) *Error {
	return newError(CodeDuplicateKey, http.StatusConflict, kind+" already exists")
}

// RateLimited reports an exhausted rate-limit window.
func RateLimited(retryAfter time.Duration) *Error {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "too many requests").
		WithDetail("retry_after_seconds", ceilSeconds(retryAfter))
}

// ceilSeconds rounds up so a live wait never advertises zero seconds.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Unavailable reports an unreachable backing store.
func Unavailable(component string) *Error {
	return newError(CodeUnavailable, http.StatusServiceUnavailable, component+" unavailable")
}

// Security reports malformed or tampered security material.
func Security(message string) *Error {
	return newError(CodeSecurity, http.StatusInternalServerError, message)
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return newError(CodeInternal, http.StatusInternalServerError, "internal error").WithCause(err)
}
