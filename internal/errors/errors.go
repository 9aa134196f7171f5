// Package errors defines the service error taxonomy shared by the domain
// services, the core API and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	CodeValidation             ErrorCode = "VALIDATION_ERROR"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken           ErrorCode = "INVALID_TOKEN"
	CodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	CodeDuplicateApplication   ErrorCode = "DUPLICATE_APPLICATION"
	CodeSettlementFailure      ErrorCode = "SETTLEMENT_FAILURE"
	CodeSignerRejected         ErrorCode = "SIGNER_REJECTED"
	CodeIndeterminate          ErrorCode = "INDETERMINATE"
	CodeConflict               ErrorCode = "CONFLICT"
	CodeRateLimitExceeded      ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal               ErrorCode = "INTERNAL"
)

// ServiceError is a classified error carrying an HTTP status for transport
// layers and optional structured details.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a detail key/value and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Validation reports bad input.
func Validation(format string, args ...interface{}) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// NotFound reports a missing record.
func NotFound(kind, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id), nil).
		WithDetails("resource", kind).WithDetails("id", id)
}

// Unauthorized reports a caller that does not own the resource or lacks credentials.
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusForbidden, message, nil)
}

// InvalidToken reports a missing or malformed bearer token.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

// InvalidStateTransition reports an edge that the state machine does not allow.
func InvalidStateTransition(entity, from, to string) *ServiceError {
	return newError(CodeInvalidStateTransition, http.StatusConflict,
		fmt.Sprintf("%s cannot move from %s to %s", entity, from, to), nil).
		WithDetails("from", from).WithDetails("to", to)
}

// InvalidState reports an operation rejected because of the current state.
func InvalidState(format string, args ...interface{}) *ServiceError {
	return newError(CodeInvalidStateTransition, http.StatusConflict, fmt.Sprintf(format, args...), nil)
}

// DuplicateApplication reports a second active application for a job/freelancer pair.
func DuplicateApplication(jobID, freelancer string) *ServiceError {
	return newError(CodeDuplicateApplication, http.StatusConflict,
		fmt.Sprintf("freelancer %s already applied to job %s", freelancer, jobID), nil)
}

// SettlementFailure reports a gateway rejection or transport failure.
func SettlementFailure(message string, err error) *ServiceError {
	return newError(CodeSettlementFailure, http.StatusBadGateway, message, err)
}

// SignerRejected reports that the signer declined to authorise a payload.
func SignerRejected(err error) *ServiceError {
	return newError(CodeSignerRejected, http.StatusForbidden, "signer declined the settlement payload", err)
}

// Indeterminate reports a settlement call whose outcome is not yet known.
func Indeterminate(message string, err error) *ServiceError {
	return newError(CodeIndeterminate, http.StatusAccepted, message, err)
}

// Conflict reports a concurrent modification.
func Conflict(message string, err error) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, err)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// CodeOf returns the code of err, classifying unknown errors as internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}
