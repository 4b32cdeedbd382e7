package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the reason code carried on the wire in error acks and
// handshake rejections.
type ErrorCode string

const (
	// Handshake rejections
	ErrCodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	ErrCodeInvalidCredential ErrorCode = "INVALID_OR_EXPIRED_CREDENTIAL"
	ErrCodeUnknownUser       ErrorCode = "UNKNOWN_OR_INACTIVE_USER"
	ErrCodeIdentityMismatch  ErrorCode = "IDENTITY_MISMATCH"

	// Request errors
	ErrCodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	ErrCodeReferentialViolation ErrorCode = "REFERENTIAL_VIOLATION"
	ErrCodeUnknownEvent         ErrorCode = "UNKNOWN_EVENT"
	ErrCodeFeatureDisabled      ErrorCode = "FEATURE_DISABLED"
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"

	// Server errors
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeInternal           ErrorCode = "INTERNAL"
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to the status used when rejecting a
// handshake or an HTTP request.
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeMissingCredential, ErrCodeInvalidCredential:
		return http.StatusUnauthorized
	case ErrCodeUnknownUser, ErrCodeIdentityMismatch:
		return http.StatusForbidden
	case ErrCodeInvalidPayload, ErrCodeUnknownEvent:
		return http.StatusBadRequest
	case ErrCodeReferentialViolation:
		return http.StatusUnprocessableEntity
	case ErrCodeFeatureDisabled:
		return http.StatusNotImplemented
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func MissingCredential() *SyncError {
	return NewSyncError(ErrCodeMissingCredential, "authentication credential required", nil)
}

func InvalidCredential(cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidCredential, "invalid or expired credential", cause)
}

func UnknownUser(tenantID, userID int64) *SyncError {
	return NewSyncError(ErrCodeUnknownUser, "user not found or inactive", nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("user_id", userID)
}

func IdentityMismatch(field string) *SyncError {
	return NewSyncError(ErrCodeIdentityMismatch, fmt.Sprintf("%s does not match credential", field), nil).
		WithDetail("field", field)
}

func InvalidPayload(message string) *SyncError {
	return NewSyncError(ErrCodeInvalidPayload, message, nil)
}

func ReferentialViolation(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeReferentialViolation, message, cause)
}

func UnknownEvent(eventType string) *SyncError {
	return NewSyncError(ErrCodeUnknownEvent, fmt.Sprintf("unknown event type '%s'", eventType), nil).
		WithDetail("type", eventType)
}

func FeatureDisabled(feature string) *SyncError {
	return NewSyncError(ErrCodeFeatureDisabled, fmt.Sprintf("%s is disabled", feature), nil).
		WithDetail("feature", feature)
}

func RateLimited() *SyncError {
	return NewSyncError(ErrCodeRateLimited, "too many messages", nil)
}

func StorageUnavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorageUnavailable, message, cause)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// AsSyncError returns the SyncError in err's chain, if any
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if se, ok := AsSyncError(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}
