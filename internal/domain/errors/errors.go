package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures across the engine
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeDLPBlocked   ErrorType = "dlp_blocked"
	ErrorTypeEncryption   ErrorType = "encryption"
	ErrorTypeDecryption   ErrorType = "decryption"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeUnavailable  ErrorType = "unavailable"
	ErrorTypeInternal     ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	// SecurityEvent marks errors that must be appended to the audit trail
	SecurityEvent bool `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewAuthorizationError covers both non-owner administrative calls and
// reads with no matching non-expired grant. Always a security event.
func NewAuthorizationError(message string) *AppError {
	return &AppError{
		Type:          ErrorTypeUnauthorized,
		Code:          "AUTHORIZATION_DENIED",
		Message:       message,
		SecurityEvent: true,
	}
}

// NewDLPBlockedError records which rule fired and with what action.
func NewDLPBlockedError(ruleID, ruleName, action string) *AppError {
	return &AppError{
		Type:    ErrorTypeDLPBlocked,
		Code:    "DLP_BLOCKED",
		Message: fmt.Sprintf("submission blocked by DLP rule %q", ruleName),
		Details: map[string]interface{}{
			"rule_id": ruleID,
			"action":  action,
		},
	}
}

func NewEncryptionError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeEncryption,
		Code:    "ENCRYPTION_FAILED",
		Message: message,
	}
}

// NewDecryptionError is fatal for the read and must never be retried
// against the same ciphertext.
func NewDecryptionError(message string) *AppError {
	return &AppError{
		Type:          ErrorTypeDecryption,
		Code:          "DECRYPTION_FAILED",
		Message:       message,
		SecurityEvent: true,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    "RESOURCE_NOT_FOUND",
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func NewDuplicateContentError(recordID string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    "DUPLICATE_CONTENT",
		Message: "identical content already stored for this owner",
		Details: map[string]interface{}{"existing_record_id": recordID},
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewStoreUnavailableError is the only retryable class in the taxonomy.
func NewStoreUnavailableError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeUnavailable,
		Code:      "STORE_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
}

// Predefined common errors
var (
	ErrRecordNotFound = NewNotFoundError("record")
	ErrRuleNotFound   = NewNotFoundError("rule")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsSecurityEvent reports whether the error must be audited
func IsSecurityEvent(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.SecurityEvent
	}
	return false
}
