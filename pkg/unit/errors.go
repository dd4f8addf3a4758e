package unit

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure across the scheduler.
type ErrorCode string

// Generic codes (000-099)
const (
	ErrCodeUnknown          ErrorCode = "00001"
	ErrCodeInvalidInput     ErrorCode = "00002"
	ErrCodeNotFound         ErrorCode = "00003"
	ErrCodeAlreadyExists    ErrorCode = "00004"
	ErrCodeTimeout          ErrorCode = "00005"
	ErrCodeInternalError    ErrorCode = "00006"
	ErrCodeValidationFailed ErrorCode = "00007"
)

// Scheduler domain codes (100-199)
const (
	ErrCodeUnknownModel       ErrorCode = "00100"
	ErrCodeModelRegistered    ErrorCode = "00101"
	ErrCodeAdmissionRefused   ErrorCode = "00102"
	ErrCodeCapacityExhausted  ErrorCode = "00103"
	ErrCodeColdStartTimeout   ErrorCode = "00104"
	ErrCodeInvalidTransition  ErrorCode = "00105"
	ErrCodeOperationInFlight  ErrorCode = "00106"
	ErrCodeModelNotRetryable  ErrorCode = "00107"
	ErrCodeOrchestratorClosed ErrorCode = "00108"
)

// Backend domain codes (200-299)
const (
	ErrCodeBackendLoadFailed      ErrorCode = "00200"
	ErrCodeBackendWarmupFailed    ErrorCode = "00201"
	ErrCodeBackendEvictFailed     ErrorCode = "00202"
	ErrCodeBackendInferFailed     ErrorCode = "00203"
	ErrCodeUnsupportedFramework   ErrorCode = "00204"
	ErrCodeBackendNotReachable    ErrorCode = "00205"
	ErrCodeBackendAlreadyResident ErrorCode = "00206"
)

// Cost domain codes (300-399)
const (
	ErrCodeOverBudget ErrorCode = "00300"
)

// Metrics/persistence codes (400-499)
const (
	ErrCodeSinkUnavailable ErrorCode = "00400"
)

// UnitError is the unified error type carried across package boundaries.
type UnitError struct {
	Code    ErrorCode
	Domain  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *UnitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *UnitError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key/value pair to the error.
func (e *UnitError) WithDetails(key string, value any) *UnitError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *UnitError) WithCause(err error) *UnitError {
	e.Cause = err
	return e
}

// Is matches on error code so sentinel comparisons work through wrapping.
func (e *UnitError) Is(target error) bool {
	t, ok := target.(*UnitError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a generic error.
func NewError(code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewDomainError creates an error tagged with a domain.
func NewDomainError(domain string, code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Domain:  domain,
		Message: message,
		Details: make(map[string]any),
	}
}

// WrapError wraps an existing error with a code and message.
func WrapError(err error, code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Message: message,
		Cause:   err,
		Details: make(map[string]any),
	}
}

// WrapDomainError wraps an existing error with a domain, code and message.
func WrapDomainError(err error, domain string, code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Domain:  domain,
		Message: message,
		Cause:   err,
		Details: make(map[string]any),
	}
}

// AsUnitError converts err to a *UnitError if possible.
func AsUnitError(err error) (*UnitError, bool) {
	if err == nil {
		return nil, false
	}
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ue.Code == ErrCodeNotFound || ue.Code == ErrCodeUnknownModel
	}
	return errors.Is(err, ErrNotFound)
}

// IsAdmissionRefused reports whether err is a policy refusal. Refusals are
// expected outcomes: callers branch on them instead of treating them as
// failures.
func IsAdmissionRefused(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ue.Code == ErrCodeAdmissionRefused
	}
	return false
}

// IsCapacityExhausted reports whether err means no eviction candidates could
// free enough memory.
func IsCapacityExhausted(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ue.Code == ErrCodeCapacityExhausted
	}
	return false
}

// IsTimeout reports whether err is a timeout, including cold-start timeouts.
func IsTimeout(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ue.Code == ErrCodeTimeout || ue.Code == ErrCodeColdStartTimeout
	}
	return errors.Is(err, ErrTimeout)
}

// IsBackendFailure reports whether err originated in a backend adapter.
func IsBackendFailure(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		switch ue.Code {
		case ErrCodeBackendLoadFailed, ErrCodeBackendWarmupFailed,
			ErrCodeBackendEvictFailed, ErrCodeBackendInferFailed:
			return true
		}
	}
	return false
}

// Common sentinels.
var (
	ErrUnknown       = NewError(ErrCodeUnknown, "unknown error")
	ErrInvalidInput  = NewError(ErrCodeInvalidInput, "invalid input")
	ErrNotFound      = NewError(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists = NewError(ErrCodeAlreadyExists, "resource already exists")
	ErrTimeout       = NewError(ErrCodeTimeout, "operation timeout")
	ErrInternal      = NewError(ErrCodeInternalError, "internal error")
	ErrValidation    = NewError(ErrCodeValidationFailed, "validation failed")
)
