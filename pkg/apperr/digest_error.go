package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. These are the tagged kinds that cross component boundaries;
// raw error strings never do.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeLLMTransient     = "LLM_TRANSIENT"
	CodeLLMSchemaInvalid = "LLM_SCHEMA_INVALID"
	CodeLLMTimeout       = "LLM_TIMEOUT"
	CodeLLMRefused       = "LLM_REFUSED"
	CodeStorageError     = "STORAGE_UNAVAILABLE"
	CodeContractViolated = "CONTRACT_VIOLATION"
	CodeTenancyViolated  = "TENANCY_VIOLATION"
	CodeInternalError    = "INTERNAL"

	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
)

// AppError is a structured application error.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code.
func (e *AppError) HTTPStatus() int { return e.Status }

// New builds an error with an explicit code and status.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// InvalidInput rejects a malformed request field.
func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// RateLimited carries the retry window and the budget that tripped.
func RateLimited(retryAfterSec int, limit string) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: "too many requests",
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"retry_after": retryAfterSec, "limit": limit},
	}
}

// CircuitOpen rejects work while the breaker cools down.
func CircuitOpen(reason string) *AppError {
	return &AppError{
		Code:    CodeCircuitOpen,
		Message: "temporarily rejecting calls",
		Status:  http.StatusServiceUnavailable,
		Details: map[string]any{"reason": reason},
	}
}

func LLMTransient(err error) *AppError {
	return &AppError{Code: CodeLLMTransient, Message: "language model call failed", Status: http.StatusBadGateway, Err: err}
}

func LLMSchemaInvalid(err error) *AppError {
	return &AppError{Code: CodeLLMSchemaInvalid, Message: "language model output rejected", Status: http.StatusBadGateway, Err: err}
}

func LLMTimeout(err error) *AppError {
	return &AppError{Code: CodeLLMTimeout, Message: "language model call timed out", Status: http.StatusGatewayTimeout, Err: err}
}

func LLMRefused(err error) *AppError {
	return &AppError{Code: CodeLLMRefused, Message: "language model refused the request", Status: http.StatusBadGateway, Err: err}
}

func Storage(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeStorageError,
		Message: fmt.Sprintf("storage error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// ContractViolation aborts a pipeline run: a stage touched state it did not
// declare.
func ContractViolation(stage, detail string) *AppError {
	return &AppError{
		Code:    CodeContractViolated,
		Message: fmt.Sprintf("stage %s: %s", stage, detail),
		Status:  http.StatusInternalServerError,
		Details: map[string]any{"stage": stage},
	}
}

// TenancyViolation is logged as a security event and aborts unconditionally.
func TenancyViolation(detail string) *AppError {
	return &AppError{
		Code:    CodeTenancyViolated,
		Message: "cross-tenant access rejected",
		Status:  http.StatusForbidden,
		Details: map[string]any{"detail": detail},
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

func NotFound(resource string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource), Status: http.StatusNotFound}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternalError, Message: message, Status: http.StatusInternalServerError}
}

func InternalWithError(err error) *AppError {
	return &AppError{Code: CodeInternalError, Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
}

// Helper functions.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
