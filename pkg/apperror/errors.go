package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Is reports whether err is an *AppError carrying code.
func Is(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// Error codes returned by the session state machine.
const (
	CodeSessionClosed       = "SES_001"
	CodeInsufficientBalance = "SES_002"
	CodeOverflow            = "SES_003"
	CodeNotFound            = "SES_004"
	CodeAddressOccupied     = "SES_005"
	CodeUnauthorized        = "SES_006"
	CodeInvalidAmount       = "SES_007"
	CodeInvalidSessionID    = "SES_008"
	CodeIdempotencyConflict = "SES_009"
	CodeInsufficientFunds   = "CUS_001"
	CodeHoldingMismatch     = "CUS_002"
	CodeInvalidToken        = "AUTH_003"
	CodeRateLimitExceeded   = "RATE_001"
	CodeInternal            = "SYS_001"
)

// ---- Session state machine (SES) ----

func ErrSessionClosed() *AppError {
	return New(CodeSessionClosed, "Session is closed", http.StatusConflict)
}

func ErrInsufficientBalance() *AppError {
	return New(CodeInsufficientBalance, "Insufficient balance", http.StatusPaymentRequired)
}

func ErrOverflow() *AppError {
	return New(CodeOverflow, "Math overflow", http.StatusUnprocessableEntity)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrAddressOccupied(err error) *AppError {
	return Wrap(CodeAddressOccupied, "Session address already in use", http.StatusConflict, err)
}

func ErrUnauthorized() *AppError {
	return New(CodeUnauthorized, "Caller is not authorized for this session", http.StatusForbidden)
}

func ErrInvalidAmount() *AppError {
	return New(CodeInvalidAmount, "Invalid amount", http.StatusBadRequest)
}

func ErrInvalidSessionID() *AppError {
	return New(CodeInvalidSessionID, "Session ID must be 1-64 bytes", http.StatusBadRequest)
}

func ErrIdempotencyConflict() *AppError {
	return New(CodeIdempotencyConflict, "Idempotency key was already used for a different purchase", http.StatusUnprocessableEntity)
}

// ---- Custody (CUS) ----

func ErrInsufficientFunds() *AppError {
	return New(CodeInsufficientFunds, "Insufficient funds in source holding", http.StatusPaymentRequired)
}

func ErrHoldingMismatch() *AppError {
	return New(CodeHoldingMismatch, "Holding cannot take part in this transfer", http.StatusConflict)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a request validation error.
func Validation(message string) *AppError {
	return New(CodeInvalidAmount, message, http.StatusBadRequest)
}
