package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/student-mobility/session-agent/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuthentication represents missing or expired credentials
	CategoryAuthentication ErrorCategory = "authentication"
	// CategoryValidation represents caller input errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryUpstream represents identity service and transport errors
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryWallet represents wallet pairing errors
	CategoryWallet ErrorCategory = "wallet"
	// CategoryStorage represents session store errors
	CategoryStorage ErrorCategory = "storage"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeSessionExpired       = "SESSION_EXPIRED"
	CodeRequestFailed        = "REQUEST_FAILED"
	CodeNetwork              = "NETWORK_ERROR"
	CodeInvalidResponse      = "INVALID_RESPONSE"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeWalletNotInitialized = "WALLET_NOT_INITIALIZED"
	CodeWalletTimeout        = "WALLET_TIMEOUT"
	CodeAccountNotPaired     = "ACCOUNT_NOT_PAIRED"
	CodeMissingPublicKey     = "MISSING_PUBLIC_KEY"
	CodeStorage              = "STORAGE_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Session errors

// NewUnauthenticatedError is returned when an operation needs a token and none is held
func NewUnauthenticatedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthentication,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthenticated,
		Message:    "please log in",
	}
}

// NewSessionExpiredError is returned when the identity service rejects the token
func NewSessionExpiredError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthentication,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeSessionExpired,
		Message:    "your session has expired, please log in again",
	}
}

// NewInvalidInputError creates a validation error for a caller-supplied field
func NewInvalidInputError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// Identity service errors

// NewRequestFailedError wraps a non-2xx answer from the identity service.
// The message is the best human readable text the server supplied.
func NewRequestFailedError(operation string, status int, message string) *CategorizedError {
	code := http.StatusBadGateway
	if status >= 400 && status < 500 {
		code = status
	}
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: code,
		Code:       CodeRequestFailed,
		Message:    message,
		Details: map[string]interface{}{
			"operation":      operation,
			"upstreamStatus": status,
		},
	}
}

// NewNetworkError wraps a transport failure talking to the identity service
func NewNetworkError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       CodeNetwork,
		Message:    "could not reach the server, check your connection",
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvalidResponseError is returned when a 2xx body does not match the
// documented schema for the endpoint
func NewInvalidResponseError(operation string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       CodeInvalidResponse,
		Message:    fmt.Sprintf("unexpected response from %s: %s", operation, reason),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Wallet errors

// NewWalletNotInitializedError is returned when the pairing adapter is unavailable
func NewWalletNotInitializedError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWallet,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeWalletNotInitialized,
		Message:    "wallet features are unavailable right now",
		Cause:      cause,
	}
}

// NewWalletTimeoutError is returned when the adapter did not become ready in time
func NewWalletTimeoutError(waited string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWallet,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeWalletTimeout,
		Message:    "wallet connection timed out",
		Details: map[string]interface{}{
			"waited": waited,
		},
	}
}

// NewAccountNotPairedError is returned when an operation targets an unpaired account
func NewAccountNotPairedError(accountID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWallet,
		StatusCode: http.StatusConflict,
		Code:       CodeAccountNotPaired,
		Message:    "reconnect your wallet",
		Details: map[string]interface{}{
			"accountId": accountID,
		},
	}
}

// NewMissingPublicKeyError is returned when pairing metadata lacks the public key
func NewMissingPublicKeyError(accountID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWallet,
		StatusCode: http.StatusConflict,
		Code:       CodeMissingPublicKey,
		Message:    "reconnect your wallet",
		Details: map[string]interface{}{
			"accountId": accountID,
		},
	}
}

// System errors

// NewStorageError wraps a session store failure
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorage,
		Message:    fmt.Sprintf("session store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return NewNetworkError("request", err)
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err categorizes to the given code
func HasCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// IsSessionExpired reports whether err is a forced-logout signal
func IsSessionExpired(err error) bool {
	return HasCode(err, CodeSessionExpired)
}

// IsUnauthenticated reports whether err means no token is held
func IsUnauthenticated(err error) bool {
	return HasCode(err, CodeUnauthenticated)
}

// IsNetworkOrServer reports whether err came from transport or a non-401 upstream answer
func IsNetworkOrServer(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryUpstream
}

// IsWalletError reports whether err belongs to the wallet taxonomy
func IsWalletError(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryWallet
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Code {
	case CodeNetwork, CodeStorage, CodeWalletTimeout:
		return true
	case CodeRequestFailed:
		return catErr.StatusCode >= 500
	default:
		return false
	}
}

// UserMessage returns the text a screen should show for err
func UserMessage(err error) string {
	catErr := Categorize(err)
	if catErr == nil {
		return ""
	}
	if catErr.Category == CategorySystem || catErr.Category == CategoryStorage {
		return "something went wrong, please try again"
	}
	return catErr.Message
}
