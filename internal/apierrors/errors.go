package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the client-facing taxonomy.
// Use errors.Is() to check against these.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInvalidOption      = errors.New("invalid option")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrNetwork            = errors.New("network error")
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrServer             = errors.New("server error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrCouponInvalid      = errors.New("coupon invalid")
)

// Error code constants, mirrored in user-facing notifications.
// Format: CATEGORY_SPECIFIC_DETAIL
const (
	CodeValidation         = "VALIDATION_INVALID_INPUT"
	CodeInsufficientStock  = "STOCK_INSUFFICIENT"
	CodeOutOfStock         = "STOCK_OUT"
	CodeInvalidOption      = "CHECKOUT_INVALID_OPTION"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeNetwork            = "NETWORK_ERROR"
	CodeBadRequest         = "BACKEND_BAD_REQUEST"
	CodeUnauthorized       = "AUTH_UNAUTHORIZED"
	CodeForbidden          = "AUTHZ_FORBIDDEN"
	CodeNotFound           = "RESOURCE_NOT_FOUND"
	CodeServer             = "BACKEND_SERVER_ERROR"
	CodeServiceUnavailable = "BACKEND_UNAVAILABLE"
	CodeCouponInvalid      = "COUPON_INVALID"
)

// APIError is the structured error surfaced to callers.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"` // HTTP status, zero for local errors
	Err        error  `json:"-"` // Wrapped sentinel, not serialized
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// New creates a local (non-HTTP) APIError wrapping the given sentinel.
func New(sentinel error, code, message string) *APIError {
	return &APIError{Code: code, Message: message, Err: sentinel}
}

// NewValidation creates a field-level validation error.
func NewValidation(field, reason string) *APIError {
	return &APIError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Err:     ErrValidation,
	}
}

// Default user-facing messages per status, overridable by the backend.
var statusDefaults = map[int]struct {
	code     string
	sentinel error
	message  string
}{
	http.StatusBadRequest:          {CodeBadRequest, ErrBadRequest, "The request could not be processed"},
	http.StatusUnauthorized:        {CodeUnauthorized, ErrUnauthorized, "Please log in again"},
	http.StatusForbidden:           {CodeForbidden, ErrForbidden, "You do not have permission to do that"},
	http.StatusNotFound:            {CodeNotFound, ErrNotFound, "The requested resource was not found"},
	http.StatusInternalServerError: {CodeServer, ErrServer, "Something went wrong on our side, please try again"},
	http.StatusServiceUnavailable:  {CodeServiceUnavailable, ErrServiceUnavailable, "Service is temporarily unavailable, please try again"},
}

// FromStatus classifies a non-2xx HTTP status into the taxonomy.
// A non-empty backendMessage overrides the default message verbatim.
func FromStatus(status int, backendMessage string) *APIError {
	d, ok := statusDefaults[status]
	if !ok {
		if status >= 500 {
			d = statusDefaults[http.StatusInternalServerError]
		} else {
			d = statusDefaults[http.StatusBadRequest]
		}
	}
	msg := d.message
	if backendMessage != "" {
		msg = backendMessage
	}
	return &APIError{
		Code:       d.code,
		Message:    msg,
		StatusCode: status,
		Err:        d.sentinel,
	}
}

// Retryable reports whether a failed request may safely be retried.
// Network failures, timeouts and 5xx responses are retryable; 4xx
// client errors never are.
func Retryable(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// Message extracts the user-facing message from any error in the
// taxonomy, falling back to the raw error text.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
