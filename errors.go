package stackmob

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors returned by the client. These can be used with errors.Is()
// to check for specific error conditions.
//
// Example:
//
//	err := client.Get(ctx, "todo", id, &todo)
//	if errors.Is(err, stackmob.ErrNotFound) {
//	    // object does not exist
//	} else if errors.Is(err, stackmob.ErrUnauthorized) {
//	    // session expired and could not be refreshed
//	}
var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when an object or schema is not found
	ErrNotFound = errors.New("object not found")

	// ErrUnauthorized is returned when a request is rejected for missing
	// or invalid credentials and the session could not be refreshed
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotLoggedIn is returned by session operations that require an
	// established user session
	ErrNotLoggedIn = errors.New("no active session")

	// ErrTimeout is returned when a request times out
	ErrTimeout = errors.New("request timeout")

	// ErrServerError is returned for 5xx server errors
	ErrServerError = errors.New("server error")

	// ErrInvalidResponse is returned when the server response cannot be parsed
	ErrInvalidResponse = errors.New("invalid response from server")

	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited is returned when the request is rate limited
	ErrRateLimited = errors.New("rate limited")

	// ErrTooManyRedirects is returned when the cluster redirect chain
	// exceeds the configured hop limit
	ErrTooManyRedirects = errors.New("too many redirects")
)

// ErrorType categorizes errors for handling and retry decisions.
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown or unclassified error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork represents network-level errors (connection refused, DNS, etc.)
	ErrorTypeNetwork
	// ErrorTypeTimeout represents timeout errors (request timeout, context deadline)
	ErrorTypeTimeout
	// ErrorTypeServer represents server errors (5xx HTTP status codes)
	ErrorTypeServer
	// ErrorTypeClient represents client errors (4xx HTTP status codes)
	ErrorTypeClient
	// ErrorTypeAuth represents authentication and authorization errors (401, 403)
	ErrorTypeAuth
	// ErrorTypeCircuitOpen represents circuit breaker open state errors
	ErrorTypeCircuitOpen
	// ErrorTypeRateLimit represents rate limiting errors (429 Too Many Requests)
	ErrorTypeRateLimit
	// ErrorTypeValidation represents validation errors (invalid input, config, etc.)
	ErrorTypeValidation
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeServer:
		return "server"
	case ErrorTypeClient:
		return "client"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeCircuitOpen:
		return "circuit_open"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is an enhanced error carrying type, retryability, and request
// context. It implements the error interface and supports wrapping via
// errors.Is() and errors.As().
//
// Example:
//
//	var smErr *stackmob.Error
//	if errors.As(err, &smErr) {
//	    fmt.Printf("type=%s retryable=%v\n", smErr.Type, smErr.IsRetryable())
//	}
type Error struct {
	// Type categorizes the error for handling decisions
	Type ErrorType `json:"type"`
	// Message is a human-readable error description
	Message string `json:"message"`
	// RequestID is the X-Request-ID of the failed request, when known
	RequestID string `json:"request_id,omitempty"`
	// Timestamp is when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// Retryable indicates if the operation can be retried
	Retryable bool `json:"retryable"`
	// Context provides additional context about the failed operation
	Context *ErrorContext `json:"context,omitempty"`
	// wrapped is the underlying error, if any
	wrapped error
}

// ErrorContext describes the request that produced an Error.
type ErrorContext struct {
	// URL is the full URL of the failed request
	URL string `json:"url,omitempty"`
	// Method is the HTTP method used
	Method string `json:"method,omitempty"`
	// Duration is how long the operation took before failing
	Duration time.Duration `json:"duration,omitempty"`
	// RetryCount is the number of retry attempts made
	RetryCount int `json:"retry_count,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Context != nil && e.Context.URL != "" {
		return fmt.Sprintf("%s error: %s (url: %s, retries: %d)", e.Type, e.Message, e.Context.URL, e.Context.RetryCount)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is implements errors.Is
func (e *Error) Is(target error) bool {
	switch e.Type {
	case ErrorTypeTimeout:
		return errors.Is(target, ErrTimeout)
	case ErrorTypeServer:
		return errors.Is(target, ErrServerError)
	case ErrorTypeAuth:
		return errors.Is(target, ErrUnauthorized)
	case ErrorTypeCircuitOpen:
		return errors.Is(target, ErrCircuitOpen)
	case ErrorTypeRateLimit:
		return errors.Is(target, ErrRateLimited)
	}
	return false
}

// IsRetryable returns true if the error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches request context to the error
func (e *Error) WithContext(ctx *ErrorContext) *Error {
	e.Context = ctx
	return e
}

// NewError creates a new enhanced error
func NewError(errType ErrorType, message string, wrapped error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableType(errType),
		wrapped:   wrapped,
	}
}

// isRetryableType determines if an error type is retryable
func isRetryableType(errType ErrorType) bool {
	switch errType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// APIError represents an error response from the platform. The API
// returns a JSON body of the form {"error": "..."}; error_description
// appears on the OAuth endpoints.
//
// Example:
//
//	var apiErr *stackmob.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.StatusCode == 409 {
//	        // unique constraint violation
//	    }
//	}
type APIError struct {
	// StatusCode is the HTTP status code from the response
	StatusCode int `json:"-"`
	// Message is the error message from the server
	Message string `json:"error"`
	// Description is the OAuth-style error description, when present
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("API error (status %d): %s - %s", e.StatusCode, e.Message, e.Description)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a not found error
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized returns true for 401 responses
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsInvalidToken reports whether the server rejected the access token
// itself, as opposed to the user lacking permission. Only an invalid
// token is worth a refresh attempt.
func (e *APIError) IsInvalidToken() bool {
	return e.StatusCode == http.StatusUnauthorized && e.Message == "invalid_token"
}

// IsServerError returns true if the error is a server error
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsClientError returns true if the error is a client error
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsRetryable returns true if the error is retryable
func (e *APIError) IsRetryable() bool {
	if e.IsServerError() {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout {
		return true
	}
	return false
}

// ToError converts APIError to the enhanced Error type
func (e *APIError) ToError() *Error {
	errType := ErrorTypeClient
	switch {
	case e.IsServerError():
		errType = ErrorTypeServer
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		errType = ErrorTypeAuth
	case e.StatusCode == http.StatusTooManyRequests:
		errType = ErrorTypeRateLimit
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		errType = ErrorTypeTimeout
	}
	return NewError(errType, e.Message, e)
}

// NetworkError represents a network-level failure such as connection
// refused, DNS resolution failure, or a broken connection.
type NetworkError struct {
	// Op is the operation that failed (e.g., "GET /todo", "reading response")
	Op string
	// Err is the underlying network error
	Err error
}

// Error implements the error interface
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true; network errors are retryable
func (e *NetworkError) IsRetryable() bool {
	return true
}

// ToError converts NetworkError to the enhanced Error type
func (e *NetworkError) ToError() *Error {
	return NewError(ErrorTypeNetwork, e.Error(), e)
}

// TimeoutError represents an operation that exceeded its time limit.
type TimeoutError struct {
	// Op is the operation that timed out
	Op string
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s", e.Op)
}

// IsRetryable returns true; timeouts are retryable
func (e *TimeoutError) IsRetryable() bool {
	return true
}

// ToError converts TimeoutError to the enhanced Error type
func (e *TimeoutError) ToError() *Error {
	return NewError(ErrorTypeTimeout, e.Error(), e)
}

// IsNotFound checks if the error represents a "not found" condition,
// covering ErrNotFound, 404 status codes, and wrapped API errors.
//
// Example:
//
//	var todo Todo
//	err := store.Load(ctx, id, &todo)
//	if stackmob.IsNotFound(err) {
//	    // create it instead
//	}
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsNotFound()
	}
	return false
}

// IsUnauthorized checks whether the error is an authentication failure:
// ErrUnauthorized, a 401/403 API response, or an auth-typed Error.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsUnauthorized() || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// isInvalidToken reports whether the failure was caused specifically by
// a rejected access token. Used by the transport to decide whether a
// refresh-and-retry is worthwhile.
func isInvalidToken(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsInvalidToken()
	}
	return false
}

// IsRetryable checks if an error is retryable. Retryable errors include
// network errors, timeouts, 5xx responses, and rate limiting. Client
// errors (4xx other than 408/429), auth failures, and an open circuit
// are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrServerError) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var enhancedErr *Error
	if errors.As(err, &enhancedErr) {
		return enhancedErr.IsRetryable()
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.IsRetryable()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.IsRetryable()
	}

	return false
}

// WrapError wraps an error with type information and a message. If the
// error already is an enhanced Error, the message is updated in place.
func WrapError(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var enhancedErr *Error
	if errors.As(err, &enhancedErr) {
		enhancedErr.Message = message
		return enhancedErr
	}

	return NewError(errType, message, err)
}
