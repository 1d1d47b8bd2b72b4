package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrAuth         = errors.New("authentication failed")
	ErrTransport    = errors.New("transport failure")
	ErrRemote       = errors.New("remote error")
	ErrTimeout      = errors.New("timeout")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeRemote     ErrorType = "remote"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// XAPI error codes that indicate the session or credentials are unusable.
var authErrorCodes = map[string]struct{}{
	"SESSION_AUTHENTICATION_FAILED": {},
	"SESSION_INVALID":               {},
	"SESSION_NOT_REGISTERED":        {},
	"RBAC_PERMISSION_DENIED":        {},
}

// XenError is a structured error for operations against a XAPI endpoint
type XenError struct {
	Type       ErrorType
	Op         string   // Operation that failed (e.g., "VM.get_all_records", "rrd_updates")
	Host       string   // Pool master the call was sent to
	Code       string   // XAPI error code (first element of ErrorDescription)
	Details    []string // Remaining ErrorDescription elements
	Err        error    // Underlying error
	StatusCode int      // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *XenError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Host != "" {
		b.WriteString(" on ")
		b.WriteString(e.Host)
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
		if len(e.Details) > 0 {
			fmt.Fprintf(&b, " %v", e.Details)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *XenError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *XenError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAuth:
		return e.Type == ErrorTypeAuth
	case ErrTransport:
		return e.Type == ErrorTypeTransport || e.Type == ErrorTypeTimeout
	case ErrRemote:
		return e.Type == ErrorTypeRemote
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewXenError creates a new XenError
func NewXenError(errorType ErrorType, op, host string, err error) *XenError {
	return &XenError{
		Type:      errorType,
		Op:        op,
		Host:      host,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *XenError) WithStatusCode(code int) *XenError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WithDescription attaches an XAPI ErrorDescription. Session and permission
// failures are promoted to auth errors.
func (e *XenError) WithDescription(description []string) *XenError {
	if len(description) == 0 {
		return e
	}
	e.Code = description[0]
	e.Details = append([]string(nil), description[1:]...)
	if _, ok := authErrorCodes[e.Code]; ok {
		e.Type = ErrorTypeAuth
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeRemote:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapTransportError wraps a network failure with context
func WrapTransportError(op, host string, err error) error {
	return NewXenError(ErrorTypeTransport, op, host, err)
}

// WrapAuthError wraps an authentication error with context
func WrapAuthError(op, host string, err error) error {
	return NewXenError(ErrorTypeAuth, op, host, err)
}

// WrapRemoteError wraps a non-success response with context
func WrapRemoteError(op, host string, err error, statusCode int) error {
	e := NewXenError(ErrorTypeRemote, op, host, err)
	if statusCode != 0 {
		e.WithStatusCode(statusCode)
	}
	return e
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var xenErr *XenError
	if errors.As(err, &xenErr) {
		return xenErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var xenErr *XenError
	if errors.As(err, &xenErr) {
		if xenErr.Type == ErrorTypeAuth {
			return true
		}
		if xenErr.StatusCode == 401 || xenErr.StatusCode == 403 {
			return true
		}
	}
	return errors.Is(err, ErrAuth)
}

// IsTransportError reports network and timeout failures.
func IsTransportError(err error) bool {
	return err != nil && errors.Is(err, ErrTransport)
}

// IsRemoteError reports non-success responses and malformed payloads.
func IsRemoteError(err error) bool {
	return err != nil && errors.Is(err, ErrRemote)
}

// ErrorTypeOf returns the category used for metrics labels.
func ErrorTypeOf(err error) ErrorType {
	var xenErr *XenError
	if errors.As(err, &xenErr) {
		return xenErr.Type
	}
	return ErrorTypeInternal
}
