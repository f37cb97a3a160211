package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for REST calls; callers match them with errors.Is.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyAcknowledged = errors.New("already acknowledged")
	ErrNetwork             = errors.New("network error")
)

// NetworkError is a transient failure: transport error, timeout, or a 5xx/408/429 response.
type NetworkError struct {
	Op     string
	Status int // 0 when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is makes every NetworkError match ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// StatusError is a non-retryable 4xx response outside the named taxonomy.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
}

// classify maps a non-2xx response to the error taxonomy.
func classify(op string, code int, message string) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	case code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case code == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrAlreadyAcknowledged)
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return &NetworkError{Op: op, Status: code}
	default:
		return &StatusError{Op: op, Code: code, Message: message}
	}
}
