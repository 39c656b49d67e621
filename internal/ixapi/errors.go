package ixapi

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the API rejects the API key (HTTP 401)
	ErrAuth = errors.New("invalid API key")
	// ErrNotFound is returned when the controller or property is unknown (HTTP 404)
	ErrNotFound = errors.New("controller not found")
)

// APIError is returned for any other non-2xx response
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d", e.StatusCode)
}

// ConnectionError wraps timeouts and transport failures
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("error connecting to iXmanager API: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Setup failure reasons reported to the operator
const (
	ReasonInvalidAuth    = "invalid_auth"
	ReasonCannotConnect  = "cannot_connect"
	ReasonDeviceNotFound = "device_not_found"
	ReasonUnknown        = "unknown"
)

// SetupReason maps a client error to the reason shown by the setup flow
func SetupReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return ReasonInvalidAuth
	case IsConnectionError(err):
		return ReasonCannotConnect
	case errors.Is(err, ErrNotFound):
		return ReasonDeviceNotFound
	default:
		return ReasonUnknown
	}
}
