package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ConnectivityError wraps a transient failure reaching the external price
// store (timeouts, connection resets, 5xx responses). Safe to retry.
type ConnectivityError struct {
	Err        error
	StatusCode int
}

func (e *ConnectivityError) Error() string {
	return e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// NewConnectivityError wraps an error as transient with an optional HTTP
// status code.
func NewConnectivityError(err error, statusCode int) *ConnectivityError {
	return &ConnectivityError{Err: err, StatusCode: statusCode}
}

// ValidationRejection is a permanent rejection from the external price
// store's own validation (e.g. a value out of the range it accepts). It is
// never retried: the failure indicates a configuration mismatch, not a
// transient fault, and the transaction is routed to manual review.
type ValidationRejection struct {
	Reason     string
	StatusCode int
}

func (e *ValidationRejection) Error() string {
	return "validation rejected: " + e.Reason
}

// IsValidationRejection reports whether err (or anything in its chain) is a
// permanent rejection from the external store.
func IsValidationRejection(err error) bool {
	var vr *ValidationRejection
	return errors.As(err, &vr)
}

// IsTransient returns true if the error (or any error in its chain) is a
// ConnectivityError, or if it matches common transient network patterns
// (timeouts, connection resets, DNS failures). A ValidationRejection is
// never transient regardless of what wraps it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsValidationRejection(err) {
		return false
	}

	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
