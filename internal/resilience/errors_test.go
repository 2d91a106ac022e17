package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitConnectivityError(t *testing.T) {
	err := NewConnectivityError(errors.New("store overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected ConnectivityError to be transient")
	}
}

func TestIsTransient_WrappedConnectivityError(t *testing.T) {
	inner := NewConnectivityError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("push prices: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped ConnectivityError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ValidationRejectionNeverTransient(t *testing.T) {
	vr := &ValidationRejection{Reason: "price out of accepted range", StatusCode: 422}
	if IsTransient(vr) {
		t.Error("ValidationRejection must never be transient")
	}

	wrapped := fmt.Errorf("push prices: %w", vr)
	if IsTransient(wrapped) {
		t.Error("wrapped ValidationRejection must never be transient")
	}
	if !IsValidationRejection(wrapped) {
		t.Error("wrapped ValidationRejection should be detected")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestConnectivityError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	ce := NewConnectivityError(inner, 500)

	if !errors.Is(ce, inner) {
		t.Error("ConnectivityError.Unwrap should return the inner error")
	}

	if ce.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", ce.StatusCode)
	}
}

func TestValidationRejection_ErrorMessage(t *testing.T) {
	vr := &ValidationRejection{Reason: "below minimum", StatusCode: 422}
	want := "validation rejected: below minimum"
	if vr.Error() != want {
		t.Errorf("expected error message %q, got %q", want, vr.Error())
	}
}
