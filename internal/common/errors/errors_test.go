package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCodesAndStatuses(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   string
		status int
	}{
		{NotFound("agent", "a1"), ErrCodeNotFound, http.StatusNotFound},
		{BadRequest("bad"), ErrCodeBadRequest, http.StatusBadRequest},
		{ValidationError("timeout", "must be positive"), ErrCodeValidationError, http.StatusBadRequest},
		{CapacityExceeded("pool full"), ErrCodeCapacityExceeded, http.StatusTooManyRequests},
		{PolicyDenied("nope"), ErrCodePolicyDenied, http.StatusForbidden},
		{BackendFailure("boom", errors.New("exit 1")), ErrCodeBackendFailure, http.StatusBadGateway},
		{Timeout("too slow"), ErrCodeTimeout, http.StatusGatewayTimeout},
		{Cancelled("stopped"), ErrCodeCancelled, 499},
		{Conflict("busy"), ErrCodeConflict, http.StatusConflict},
		{InternalError("oops", nil), ErrCodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("code = %s, want %s", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}
}

func TestErrorMessageIncludesWrapped(t *testing.T) {
	err := BackendFailure("subprocess failed", errors.New("exit status 2"))
	msg := err.Error()
	if msg != "BACKEND_FAILURE: subprocess failed: exit status 2" {
		t.Errorf("message = %q", msg)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := InternalError("wrapper", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is cannot see the wrapped error")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	base := NotFound("agent", "a1")
	wrapped := Wrap(fmt.Errorf("loading status: %w", base), "request failed")

	if wrapped.Code != ErrCodeNotFound {
		t.Errorf("code = %s, want %s", wrapped.Code, ErrCodeNotFound)
	}
	if wrapped.HTTPStatus != http.StatusNotFound {
		t.Errorf("status = %d", wrapped.HTTPStatus)
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound lost through Wrap")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) returned a non-nil error")
	}
}

func TestPredicates(t *testing.T) {
	if !IsCapacityExceeded(CapacityExceeded("full")) {
		t.Error("IsCapacityExceeded")
	}
	if !IsPolicyDenied(PolicyDenied("no")) {
		t.Error("IsPolicyDenied")
	}
	if !IsTimeout(Timeout("slow")) {
		t.Error("IsTimeout")
	}
	if !IsCancelled(Cancelled("bye")) {
		t.Error("IsCancelled")
	}
	if !IsConflict(Conflict("busy")) {
		t.Error("IsConflict")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound on a plain error")
	}
}

func TestGetHTTPStatus(t *testing.T) {
	if got := GetHTTPStatus(NotFound("x", "y")); got != http.StatusNotFound {
		t.Errorf("status = %d", got)
	}
	if got := GetHTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("plain error status = %d", got)
	}
}
