package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestXenErrorIsMatchesSentinels(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		target  error
		matches bool
	}{
		{"auth matches ErrAuth", WrapAuthError("session.login_with_password", "xen1", nil), ErrAuth, true},
		{"transport matches ErrTransport", WrapTransportError("VM.get_all_records", "xen1", fmt.Errorf("dial tcp: refused")), ErrTransport, true},
		{"timeout matches ErrTransport", NewXenError(ErrorTypeTimeout, "event.from", "xen1", nil), ErrTransport, true},
		{"remote matches ErrRemote", WrapRemoteError("rrd_updates", "xen1", nil, 500), ErrRemote, true},
		{"remote does not match ErrAuth", WrapRemoteError("rrd_updates", "xen1", nil, 500), ErrAuth, false},
		{"wrapped sentinel", NewXenError(ErrorTypeInternal, "op", "", ErrNotFound), ErrNotFound, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := errors.Is(tc.err, tc.target); got != tc.matches {
				t.Fatalf("errors.Is(%v, %v) = %v, want %v", tc.err, tc.target, got, tc.matches)
			}
		})
	}
}

func TestWithDescriptionPromotesSessionFailuresToAuth(t *testing.T) {
	err := NewXenError(ErrorTypeRemote, "VM.get_all_records", "xen1", nil).
		WithDescription([]string{"SESSION_INVALID", "OpaqueRef:abc"})

	if !IsAuthError(err) {
		t.Fatalf("expected SESSION_INVALID to be classified as auth error")
	}
	if err.Retryable {
		t.Fatalf("auth errors must not be retryable")
	}
	if err.Code != "SESSION_INVALID" || len(err.Details) != 1 {
		t.Fatalf("unexpected code/details: %q %v", err.Code, err.Details)
	}

	other := NewXenError(ErrorTypeRemote, "VM.start", "xen1", nil).
		WithDescription([]string{"VM_BAD_POWER_STATE", "OpaqueRef:vm", "halted", "running"})
	if IsAuthError(other) {
		t.Fatalf("VM_BAD_POWER_STATE must stay a remote error")
	}
	if !IsRemoteError(other) {
		t.Fatalf("expected remote error")
	}
}

func TestWithStatusCodeRetryable(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{404, false},
		{400, false},
	}
	for _, tc := range tests {
		err := NewXenError(ErrorTypeRemote, "rrd_updates", "xen1", nil).WithStatusCode(tc.code)
		if err.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.code, err.Retryable, tc.retryable)
		}
	}
}

func TestIsAuthErrorFromStatusCode(t *testing.T) {
	err := WrapRemoteError("jsonrpc", "xen1", nil, 401)
	if !IsAuthError(err) {
		t.Fatalf("401 should be treated as auth error")
	}
	if IsAuthError(nil) {
		t.Fatalf("nil is not an auth error")
	}
}

func TestErrorMessageIncludesCode(t *testing.T) {
	err := NewXenError(ErrorTypeRemote, "VM.start", "xen1", nil).
		WithDescription([]string{"VM_BAD_POWER_STATE", "running"})
	want := "VM.start failed on xen1: VM_BAD_POWER_STATE [running]"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorTypeOf(t *testing.T) {
	if got := ErrorTypeOf(WrapTransportError("op", "h", nil)); got != ErrorTypeTransport {
		t.Fatalf("got %s", got)
	}
	if got := ErrorTypeOf(fmt.Errorf("plain")); got != ErrorTypeInternal {
		t.Fatalf("got %s", got)
	}
}
