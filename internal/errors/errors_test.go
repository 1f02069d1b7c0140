package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindStorageUnavailable, "store_ping", "/var/lib/remedy.db", errors.New("locked"))
	if got := KindOf(err); got != KindStorageUnavailable {
		t.Errorf("KindOf = %s", got)
	}

	// Survives wrapping.
	wrapped := fmt.Errorf("handling alert: %w", err)
	if got := KindOf(wrapped); got != KindStorageUnavailable {
		t.Errorf("KindOf(wrapped) = %s", got)
	}

	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestIsMapsKindsToBaseErrors(t *testing.T) {
	cases := []struct {
		kind Kind
		base error
	}{
		{KindPolicyDeny, ErrPolicyDeny},
		{KindStorageUnavailable, ErrStorageUnavailable},
		{KindRemoteUnavailable, ErrRemoteUnavailable},
		{KindTimeout, ErrTimeout},
		{KindUnknownOutcome, ErrUnknownOutcome},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "target", errors.New("inner"))
		if !errors.Is(err, tc.base) {
			t.Errorf("kind %s should match %v", tc.kind, tc.base)
		}
		if tc.base != ErrPolicyDeny && errors.Is(err, ErrPolicyDeny) {
			t.Errorf("kind %s must not match ErrPolicyDeny", tc.kind)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	inner := errors.New("inner")

	retryable := []Kind{KindTransientNetwork, KindStorageUnavailable, KindRemoteUnavailable, KindTimeout}
	for _, k := range retryable {
		if !IsRetryable(New(k, "op", "", inner)) {
			t.Errorf("kind %s should be retryable", k)
		}
	}

	terminal := []Kind{KindValidation, KindPolicyDeny, KindUnknownOutcome}
	for _, k := range terminal {
		if IsRetryable(New(k, "op", "", inner)) {
			t.Errorf("kind %s must not be retryable", k)
		}
	}

	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindTimeout, "ssh_execute", "nexus", errors.New("deadline"))
	if got := err.Error(); got != "ssh_execute failed on nexus: deadline" {
		t.Errorf("Error() = %q", got)
	}

	err = New(KindTimeout, "ssh_execute", "", errors.New("deadline"))
	if got := err.Error(); got != "ssh_execute failed: deadline" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := New(KindValidation, "parse", "", inner)
	if !errors.Is(err, inner) {
		t.Error("unwrapping should reach the inner error")
	}
}
