package remote

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryablePartition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindProcessingTimeout, true},
		{KindRateLimited, true},
		{KindNetworkFailure, true},
		{KindRemoteRejected, false},
		{KindCredentialInvalid, false},
		{KindAttemptCeiling, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.kind); got != tt.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindOfUnwrapsClassifiedErrors(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("tick: %w", Errorf(KindCredentialInvalid, "expired"))
	if got := KindOf(err); got != KindCredentialInvalid {
		t.Fatalf("KindOf = %s, want credential_invalid", got)
	}
}

func TestKindOfDefaultsToNetworkFailure(t *testing.T) {
	t.Parallel()
	if got := KindOf(errors.New("something else")); got != KindNetworkFailure {
		t.Fatalf("KindOf = %s, want network_failure for unclassified errors", got)
	}
}

func TestWaitHint(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", RateLimited(90*time.Second, "throttled"))
	if got := WaitHint(err); got != 90*time.Second {
		t.Fatalf("WaitHint = %v, want 90s", got)
	}
	if got := WaitHint(Errorf(KindNetworkFailure, "no hint")); got != 0 {
		t.Fatalf("WaitHint = %v, want 0", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindNetworkFailure, cause, "create container")
	if !errors.Is(err, cause) {
		t.Fatal("cause lost")
	}
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindNetworkFailure {
		t.Fatalf("classification lost: %v", err)
	}
}
