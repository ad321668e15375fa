package remote

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a publish failure. The partition into retryable and
// terminal kinds drives the retry controller; keep it stable because kinds
// are persisted on job records.
type Kind string

const (
	// KindRemoteRejected: the remote side rejected the input (malformed URL,
	// unsupported format, bad aspect ratio). Not retryable without caller
	// correction.
	KindRemoteRejected Kind = "remote_rejected"
	// KindProcessingTimeout: container processing did not finish inside the
	// kind-specific window. Retryable with a fresh container.
	KindProcessingTimeout Kind = "processing_timeout"
	// KindRateLimited: quota/backpressure signal, local or remote. Retryable;
	// may carry an explicit wait hint.
	KindRateLimited Kind = "rate_limited"
	// KindCredentialInvalid: token expired or revoked. Not retryable until the
	// account recovers.
	KindCredentialInvalid Kind = "credential_invalid"
	// KindNetworkFailure: transient I/O or request-level timeout. Retryable.
	KindNetworkFailure Kind = "network_failure"
	// KindAttemptCeiling: orchestrator-internal stop after the configured
	// maximum attempts. Surfaced distinctly so operators can tell cost-bound
	// stops apart from real remote errors.
	KindAttemptCeiling Kind = "attempt_ceiling_reached"
)

// Retryable reports whether a failure kind may be retried with a new attempt.
func Retryable(k Kind) bool {
	switch k {
	case KindProcessingTimeout, KindRateLimited, KindNetworkFailure:
		return true
	default:
		return false
	}
}

// Error is a classified remote-interaction failure.
type Error struct {
	Kind Kind
	Msg  string
	// Wait is an optional retry hint (rate-limit responses, quota ledger).
	Wait time.Duration
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// RetryAfter returns the wait hint (0 when none was provided).
func (e *Error) RetryAfter() time.Duration { return e.Wait }

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// RateLimited builds a rate-limit error carrying a wait hint.
func RateLimited(wait time.Duration, msg string) *Error {
	if wait < 0 {
		wait = 0
	}
	return &Error{Kind: KindRateLimited, Msg: msg, Wait: wait}
}

// KindOf extracts the failure kind from err. Unclassified errors (including
// context deadline/cancel surfaced by the HTTP layer) count as network
// failures: the orchestrator never saw a remote verdict.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetworkFailure
}

// WaitHint extracts a retry hint from err, if any.
func WaitHint(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.Wait
	}
	return 0
}
