package storage

import (
	"errors"
	"strings"
	"time"

	"postforge/internal/media"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrBadTransition guards the forward-only job lifecycle.
	ErrBadTransition = errors.New("invalid job status transition")
)

// JobStatus is the persisted lifecycle state of a publish job.
type JobStatus string

const (
	// StatusPending: eligible for dispatch once due.
	StatusPending JobStatus = "pending"
	// StatusClaimed: owned by exactly one worker; not dispatch-eligible.
	StatusClaimed JobStatus = "claimed"
	// Terminal states.
	StatusPublished JobStatus = "published"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

var allStatuses = []JobStatus{StatusPending, StatusClaimed, StatusPublished, StatusFailed, StatusCancelled}

// ParseStatus converts a string into a known JobStatus.
func ParseStatus(value string) (JobStatus, bool) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range allStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status ends the job lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusPublished, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PublishJob is one intended publish of one media set to one account.
type PublishJob struct {
	ID        string
	AccountID string
	Kind      media.Kind
	Locators  []string
	Caption   string

	// DueAt nil means run immediately.
	DueAt  *time.Time
	Status JobStatus

	// Attempts counts state-machine runs. It only ever increases; manual
	// Retry() deliberately does not reset it so the attempt ceiling holds
	// across operator retries.
	Attempts int

	LastErrorKind string
	LastErrorMsg  string

	// ContainerID is the container of the most recent attempt. The full
	// attempt history lives in container_attempts keyed (job, attempt); a
	// failed container is poisoned and never reused.
	ContainerID   string
	RemoteMediaID string

	CancelRequested bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ClaimedAt *time.Time
}

// ContainerAttempt is one concrete try of the remote container lifecycle.
// At most one attempt per job is live (not finished) at any time.
type ContainerAttempt struct {
	JobID       string
	Attempt     int
	ContainerID string
	Status      string
	Polls       int
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// CancelOutcome describes what RequestCancel did.
type CancelOutcome int

const (
	// CancelNoop: job already terminal; cancel is idempotent.
	CancelNoop CancelOutcome = iota
	// CancelImmediate: job was unclaimed and is now cancelled.
	CancelImmediate
	// CancelDeferred: job is claimed; the worker will cancel after the
	// current remote call returns.
	CancelDeferred
)
