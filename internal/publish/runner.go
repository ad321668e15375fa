// Package publish drives one claimed job through the remote container
// lifecycle: create container, await processing, publish. Every run is one
// attempt; the runner classifies the result so the dispatcher can persist the
// matching job transition without re-deriving semantics.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postforge/internal/quota"
	"postforge/internal/remote"
	"postforge/internal/storage"
	logx "postforge/pkg/logx"
)

// Verdict is the classified result of one attempt run.
type Verdict int

const (
	// VerdictPublished: the media is live; job is done.
	VerdictPublished Verdict = iota
	// VerdictRetry: the attempt failed retryably; requeue after RetryIn with
	// the attempt consumed.
	VerdictRetry
	// VerdictFailed: terminal failure; job stops.
	VerdictFailed
	// VerdictDefer: nothing remote happened (local quota denied before the
	// first call); requeue after RetryIn without consuming an attempt.
	VerdictDefer
	// VerdictCancelled: a cancel request took effect.
	VerdictCancelled
)

// Outcome is what one run produced. Attempts is the job's new attempt count.
type Outcome struct {
	Verdict       Verdict
	Attempts      int
	RemoteMediaID string
	ErrKind       remote.Kind
	ErrMsg        string
	RetryIn       time.Duration
}

// errCancelled threads a cancel observation out of the poll loop.
var errCancelled = errors.New("cancel requested")

// Runner executes attempts. It owns no goroutines; the dispatcher calls
// RunAttempt from its worker pool.
type Runner struct {
	store  *storage.Store
	client remote.Client
	quota  *quota.Governor
	policy Policy
	log    logx.Logger

	// Injectable clocks for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithClock overrides the wall clock and the in-attempt sleeper. Either
// argument may be nil to keep the default.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

func NewRunner(store *storage.Store, client remote.Client, gov *quota.Governor, policy Policy, log logx.Logger, opts ...RunnerOption) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		store:  store,
		client: client,
		quota:  gov,
		policy: policy.normalized(),
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetPolicy swaps the retry policy (config reload). Applies to runs started
// after the call.
func (r *Runner) SetPolicy(p Policy) { r.policy = p.normalized() }

// RunAttempt runs one attempt of a claimed job end to end and classifies the
// result. It never mutates the job's status row; that is the dispatcher's
// job, keyed off the returned Outcome.
func (r *Runner) RunAttempt(ctx context.Context, job *storage.PublishJob) Outcome {
	log := r.log.With(
		logx.String("job", job.ID),
		logx.String("account", job.AccountID),
		logx.String("kind", string(job.Kind)),
	)

	// Budget gate before any remote work. A denial here consumed nothing, so
	// the job defers without burning an attempt.
	if ok, wait := r.quota.Acquire(quota.CategoryContainerCreate, job.AccountID); !ok {
		log.Debug("create budget exhausted", logx.Duration("wait", wait))
		return Outcome{Verdict: VerdictDefer, Attempts: job.Attempts, RetryIn: wait}
	}

	if r.cancelRequested(ctx, job.ID) {
		return Outcome{Verdict: VerdictCancelled, Attempts: job.Attempts}
	}

	attempt := job.Attempts + 1
	log = log.With(logx.Int("attempt", attempt))

	containerID, err := r.client.CreateContainer(ctx, remote.CreateRequest{
		AccountID: job.AccountID,
		Kind:      job.Kind,
		Locators:  job.Locators,
		Caption:   job.Caption,
	})
	if err != nil {
		log.Warn("container create failed", logx.Err(err))
		return r.classify(attempt, err)
	}
	if err := r.store.BeginAttempt(ctx, job.ID, attempt, containerID); err != nil {
		// The container exists remotely but we lost track of it locally.
		// Abandon it (failed containers are never reused anyway) and retry.
		log.Error("attempt bookkeeping failed", logx.Err(err))
		return r.classify(attempt, remote.Wrap(remote.KindNetworkFailure, err, "record attempt"))
	}
	log.Info("container created", logx.String("container", containerID))

	polls, err := r.awaitProcessing(ctx, job, containerID)
	if err != nil {
		if errors.Is(err, errCancelled) {
			r.finishAttempt(ctx, job.ID, attempt, "cancelled", polls)
			return Outcome{Verdict: VerdictCancelled, Attempts: attempt}
		}
		r.finishAttempt(ctx, job.ID, attempt, "error", polls)
		log.Warn("container processing failed", logx.Err(err), logx.Int("polls", polls))
		return r.classify(attempt, err)
	}

	// Last cancel window: after this the publish call is in flight and the
	// media may go live.
	if r.cancelRequested(ctx, job.ID) {
		r.finishAttempt(ctx, job.ID, attempt, "cancelled", polls)
		return Outcome{Verdict: VerdictCancelled, Attempts: attempt}
	}

	if ok, wait := r.quota.Acquire(quota.CategoryPublish, job.AccountID); !ok {
		// The attempt is consumed: this container will expire before the
		// budget frees up, so the retry stages a fresh one.
		r.finishAttempt(ctx, job.ID, attempt, "expired", polls)
		return r.classify(attempt, remote.RateLimited(wait, "publish budget exhausted"))
	}

	mediaID, err := r.client.PublishContainer(ctx, job.AccountID, containerID)
	if err != nil {
		r.finishAttempt(ctx, job.ID, attempt, "error", polls)
		log.Warn("publish failed", logx.Err(err))
		return r.classify(attempt, err)
	}

	r.finishAttempt(ctx, job.ID, attempt, "published", polls)
	log.Info("published", logx.String("media_id", mediaID), logx.Int("polls", polls))
	return Outcome{Verdict: VerdictPublished, Attempts: attempt, RemoteMediaID: mediaID}
}

// awaitProcessing polls container status within the kind's profile until the
// container finishes, errors, or the window closes.
func (r *Runner) awaitProcessing(ctx context.Context, job *storage.PublishJob, containerID string) (int, error) {
	prof := job.Kind.Profile()
	deadline := r.now().Add(prof.Timeout)

	if err := r.sleep(ctx, prof.InitialDelay); err != nil {
		return 0, remote.Wrap(remote.KindNetworkFailure, err, "processing wait interrupted")
	}

	polls := 0
	for {
		if r.cancelRequested(ctx, job.ID) {
			return polls, errCancelled
		}

		// Status reads draw from the shared read budget; exhausting it
		// mid-wait aborts the attempt rather than blocking a worker slot.
		if ok, wait := r.quota.Acquire(quota.CategoryRead, job.AccountID); !ok {
			return polls, remote.RateLimited(wait, "status poll budget exhausted")
		}

		status, err := r.client.ContainerStatus(ctx, job.AccountID, containerID)
		if err != nil {
			return polls, err
		}
		polls++

		switch status {
		case remote.StatusFinished:
			return polls, nil
		case remote.StatusError:
			return polls, remote.Errorf(remote.KindRemoteRejected, "container %s rejected during processing", containerID)
		}

		if r.now().After(deadline) {
			return polls, remote.Errorf(remote.KindProcessingTimeout,
				"container %s still processing after %s", containerID, prof.Timeout)
		}
		if err := r.sleep(ctx, prof.Interval); err != nil {
			return polls, remote.Wrap(remote.KindNetworkFailure, err, "processing wait interrupted")
		}
	}
}

// classify turns an attempt error into the persisted outcome.
func (r *Runner) classify(attempt int, err error) Outcome {
	kind := remote.KindOf(err)

	if !remote.Retryable(kind) {
		return Outcome{Verdict: VerdictFailed, Attempts: attempt, ErrKind: kind, ErrMsg: err.Error()}
	}
	if attempt >= r.policy.AttemptMax {
		return Outcome{
			Verdict:  VerdictFailed,
			Attempts: attempt,
			ErrKind:  remote.KindAttemptCeiling,
			ErrMsg:   fmt.Sprintf("gave up after %d attempts: %v", attempt, err),
		}
	}

	delay := r.policy.Backoff(attempt)
	if kind == remote.KindRateLimited {
		if hint := remote.WaitHint(err); hint > 0 {
			delay = hint
		}
	}
	return Outcome{Verdict: VerdictRetry, Attempts: attempt, ErrKind: kind, ErrMsg: err.Error(), RetryIn: delay}
}

func (r *Runner) cancelRequested(ctx context.Context, jobID string) bool {
	flag, err := r.store.CancelRequested(ctx, jobID)
	if err != nil {
		return false
	}
	return flag
}

func (r *Runner) finishAttempt(ctx context.Context, jobID string, attempt int, status string, polls int) {
	if err := r.store.FinishAttempt(context.WithoutCancel(ctx), jobID, attempt, status, polls); err != nil {
		r.log.Error("finish attempt record failed",
			logx.String("job", jobID), logx.Int("attempt", attempt), logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
