package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"postforge/internal/media"
	logx "postforge/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(accountID string, kind media.Kind, dueAt *time.Time) *PublishJob {
	return &PublishJob{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Locators:  []string{"https://cdn.example/a.jpg"},
		Caption:   "hello",
		DueAt:     dueAt,
	}
}

func mustEnqueue(t *testing.T, s *Store, job *PublishJob) *PublishJob {
	t.Helper()
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func claimOne(t *testing.T, s *Store, want string) *PublishJob {
	t.Helper()
	jobs, err := s.ClaimDue(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	for _, j := range jobs {
		if j.ID == want {
			return j
		}
	}
	t.Fatalf("job %s not claimed (got %d jobs)", want, len(jobs))
	return nil
}

func TestEnqueueAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	due := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
	job := newJob("acct-1", media.KindCarousel, &due)
	job.Locators = []string{"https://cdn.example/1.jpg", "https://cdn.example/2.jpg"}
	mustEnqueue(t, s, job)

	got, err := s.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Kind != media.KindCarousel {
		t.Fatalf("kind = %s, want carousel", got.Kind)
	}
	if len(got.Locators) != 2 || got.Locators[1] != "https://cdn.example/2.jpg" {
		t.Fatalf("locators = %v", got.Locators)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Fatalf("due_at = %v, want %v", got.DueAt, due)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.Job(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimDueSkipsFutureJobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	future := now.Add(time.Hour)
	ready := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	later := mustEnqueue(t, s, newJob("a", media.KindImage, &future))

	jobs, err := s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != ready.ID {
		t.Fatalf("claimed %d jobs, want just %s", len(jobs), ready.ID)
	}
	if jobs[0].Status != StatusClaimed {
		t.Fatalf("status = %s, want claimed", jobs[0].Status)
	}

	stillPending, err := s.Job(ctx, later.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if stillPending.Status != StatusPending {
		t.Fatalf("future job status = %s, want pending", stillPending.Status)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, s, newJob("a", media.KindImage, nil))

	first, err := s.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first claim got %d jobs, want 1", len(first))
	}

	second, err := s.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim got %d jobs, want 0", len(second))
	}
}

func TestLifecycleGuards(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, newJob("a", media.KindImage, nil))

	// Terminal transitions require the claimed state.
	if err := s.MarkPublished(ctx, job.ID, 1, "m-1"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("MarkPublished on pending: err = %v, want ErrBadTransition", err)
	}

	claimOne(t, s, job.ID)
	if err := s.MarkPublished(ctx, job.ID, 1, "m-1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	got, _ := s.Job(ctx, job.ID)
	if got.Status != StatusPublished || got.RemoteMediaID != "m-1" || got.Attempts != 1 {
		t.Fatalf("got %s/%s/%d, want published/m-1/1", got.Status, got.RemoteMediaID, got.Attempts)
	}

	// Published is terminal.
	if err := s.MarkFailed(ctx, job.ID, 2, "network_failure", "boom"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("MarkFailed on published: err = %v, want ErrBadTransition", err)
	}
}

func TestScheduleRetryRequeues(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, newJob("a", media.KindReel, nil))
	claimOne(t, s, job.ID)

	until := time.Now().Add(30 * time.Second)
	if err := s.ScheduleRetry(ctx, job.ID, 1, until, "network_failure", "connection reset"); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	got, _ := s.Job(ctx, job.ID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 || got.LastErrorKind != "network_failure" {
		t.Fatalf("attempts=%d kind=%s, want 1/network_failure", got.Attempts, got.LastErrorKind)
	}

	// Not claimable until the retry delay passes.
	jobs, err := s.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("retry-delayed job claimed early")
	}
	jobs, err = s.ClaimDue(ctx, until.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatal("retry-delayed job not claimable after delay")
	}
}

func TestDeferKeepsAttempts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	claimOne(t, s, job.ID)

	if err := s.Defer(ctx, job.ID, time.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	got, _ := s.Job(ctx, job.ID)
	if got.Status != StatusPending || got.Attempts != 0 {
		t.Fatalf("got %s/%d, want pending/0", got.Status, got.Attempts)
	}
	if got.ClaimedAt != nil {
		t.Fatal("claimed_at not cleared on defer")
	}
}

func TestRequestCancelStates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	// Pending cancels immediately.
	pending := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	out, err := s.RequestCancel(ctx, pending.ID)
	if err != nil || out != CancelImmediate {
		t.Fatalf("cancel pending: out=%v err=%v, want CancelImmediate", out, err)
	}
	got, _ := s.Job(ctx, pending.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Claimed gets the flag, keeps running.
	claimed := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	claimOne(t, s, claimed.ID)
	out, err = s.RequestCancel(ctx, claimed.ID)
	if err != nil || out != CancelDeferred {
		t.Fatalf("cancel claimed: out=%v err=%v, want CancelDeferred", out, err)
	}
	flag, err := s.CancelRequested(ctx, claimed.ID)
	if err != nil || !flag {
		t.Fatalf("cancel flag = %v err=%v, want true", flag, err)
	}
	got, _ = s.Job(ctx, claimed.ID)
	if got.Status != StatusClaimed {
		t.Fatalf("status = %s, want still claimed", got.Status)
	}

	// Terminal cancel is an idempotent no-op.
	out, err = s.RequestCancel(ctx, pending.ID)
	if err != nil || out != CancelNoop {
		t.Fatalf("cancel cancelled: out=%v err=%v, want CancelNoop", out, err)
	}
}

func TestRetryKeepsAttemptCount(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, newJob("a", media.KindVideo, nil))
	claimOne(t, s, job.ID)
	if err := s.MarkFailed(ctx, job.ID, 3, "remote_rejected", "bad aspect ratio"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := s.Retry(ctx, job.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ := s.Job(ctx, job.ID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d after manual retry, want 3 (never reset)", got.Attempts)
	}

	// Retry only applies to failed jobs.
	if err := s.Retry(ctx, job.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Retry on pending: err = %v, want ErrBadTransition", err)
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	b := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	claimed, err := s.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}

	n, err := s.RecoverStaleClaims(ctx, time.Now())
	if err != nil {
		t.Fatalf("RecoverStaleClaims: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.Job(ctx, id)
		if got.Status != StatusPending {
			t.Fatalf("job %s status = %s, want pending", id, got.Status)
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s1, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job := newJob("a", media.KindImage, nil)
	if err := s1.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s1.ClaimDue(ctx, time.Now(), 1); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A restart finds the claimed job and requeues it.
	s2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if _, err := s2.RecoverStaleClaims(ctx, time.Now()); err != nil {
		t.Fatalf("RecoverStaleClaims: %v", err)
	}
	got, err := s2.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job after reopen: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after recovery = %s, want pending", got.Status)
	}
}

func TestAttemptArenaIsCollisionProof(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, newJob("a", media.KindReel, nil))

	if err := s.BeginAttempt(ctx, job.ID, 1, "c-1"); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := s.BeginAttempt(ctx, job.ID, 1, "c-dup"); err == nil {
		t.Fatal("duplicate (job, attempt) accepted")
	}
	if err := s.FinishAttempt(ctx, job.ID, 1, "error", 4); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	if err := s.BeginAttempt(ctx, job.ID, 2, "c-2"); err != nil {
		t.Fatalf("BeginAttempt 2: %v", err)
	}

	attempts, err := s.Attempts(ctx, job.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].ContainerID == attempts[1].ContainerID {
		t.Fatal("container reused across attempts")
	}
	if attempts[0].Status != "error" || attempts[0].Polls != 4 {
		t.Fatalf("attempt 1 = %s/%d, want error/4", attempts[0].Status, attempts[0].Polls)
	}
	if attempts[0].FinishedAt == nil || attempts[1].FinishedAt != nil {
		t.Fatal("finished_at bookkeeping wrong")
	}

	// The job points at the latest container.
	got, _ := s.Job(ctx, job.ID)
	if got.ContainerID != "c-2" {
		t.Fatalf("job container = %s, want c-2", got.ContainerID)
	}
}

func TestPruneTerminalKeepsLiveJobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	done := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	claimOne(t, s, done.ID)
	if err := s.BeginAttempt(ctx, done.ID, 1, "c-1"); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := s.MarkPublished(ctx, done.ID, 1, "m-1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	live := mustEnqueue(t, s, newJob("a", media.KindImage, nil))

	// Cutoff in the future relative to updated_at prunes the terminal job.
	n, err := s.PruneTerminal(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := s.Job(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal job still present: %v", err)
	}
	attempts, _ := s.Attempts(ctx, done.ID)
	if len(attempts) != 0 {
		t.Fatal("attempt history survived prune")
	}
	if _, err := s.Job(ctx, live.ID); err != nil {
		t.Fatalf("live job pruned: %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	f := mustEnqueue(t, s, newJob("a", media.KindImage, nil))
	claimOne(t, s, f.ID)
	if err := s.MarkFailed(ctx, f.ID, 1, "remote_rejected", "nope"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	failed, err := s.ListByStatus(ctx, StatusFailed)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != f.ID {
		t.Fatalf("failed list = %v", failed)
	}

	all, err := s.ListByStatus(ctx)
	if err != nil {
		t.Fatalf("ListByStatus all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d jobs, want 2", len(all))
	}
}

func TestTerminalJobsClearDueTimestamp(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	finish := map[string]func(id string) error{
		"published": func(id string) error { return s.MarkPublished(ctx, id, 1, "media-1") },
		"failed":    func(id string) error { return s.MarkFailed(ctx, id, 1, "remote_rejected", "nope") },
		"cancelled": func(id string) error { return s.MarkCancelled(ctx, id, 1) },
	}
	for name, fn := range finish {
		due := time.Now().Add(-time.Minute)
		job := mustEnqueue(t, s, newJob("a", media.KindImage, &due))
		claimOne(t, s, job.ID)
		if err := fn(job.ID); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		got, err := s.Job(ctx, job.ID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if got.DueAt != nil {
			t.Fatalf("%s job kept due_at %v, want cleared", name, got.DueAt)
		}
	}
}

func TestRequestCancelDuringClaim(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	// Race the cancel against a concurrent claim. Whichever side loses, the
	// cancel must land as either an immediate cancel or the deferred flag,
	// never as a transition error.
	for i := 0; i < 25; i++ {
		job := mustEnqueue(t, s, newJob("a", media.KindImage, nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimDue(ctx, time.Now(), 1); err != nil {
				t.Errorf("ClaimDue: %v", err)
			}
		}()
		outcome, err := s.RequestCancel(ctx, job.ID)
		wg.Wait()
		if err != nil {
			t.Fatalf("RequestCancel raced a claim: %v", err)
		}

		got, err := s.Job(ctx, job.ID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		switch outcome {
		case CancelImmediate:
			if got.Status != StatusCancelled {
				t.Fatalf("immediate cancel left status %s", got.Status)
			}
		case CancelDeferred:
			if got.Status != StatusClaimed || !got.CancelRequested {
				t.Fatalf("deferred cancel: status %s, flag %v", got.Status, got.CancelRequested)
			}
			if err := s.MarkCancelled(ctx, job.ID, got.Attempts); err != nil {
				t.Fatalf("MarkCancelled: %v", err)
			}
		default:
			t.Fatalf("outcome = %v", outcome)
		}
	}
}
