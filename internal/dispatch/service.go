// Package dispatch owns the scheduled work queue: the public job operations
// (enqueue, cancel, retry, inspect) and the periodic tick that claims due
// jobs and feeds them to the publish runner through a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postforge/internal/eventbus"
	"postforge/internal/health"
	"postforge/internal/media"
	"postforge/internal/publish"
	"postforge/internal/storage"
	logx "postforge/pkg/logx"
)

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	JobID     string
	AccountID string
	Kind      media.Kind
	Status    storage.JobStatus
	Attempts  int
	ErrKind   string
	ErrMsg    string
	RetryIn   time.Duration
	MediaID   string
	At        time.Time
}

// Settings are the runtime-tunable knobs of the dispatcher.
type Settings struct {
	// Workers bounds concurrent attempts per tick.
	Workers int
	// DeferDelay is how far health-gated or unroutable jobs are pushed.
	DeferDelay time.Duration
	// Retention is how long terminal jobs are kept before pruning.
	Retention time.Duration
}

func (s Settings) normalized() Settings {
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.DeferDelay <= 0 {
		s.DeferDelay = 5 * time.Minute
	}
	if s.Retention <= 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	return s
}

// AccountView is what the dispatcher needs to know about configured accounts.
type AccountView struct {
	ID      string
	Enabled bool
}

// EnqueueRequest describes a job to schedule.
type EnqueueRequest struct {
	AccountID string
	Kind      media.Kind
	Locators  []string
	Caption   string
	// DueAt nil means run on the next tick.
	DueAt *time.Time
}

const (
	carouselMinChildren = 2
	carouselMaxChildren = 10
)

// Service is the scheduled work queue.
type Service struct {
	store    *storage.Store
	runner   *publish.Runner
	hs       *health.Supervisor
	bus      eventbus.Bus
	accounts func() []AccountView
	log      logx.Logger

	mu       sync.RWMutex
	settings Settings

	ticking   atomic.Bool
	lastPrune atomic.Int64

	now func() time.Time
}

func New(store *storage.Store, runner *publish.Runner, hs *health.Supervisor, bus eventbus.Bus,
	settings Settings, accounts func() []AccountView, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		runner:   runner,
		hs:       hs,
		bus:      bus,
		accounts: accounts,
		log:      log,
		settings: settings.normalized(),
		now:      time.Now,
	}
}

// Apply swaps the runtime settings (config reload).
func (s *Service) Apply(settings Settings) {
	s.mu.Lock()
	s.settings = settings.normalized()
	s.mu.Unlock()
}

func (s *Service) current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ---- public job operations ----

// Enqueue validates and persists a new job. A nil dueAt schedules it for the
// next tick; a past dueAt is rejected so callers cannot silently jump the
// queue with stale timestamps.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*storage.PublishJob, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, fmt.Errorf("dispatch: account id is required")
	}
	kind, err := media.Parse(string(req.Kind))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if len(req.Locators) == 0 {
		return nil, fmt.Errorf("dispatch: at least one media locator is required")
	}
	if kind == media.KindCarousel {
		if n := len(req.Locators); n < carouselMinChildren || n > carouselMaxChildren {
			return nil, fmt.Errorf("dispatch: carousel needs %d to %d children, got %d",
				carouselMinChildren, carouselMaxChildren, n)
		}
	} else if len(req.Locators) != 1 {
		return nil, fmt.Errorf("dispatch: %s jobs carry exactly one locator", kind)
	}
	for _, loc := range req.Locators {
		if strings.TrimSpace(loc) == "" {
			return nil, fmt.Errorf("dispatch: empty media locator")
		}
	}
	if req.DueAt != nil && req.DueAt.Before(s.now()) {
		return nil, fmt.Errorf("dispatch: due time %s is in the past", req.DueAt.Format(time.RFC3339))
	}

	job := &storage.PublishJob{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Kind:      kind,
		Locators:  req.Locators,
		Caption:   req.Caption,
		DueAt:     req.DueAt,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job enqueued",
		logx.String("job", job.ID),
		logx.String("account", job.AccountID),
		logx.String("kind", string(kind)),
	)
	return job, nil
}

// Cancel requests cancellation of a job. Safe to call in any state.
func (s *Service) Cancel(ctx context.Context, id string) (storage.CancelOutcome, error) {
	out, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return out, err
	}
	switch out {
	case storage.CancelImmediate:
		s.log.Info("job cancelled", logx.String("job", id))
	case storage.CancelDeferred:
		s.log.Info("job cancel requested, in flight", logx.String("job", id))
	}
	return out, nil
}

// Retry requeues a failed job. The attempt count is deliberately kept.
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.store.Retry(ctx, id); err != nil {
		return err
	}
	s.log.Info("job requeued for retry", logx.String("job", id))
	return nil
}

// Job returns one job by id.
func (s *Service) Job(ctx context.Context, id string) (*storage.PublishJob, error) {
	return s.store.Job(ctx, id)
}

// List returns jobs filtered by status (all jobs with no filter).
func (s *Service) List(ctx context.Context, statuses ...storage.JobStatus) ([]*storage.PublishJob, error) {
	return s.store.ListByStatus(ctx, statuses...)
}

// Attempts returns a job's container attempt history.
func (s *Service) Attempts(ctx context.Context, id string) ([]storage.ContainerAttempt, error) {
	return s.store.Attempts(ctx, id)
}

// ---- dispatch cycle ----

// RecoverOnStart requeues jobs that were claimed when the previous process
// died. Must run before the first tick.
func (s *Service) RecoverOnStart(ctx context.Context) error {
	_, err := s.store.RecoverStaleClaims(ctx, s.now())
	return err
}

// Tick runs one dispatch cycle: claim due jobs, gate them on account health,
// and run the rest through the worker pool. Overlapping ticks are skipped;
// the next cadence slot picks up whatever this one left behind.
func (s *Service) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Debug("tick still running, skipped")
		return nil
	}
	defer s.ticking.Store(false)

	set := s.current()
	now := s.now()

	// Claim more than the pool width so deferrals don't starve the cycle.
	jobs, err := s.store.ClaimDue(ctx, now, set.Workers*4)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		s.maybePrune(ctx, set)
		return nil
	}
	s.log.Debug("tick claimed jobs", logx.Int("count", len(jobs)))

	enabled := make(map[string]bool)
	for _, acct := range s.accounts() {
		enabled[acct.ID] = acct.Enabled
	}

	runnable := jobs[:0]
	for _, job := range jobs {
		if on, known := enabled[job.AccountID]; !known || !on {
			s.deferJob(ctx, job, set.DeferDelay, "account disabled or not configured")
			continue
		}
		if state, ok := s.hs.Gate(job.AccountID); !ok {
			s.deferJob(ctx, job, set.DeferDelay, "account health "+string(state))
			continue
		}
		runnable = append(runnable, job)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, set.Workers)
	for _, job := range runnable {
		select {
		case <-ctx.Done():
			// Shutdown mid-tick: release unstarted claims immediately.
			s.releaseClaim(job)
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(job *storage.PublishJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runOne(ctx, job)
		}(job)
	}
	wg.Wait()

	s.maybePrune(ctx, set)
	return nil
}

// runOne executes one attempt and persists the classified outcome.
func (s *Service) runOne(ctx context.Context, job *storage.PublishJob) {
	out := s.runner.RunAttempt(ctx, job)
	now := s.now()

	var err error
	switch out.Verdict {
	case publish.VerdictPublished:
		err = s.store.MarkPublished(ctx, job.ID, out.Attempts, out.RemoteMediaID)
		s.emit(eventbus.TypeJobPublished, job, storage.StatusPublished, out, now)

	case publish.VerdictRetry:
		err = s.store.ScheduleRetry(ctx, job.ID, out.Attempts, now.Add(out.RetryIn),
			string(out.ErrKind), out.ErrMsg)
		s.emit(eventbus.TypeJobRetryScheduled, job, storage.StatusPending, out, now)

	case publish.VerdictDefer:
		wait := out.RetryIn
		if wait <= 0 {
			wait = s.current().DeferDelay
		}
		err = s.store.Defer(ctx, job.ID, now.Add(wait))
		s.emit(eventbus.TypeJobDeferred, job, storage.StatusPending, out, now)

	case publish.VerdictFailed:
		err = s.store.MarkFailed(ctx, job.ID, out.Attempts, string(out.ErrKind), out.ErrMsg)
		s.emit(eventbus.TypeJobFailed, job, storage.StatusFailed, out, now)

	case publish.VerdictCancelled:
		err = s.store.MarkCancelled(ctx, job.ID, out.Attempts)
	}
	if err != nil {
		s.log.Error("persist outcome failed",
			logx.String("job", job.ID), logx.Int("verdict", int(out.Verdict)), logx.Err(err))
	}
}

func (s *Service) deferJob(ctx context.Context, job *storage.PublishJob, delay time.Duration, reason string) {
	until := s.now().Add(delay)
	if err := s.store.Defer(ctx, job.ID, until); err != nil {
		s.log.Error("defer failed", logx.String("job", job.ID), logx.Err(err))
		return
	}
	s.log.Info("job deferred",
		logx.String("job", job.ID),
		logx.String("account", job.AccountID),
		logx.String("reason", reason),
		logx.Time("until", until),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDeferred, Data: JobEvent{
			JobID:     job.ID,
			AccountID: job.AccountID,
			Kind:      job.Kind,
			Status:    storage.StatusPending,
			Attempts:  job.Attempts,
			ErrMsg:    reason,
			RetryIn:   delay,
			At:        s.now(),
		}})
	}
}

// releaseClaim puts a claimed-but-unstarted job straight back in the queue.
func (s *Service) releaseClaim(job *storage.PublishJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Defer(ctx, job.ID, s.now()); err != nil {
		s.log.Error("release claim failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func (s *Service) emit(eventType string, job *storage.PublishJob, status storage.JobStatus, out publish.Outcome, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: JobEvent{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Kind:      job.Kind,
		Status:    status,
		Attempts:  out.Attempts,
		ErrKind:   string(out.ErrKind),
		ErrMsg:    out.ErrMsg,
		RetryIn:   out.RetryIn,
		MediaID:   out.RemoteMediaID,
		At:        at,
	}})
}

// maybePrune drops old terminal jobs at most once an hour, piggybacked on the
// tick so there is no separate timer to manage.
func (s *Service) maybePrune(ctx context.Context, set Settings) {
	now := s.now()
	last := s.lastPrune.Load()
	if last != 0 && now.Sub(time.UnixMilli(last)) < time.Hour {
		return
	}
	if !s.lastPrune.CompareAndSwap(last, now.UnixMilli()) {
		return
	}
	n, err := s.store.PruneTerminal(ctx, now.Add(-set.Retention))
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned terminal jobs", logx.Int64("count", n))
	}
}
