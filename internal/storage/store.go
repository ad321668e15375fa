// Package storage is the durable job arena backing the scheduled work queue.
//
// One SQLite file holds every publish job and its container attempt history.
// All lifecycle transitions are single UPDATE statements guarded by the
// current status, so a transition that lost a race affects zero rows and is
// reported as ErrBadTransition instead of silently clobbering state.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postforge/internal/media"
	logx "postforge/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// Config for the store.
type Config struct {
	// Path to the SQLite database file.
	Path string
	// BusyTimeout passed to the driver; defaults to 5s.
	BusyTimeout time.Duration
}

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?%s", cfg.Path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}

	// One writer connection. SQLite serializes writes anyway; a single
	// connection avoids SQLITE_BUSY churn between workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	log.Debug("storage opened", logx.String("path", cfg.Path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue persists a new pending job. Caller supplies the id.
func (s *Store) Enqueue(ctx context.Context, job *PublishJob) error {
	now := time.Now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	locators, err := json.Marshal(job.Locators)
	if err != nil {
		return fmt.Errorf("storage: encode locators: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO publish_jobs
			(id, account_id, media_kind, locators, caption, due_at, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.AccountID, string(job.Kind), string(locators), job.Caption,
		millisPtr(job.DueAt), string(StatusPending), millis(now), millis(now),
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Job loads one job by id.
func (s *Store) Job(ctx context.Context, id string) (*PublishJob, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
// With no statuses it returns everything.
func (s *Store) ListByStatus(ctx context.Context, statuses ...JobStatus) ([]*PublishJob, error) {
	query := selectJobSQL
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimDue atomically moves up to limit due pending jobs to claimed and
// returns them. A job is due when due_at is NULL or <= now. Ordering is
// earliest due first so overdue work is drained before fresh work.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*PublishJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM publish_jobs
		WHERE status = ? AND (due_at IS NULL OR due_at <= ?)
		ORDER BY COALESCE(due_at, created_at) ASC
		LIMIT ?`,
		string(StatusPending), millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select due: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE publish_jobs
			SET status = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusClaimed), millis(now), millis(now), id, string(StatusPending),
		); err != nil {
			return nil, fmt.Errorf("storage: claim %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}

	jobs := make([]*PublishJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Defer releases a claimed job back to pending with a new due time and no
// attempt consumed. Used when the account health gate blocks dispatch or a
// quota denial happens before any remote call.
func (s *Store) Defer(ctx context.Context, id string, until time.Time) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, due_at = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), millis(until), nowMillis(), id, string(StatusClaimed))
}

// ScheduleRetry releases a claimed job back to pending after a failed
// attempt: the attempt count and last error are recorded and the job becomes
// due again at the given time.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, until time.Time, errKind, errMsg string) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, due_at = ?, attempts = ?, last_error_kind = ?, last_error_msg = ?,
		    claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), millis(until), attempts, errKind, errMsg,
		nowMillis(), id, string(StatusClaimed))
}

// MarkPublished finishes a claimed job successfully. Terminal rows carry no
// due timestamp, so any scheduling or retry due_at is cleared here.
func (s *Store) MarkPublished(ctx context.Context, id string, attempts int, remoteMediaID string) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, attempts = ?, remote_media_id = ?, last_error_kind = '', last_error_msg = '',
		    due_at = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPublished), attempts, remoteMediaID, nowMillis(), id, string(StatusClaimed))
}

// MarkFailed finishes a claimed job terminally.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, errKind, errMsg string) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, attempts = ?, last_error_kind = ?, last_error_msg = ?,
		    due_at = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), attempts, errKind, errMsg, nowMillis(), id, string(StatusClaimed))
}

// MarkCancelled finishes a claimed job whose cancel request took effect.
func (s *Store) MarkCancelled(ctx context.Context, id string, attempts int) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, attempts = ?, due_at = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), attempts, nowMillis(), id, string(StatusClaimed))
}

// RequestCancel cancels a job. Pending jobs cancel immediately; claimed jobs
// get a flag the worker observes between remote calls; terminal jobs are a
// no-op so the operation stays idempotent.
//
// Both live paths run as guarded updates tried in order, so a cancel that
// races a concurrent claim simply degrades to the flag path instead of
// surfacing a transition failure.
func (s *Store) RequestCancel(ctx context.Context, id string) (CancelOutcome, error) {
	err := s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, cancel_requested = 1, due_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), nowMillis(), id, string(StatusPending))
	if err == nil {
		return CancelImmediate, nil
	}
	if !errors.Is(err, ErrBadTransition) {
		return CancelNoop, err
	}

	err = s.transition(ctx, `
		UPDATE publish_jobs
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		nowMillis(), id, string(StatusClaimed))
	if err == nil {
		return CancelDeferred, nil
	}
	if !errors.Is(err, ErrBadTransition) {
		return CancelNoop, err
	}

	// Neither pending nor claimed: terminal jobs are a no-op, an unknown id
	// is still an error.
	if _, err := s.Job(ctx, id); err != nil {
		return CancelNoop, err
	}
	return CancelNoop, nil
}

// CancelRequested reads the cancel flag for a job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM publish_jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: read cancel flag %s: %w", id, err)
	}
	return flag != 0, nil
}

// Retry moves a failed job back to pending, due immediately. The attempt
// count is kept so the ceiling still binds; the cancel flag is cleared.
func (s *Store) Retry(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE publish_jobs
		SET status = ?, due_at = NULL, cancel_requested = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), nowMillis(), id, string(StatusFailed))
}

// RecoverStaleClaims releases claimed jobs whose claim predates the cutoff
// back to pending. Called at startup with cutoff=now so interrupted work from
// a crashed run is requeued rather than orphaned.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_jobs
		SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at <= ?)`,
		string(StatusPending), nowMillis(), string(StatusClaimed), millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: recover stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("recovered stale claims", logx.Int64("count", n))
	}
	return n, nil
}

// PruneTerminal deletes terminal jobs (and their attempt history) whose last
// update is older than the cutoff.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM container_attempts
		WHERE job_id IN (
			SELECT id FROM publish_jobs
			WHERE status IN (?, ?, ?) AND updated_at <= ?
		)`,
		string(StatusPublished), string(StatusFailed), string(StatusCancelled), millis(cutoff),
	); err != nil {
		return 0, fmt.Errorf("storage: prune attempts: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM publish_jobs
		WHERE status IN (?, ?, ?) AND updated_at <= ?`,
		string(StatusPublished), string(StatusFailed), string(StatusCancelled), millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit prune: %w", err)
	}
	return n, nil
}

// ---- container attempts ----

// BeginAttempt records a fresh container for an attempt and points the job's
// container_id at it. The (job, attempt) primary key makes attempt numbers
// collision-proof even across restarts.
func (s *Store) BeginAttempt(ctx context.Context, jobID string, attempt int, containerID string) error {
	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin attempt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO container_attempts (job_id, attempt, container_id, status, started_at)
		VALUES (?, ?, ?, 'pending', ?)`,
		jobID, attempt, containerID, now,
	); err != nil {
		return fmt.Errorf("storage: record attempt %s/%d: %w", jobID, attempt, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE publish_jobs SET container_id = ?, updated_at = ? WHERE id = ?`,
		containerID, now, jobID,
	); err != nil {
		return fmt.Errorf("storage: link attempt container: %w", err)
	}
	return tx.Commit()
}

// FinishAttempt seals an attempt with its terminal container state and the
// number of status polls it took.
func (s *Store) FinishAttempt(ctx context.Context, jobID string, attempt int, status string, polls int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE container_attempts
		SET status = ?, polls = ?, finished_at = ?
		WHERE job_id = ? AND attempt = ?`,
		status, polls, nowMillis(), jobID, attempt)
	if err != nil {
		return fmt.Errorf("storage: finish attempt %s/%d: %w", jobID, attempt, err)
	}
	return nil
}

// Attempts returns the attempt history of a job, oldest first.
func (s *Store) Attempts(ctx context.Context, jobID string) ([]ContainerAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, attempt, container_id, status, polls, started_at, finished_at
		FROM container_attempts WHERE job_id = ? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ContainerAttempt
	for rows.Next() {
		var (
			a        ContainerAttempt
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&a.JobID, &a.Attempt, &a.ContainerID, &a.Status, &a.Polls, &started, &finished); err != nil {
			return nil, err
		}
		a.StartedAt = fromMillis(started)
		if finished.Valid {
			t := fromMillis(finished.Int64)
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- helpers ----

// transition runs a guarded UPDATE; zero rows means the guard did not match.
func (s *Store) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

const selectJobSQL = `
	SELECT id, account_id, media_kind, locators, caption, due_at, status, attempts,
	       last_error_kind, last_error_msg, container_id, remote_media_id,
	       cancel_requested, created_at, updated_at, claimed_at
	FROM publish_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*PublishJob, error) {
	var (
		job       PublishJob
		kind      string
		locators  string
		status    string
		dueAt     sql.NullInt64
		errKind   sql.NullString
		errMsg    sql.NullString
		container sql.NullString
		mediaID   sql.NullString
		cancel    int
		created   int64
		updated   int64
		claimed   sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.AccountID, &kind, &locators, &job.Caption,
		&dueAt, &status, &job.Attempts, &errKind, &errMsg, &container, &mediaID,
		&cancel, &created, &updated, &claimed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan job: %w", err)
	}

	job.Kind = media.Kind(kind)
	if err := json.Unmarshal([]byte(locators), &job.Locators); err != nil {
		return nil, fmt.Errorf("storage: decode locators for %s: %w", job.ID, err)
	}
	if st, ok := ParseStatus(status); ok {
		job.Status = st
	} else {
		return nil, fmt.Errorf("storage: job %s has unknown status %q", job.ID, status)
	}
	if dueAt.Valid {
		t := fromMillis(dueAt.Int64)
		job.DueAt = &t
	}
	job.LastErrorKind = errKind.String
	job.LastErrorMsg = errMsg.String
	job.ContainerID = container.String
	job.RemoteMediaID = mediaID.String
	job.CancelRequested = cancel != 0
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	if claimed.Valid {
		t := fromMillis(claimed.Int64)
		job.ClaimedAt = &t
	}
	return &job, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
