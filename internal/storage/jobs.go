package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, workspace_id, visibility_user_id, note_id, payload_json, status,
	attempt_count, max_attempts, available_at, locked_at, locked_by, last_error, created_at, updated_at`

// claimRetries bounds how many times ClaimNextJob re-selects after losing
// the compare-and-swap to another claimer.
const claimRetries = 3

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var availableAt, createdAt, updatedAt string
	var lockedAt sql.NullString
	err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.VisibilityUserID, &j.NoteID, &j.PayloadJSON, &j.Status,
		&j.AttemptCount, &j.MaxAttempts, &availableAt, &lockedAt, &j.LockedBy, &j.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if j.AvailableAt, err = parseTime(availableAt); err != nil {
		return Job{}, fmt.Errorf("parsing available_at for job %s: %w", j.ID, err)
	}
	if lockedAt.Valid {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return Job{}, fmt.Errorf("parsing locked_at for job %s: %w", j.ID, err)
		}
		j.LockedAt = &t
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func getJob(ctx context.Context, q queryRower, id string) (Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// EnqueueJob inserts a job in the queued state. MaxAttempts defaults to the
// store's queue policy and AvailableAt to now.
func (s *Store) EnqueueJob(ctx context.Context, j Job) (Job, error) {
	if j.ID == "" {
		return Job{}, errors.New("job id is required")
	}
	if j.NoteID == "" {
		return Job{}, errors.New("job note id is required")
	}
	now := s.nowUTC()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.policy.MaxAttempts
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	if j.PayloadJSON == "" {
		j.PayloadJSON = "{}"
	}
	j.Status = JobQueued
	j.AttemptCount = 0
	j.LockedAt = nil
	j.LockedBy = ""
	j.LastError = ""
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, '', '', ?, ?)`,
		j.ID, j.WorkspaceID, j.VisibilityUserID, j.NoteID, j.PayloadJSON, j.Status,
		j.MaxAttempts, formatTime(j.AvailableAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Job{}, fmt.Errorf("enqueueing job for note %s: %w", j.NoteID, err)
	}
	j.AvailableAt = j.AvailableAt.UTC()
	return j, nil
}

// ClaimNextJob atomically moves the oldest eligible job to running and
// returns it. Returns nil if there is nothing to claim.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	for range claimRetries {
		job, lost, err := s.tryClaim(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if !lost {
			return job, nil
		}
	}
	return nil, nil
}

// tryClaim selects a candidate and claims it with a conditional update.
// lost is true when another claimer took the candidate first.
func (s *Store) tryClaim(ctx context.Context, workerID string) (job *Job, lost bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.nowUTC())

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM enrichment_jobs
		WHERE status IN ('queued', 'retry') AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC
		LIMIT 1`, now).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting job to claim: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = 'running', attempt_count = attempt_count + 1,
			locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'retry')`,
		now, workerID, now, id)
	if err != nil {
		return nil, false, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing claim of job %s: %w", id, err)
	}
	return &j, false, nil
}

// CompleteJob marks a job as completed and releases its lock. Only the
// worker holding the lock can complete the job.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := checkLock(j, workerID); err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}

	now := formatTime(s.nowUTC())
	res, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = 'completed', locked_at = NULL, locked_by = '', updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`, now, id, workerID)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	if err := expectLockedRow(res); err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion of job %s: %w", id, err)
	}
	return nil
}

// checkLock reports ErrJobNotRunning unless workerID holds j's lock.
func checkLock(j Job, workerID string) error {
	if j.Status != JobRunning {
		return fmt.Errorf("state %s: %w", j.Status, ErrJobNotRunning)
	}
	if j.LockedBy != workerID {
		return fmt.Errorf("locked by %s, not %s: %w", j.LockedBy, workerID, ErrJobNotRunning)
	}
	return nil
}

func expectLockedRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotRunning
	}
	return nil
}

// FailJob records a failed attempt. The job becomes terminally failed once
// its attempts are exhausted, otherwise it is scheduled for retry with
// exponential backoff. Only the worker holding the lock can fail the job.
func (s *Store) FailJob(ctx context.Context, id, workerID, errMsg string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if err := checkLock(j, workerID); err != nil {
		return Job{}, fmt.Errorf("failing job %s: %w", id, err)
	}

	now := s.nowUTC()
	status := JobRetry
	availableAt := now.Add(s.policy.Backoff(j.AttemptCount))
	if j.AttemptCount >= j.MaxAttempts {
		status = JobFailed
		availableAt = j.AvailableAt
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = ?, available_at = ?, locked_at = NULL, locked_by = '', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`,
		status, formatTime(availableAt), errMsg, formatTime(now), id, workerID)
	if err != nil {
		return Job{}, fmt.Errorf("failing job %s: %w", id, err)
	}
	if err := expectLockedRow(res); err != nil {
		return Job{}, fmt.Errorf("failing job %s: %w", id, err)
	}

	j, err = getJob(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing failure of job %s: %w", id, err)
	}
	return j, nil
}

// RequeueStaleJobs hands running jobs whose lock is older than staleAfter
// back to the queue, immediately claimable. Returns the recovered jobs.
func (s *Store) RequeueStaleJobs(ctx context.Context, staleAfter time.Duration) ([]Job, error) {
	now := s.nowUTC()
	cutoff := formatTime(now.Add(-staleAfter))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < ?
		ORDER BY locked_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting stale jobs: %w", err)
	}
	var stale []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recovered := make([]Job, 0, len(stale))
	for _, j := range stale {
		note := fmt.Sprintf("requeued after lock held by %s exceeded %s", j.LockedBy, staleAfter)
		lastError := note
		if j.LastError != "" {
			lastError = j.LastError + "; " + note
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE enrichment_jobs
			SET status = 'retry', available_at = ?, locked_at = NULL, locked_by = '', last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'running'`,
			formatTime(now), lastError, formatTime(now), j.ID); err != nil {
			return nil, fmt.Errorf("requeueing job %s: %w", j.ID, err)
		}
		j.Status = JobRetry
		j.AvailableAt = now
		j.LockedAt = nil
		j.LockedBy = ""
		j.LastError = lastError
		j.UpdatedAt = now
		recovered = append(recovered, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing stale requeue: %w", err)
	}
	return recovered, nil
}

// HasInFlightJob reports whether the note has a queued, running or retrying job.
func (s *Store) HasInFlightJob(ctx context.Context, noteID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrichment_jobs
		WHERE note_id = ? AND status IN ('queued', 'running', 'retry')`, noteID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking in-flight jobs for note %s: %w", noteID, err)
	}
	return n > 0, nil
}

// RetryFailedJob resets the note's most recent terminally failed job to
// retry, available now. The attempt count is left as is.
func (s *Store) RetryFailedJob(ctx context.Context, noteID string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE note_id = ? AND status = 'failed'
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`, noteID))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	now := formatTime(s.nowUTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs SET status = 'retry', available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'`, now, now, j.ID); err != nil {
		return Job{}, fmt.Errorf("retrying job %s: %w", j.ID, err)
	}

	j, err = getJob(ctx, tx, j.ID)
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing retry of job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	return getJob(ctx, s.db, id)
}

// QueueCounts tallies jobs per status. An empty workspaceID counts all workspaces.
func (s *Store) QueueCounts(ctx context.Context, workspaceID string) (QueueCounts, error) {
	query := `SELECT status, COUNT(*) FROM enrichment_jobs`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	var c QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueCounts{}, err
		}
		switch status {
		case JobQueued:
			c.Queued = n
		case JobRunning:
			c.Running = n
		case JobRetry:
			c.Retry = n
		case JobCompleted:
			c.Completed = n
		case JobFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// ListFailedJobs returns terminally failed jobs, most recently failed first.
func (s *Store) ListFailedJobs(ctx context.Context, workspaceID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE status = 'failed'`
	var args []any
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
