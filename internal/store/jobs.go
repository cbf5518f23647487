package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// QueuedJob is one row of the background job queue. Payload is opaque to
// the store.
type QueuedJob struct {
	ID          string
	Action      string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const jobColumns = "id, action, payload, status, attempts, last_error, available_at, created_at, updated_at"

// EnqueueJob inserts a pending job.
func (s *Store) EnqueueJob(ctx context.Context, job *QueuedJob) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	now := time.Now().UTC()
	job.Status = JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO jobs (id, action, payload, status, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.Action, string(job.Payload), job.Status, formatTime(job.AvailableAt), formatTime(now), formatTime(now))
	return err
}

// ClaimJob marks the oldest available pending job as running and returns it.
// It returns nil when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context, now time.Time) (_ *QueuedJob, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE status = ? AND available_at <= ?
		ORDER BY available_at, created_at LIMIT 1`, JobPending, formatTime(now))
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, tx.Commit()
	}

	job.Status = JobRunning
	job.Attempts++
	job.UpdatedAt = now.UTC()
	res, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ? AND status = ?",
		job.Status, job.Attempts, formatTime(job.UpdatedAt), job.ID, JobPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, tx.Commit()
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob marks a job as done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobDone, "", nil)
}

// FailJob records a failure. With retryAt set the job becomes pending again
// at that time; otherwise it is marked failed.
func (s *Store) FailJob(ctx context.Context, id string, cause error, retryAt *time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if retryAt != nil {
		return s.finishJob(ctx, id, JobPending, msg, retryAt)
	}
	return s.finishJob(ctx, id, JobFailed, msg, nil)
}

func (s *Store) finishJob(ctx context.Context, id, status, lastError string, availableAt *time.Time) error {
	now := time.Now().UTC()
	set := []string{"status = ?", "last_error = ?", "updated_at = ?"}
	args := []any{status, nullIfEmpty(lastError), formatTime(now)}
	if availableAt != nil {
		set = append(set, "available_at = ?")
		args = append(args, formatTime(*availableAt))
	}
	args = append(args, id)
	res, err := s.conn(ctx).ExecContext(ctx, "UPDATE jobs SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// GetJob returns a job by id, or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*QueuedJob, error) {
	row := s.conn(ctx).QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	return scanJob(row)
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// PurgeJobs deletes finished jobs last updated before cutoff.
func (s *Store) PurgeJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?", JobDone, JobFailed, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*QueuedJob, error) {
	var job QueuedJob
	var payload string
	var lastError sql.NullString
	var availableAt, createdAt, updatedAt string
	err := scanner.Scan(&job.ID, &job.Action, &payload, &job.Status, &job.Attempts, &lastError, &availableAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	job.Payload = []byte(payload)
	job.LastError = lastError.String
	if job.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
