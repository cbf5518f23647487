package worker

import (
	"context"
	"fmt"
	"time"

	"attache/internal/store"
)

// SQLiteQueue keeps jobs in the store's jobs table.
type SQLiteQueue struct {
	store *store.Store
	now   func() time.Time
}

// NewSQLiteQueue wraps an opened store.
func NewSQLiteQueue(s *store.Store) (*SQLiteQueue, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &SQLiteQueue{store: s, now: time.Now}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, action string, payload []byte) (string, error) {
	job := &store.QueuedJob{ID: newTaskID(), Action: action, Payload: payload}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

func (q *SQLiteQueue) Next(ctx context.Context) (*Task, error) {
	job, err := q.store.ClaimJob(ctx, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	return &Task{
		ID:          job.ID,
		Action:      job.Action,
		Payload:     job.Payload,
		Attempts:    job.Attempts,
		AvailableAt: job.AvailableAt,
	}, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, task *Task) error {
	return q.store.CompleteJob(ctx, task.ID)
}

func (q *SQLiteQueue) Fail(ctx context.Context, task *Task, cause error, retryAt *time.Time) error {
	return q.store.FailJob(ctx, task.ID, cause, retryAt)
}
