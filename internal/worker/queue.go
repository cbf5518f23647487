package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one delivery of a queued job.
type Task struct {
	ID          string
	Action      string
	Payload     []byte
	Attempts    int
	AvailableAt time.Time

	// receipt identifies the delivery in backends that need an explicit
	// acknowledgement.
	receipt string
}

// Queue is a durable or in-process job queue.
//
// Next returns nil when no task is available. Every task returned by Next
// must be finished with Ack or Fail.
type Queue interface {
	Enqueue(ctx context.Context, action string, payload []byte) (string, error)
	Next(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	// Fail records a failed attempt. With retryAt set the task is delivered
	// again at that time; otherwise it is dropped as failed.
	Fail(ctx context.Context, task *Task, cause error, retryAt *time.Time) error
}

func newTaskID() string {
	return uuid.NewString()
}

// MemoryQueue is an in-process queue. Tasks do not survive a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*Task
	inflight map[string]*Task
	failed   []*Task
	done     int
	now      func() time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: map[string]*Task{}, now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, action string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	task := &Task{
		ID:          newTaskID(),
		Action:      action,
		Payload:     append([]byte(nil), payload...),
		AvailableAt: q.now(),
	}
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	return task.ID, nil
}

func (q *MemoryQueue) Next(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, task := range q.pending {
		if task.AvailableAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		task.Attempts++
		q.inflight[task.ID] = task
		out := *task
		return &out, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[task.ID]; !ok {
		return fmt.Errorf("task not in flight: %s", task.ID)
	}
	delete(q.inflight, task.ID)
	q.done++
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, task *Task, _ error, retryAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.inflight[task.ID]
	if !ok {
		return fmt.Errorf("task not in flight: %s", task.ID)
	}
	delete(q.inflight, task.ID)
	if retryAt != nil {
		stored.AvailableAt = *retryAt
		q.pending = append(q.pending, stored)
		return nil
	}
	q.failed = append(q.failed, stored)
	return nil
}

// Stats reports pending, done and failed task counts.
func (q *MemoryQueue) Stats() (pending, done, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.done, len(q.failed)
}
