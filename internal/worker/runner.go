package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"attache/internal/attacher"
	"attache/internal/models"
)

const (
	defaultWorkers     = 2
	defaultPoll        = time.Second
	defaultMaxAttempts = 5
)

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Options configures a Runner.
type Options struct {
	Workers     int
	Poll        time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

// Runner pulls attachment jobs off a queue and finishes them.
type Runner struct {
	queue       Queue
	registry    *attacher.Registry
	logger      *slog.Logger
	workers     int
	poll        time.Duration
	maxAttempts int
}

// NewRunner creates a runner.
func NewRunner(queue Queue, registry *attacher.Registry, opts Options) (*Runner, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("attacher registry is required")
	}
	r := &Runner{
		queue:       queue,
		registry:    registry,
		logger:      opts.Logger,
		workers:     opts.Workers,
		poll:        opts.Poll,
		maxAttempts: opts.MaxAttempts,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	return r, nil
}

// Background returns callbacks that enqueue attacher jobs on q.
func Background(q Queue) *attacher.Background {
	enqueue := func(ctx context.Context, job attacher.Job) error {
		payload, err := job.Marshal()
		if err != nil {
			return err
		}
		_, err = q.Enqueue(ctx, string(job.Action), payload)
		return err
	}
	return &attacher.Background{Promote: enqueue, Destroy: enqueue}
}

// Run processes tasks with the configured number of workers until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", "workers", r.workers, "poll", r.poll)
	g, ctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			return r.loop(ctx, i)
		})
	}
	err := g.Wait()
	r.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := r.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed to fetch job", "worker", worker, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

// Drain processes tasks until none is available and returns how many ran.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	count := 0
	for {
		processed, err := r.Step(ctx)
		if err != nil {
			return count, err
		}
		if !processed {
			return count, nil
		}
		count++
	}
}

// Step takes one task off the queue and finishes it. It reports false when
// the queue had nothing available. Job failures are recorded on the queue,
// not returned.
func (r *Runner) Step(ctx context.Context) (bool, error) {
	task, err := r.queue.Next(ctx)
	if err != nil || task == nil {
		return false, err
	}
	logger := r.logger.With("job", task.ID, "action", task.Action, "attempt", task.Attempts)

	handleErr := r.Handle(ctx, task.Payload)
	if handleErr == nil {
		logger.Debug("job done")
		return true, r.queue.Ack(ctx, task)
	}

	var permanent permanentError
	if errors.As(handleErr, &permanent) || task.Attempts >= r.maxAttempts {
		logger.Error("job failed", "error", handleErr)
		return true, r.queue.Fail(ctx, task, handleErr, nil)
	}
	retryAt := time.Now().Add(r.backoff(task.Attempts))
	logger.Warn("job failed, retrying", "error", handleErr, "retry_at", retryAt)
	return true, r.queue.Fail(ctx, task, handleErr, &retryAt)
}

func (r *Runner) backoff(attempts int) time.Duration {
	return time.Duration(attempts*attempts) * r.poll
}

// Handle runs one job payload. A job whose attachment changed in the
// meantime is a no-op.
func (r *Runner) Handle(ctx context.Context, payload []byte) error {
	job, err := attacher.ParseJob(payload)
	if err != nil {
		return permanentError{err}
	}
	switch job.Action {
	case models.ActionStore:
		return r.promote(ctx, job)
	case models.ActionDestroy:
		return r.destroy(ctx, job)
	}
	return permanentError{fmt.Errorf("unsupported job action: %s", job.Action)}
}

func (r *Runner) promote(ctx context.Context, job attacher.Job) error {
	logger := r.logger.With("record", job.Record.String(), "file", job.File.String())
	a, err := r.registry.Retrieve(ctx, job.Attacher, job.Record, *job.File)
	if errors.Is(err, models.ErrAttachmentChanged) {
		logger.Info("attachment changed before promotion, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	stored, err := a.AtomicPromote(ctx, attacher.AtomicOptions{})
	if errors.Is(err, models.ErrAttachmentChanged) {
		logger.Info("attachment changed during promotion, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if stored != nil {
		logger.Info("promoted attachment", "stored", stored.Ref().String())
	}
	return nil
}

func (r *Runner) destroy(ctx context.Context, job attacher.Job) error {
	a, err := r.registry.New(job.Attacher)
	if err != nil {
		return permanentError{err}
	}
	var data models.Data
	switch {
	case job.Data != nil:
		data = *job.Data
	case job.File != nil:
		file := models.NewUploadedFile(job.File.Storage, job.File.ID, nil)
		data.File = &file
	}
	a.LoadData(data)
	if err := a.Destroy(ctx); err != nil {
		return err
	}
	r.logger.Info("destroyed attachment", "record", job.Record.String())
	return nil
}
