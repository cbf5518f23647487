package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisConsumerGroup = "attache_workers"
	redisDeadSuffix    = ":failed"
)

// RedisQueue delivers jobs through a Redis stream consumed by a consumer
// group. Failed jobs past their last attempt go to a ":failed" stream.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	now      func() time.Time
}

// RedisQueueOptions configures a Redis stream queue.
type RedisQueueOptions struct {
	Stream string
	// Block bounds how long Next waits for a message.
	Block time.Duration
}

// NewRedisQueue creates the consumer group when it does not exist yet.
func NewRedisQueue(ctx context.Context, client *redis.Client, opts RedisQueueOptions) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(opts.Stream) == "" {
		return nil, fmt.Errorf("redis stream is required")
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	q := &RedisQueue{
		client:   client,
		stream:   opts.Stream,
		group:    redisConsumerGroup,
		consumer: "worker_" + uuid.NewString()[:8],
		block:    opts.Block,
		now:      time.Now,
	}
	if err := client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, action string, payload []byte) (string, error) {
	task := &Task{ID: newTaskID(), Action: action, Payload: payload, AvailableAt: q.now()}
	if err := q.add(ctx, q.stream, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *RedisQueue) add(ctx context.Context, stream string, task *Task) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"id":           task.ID,
			"action":       task.Action,
			"payload":      string(task.Payload),
			"attempts":     task.Attempts,
			"available_at": task.AvailableAt.UnixNano(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("XADD %s: %w", stream, err)
	}
	return nil
}

// Next reads one message. A message that is not yet due is pushed back to
// the end of the stream and nil is returned.
func (q *RedisQueue) Next(ctx context.Context) (*Task, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("XREADGROUP error: %w", err)
	}
	for _, stream := range streams {
		for _, message := range stream.Messages {
			task, err := taskFromMessage(message)
			if err != nil {
				_ = q.client.XAck(ctx, q.stream, q.group, message.ID).Err()
				return nil, err
			}
			if task.AvailableAt.After(q.now()) {
				if err := q.add(ctx, q.stream, task); err != nil {
					return nil, err
				}
				return nil, q.client.XAck(ctx, q.stream, q.group, message.ID).Err()
			}
			task.Attempts++
			task.receipt = message.ID
			return task, nil
		}
	}
	return nil, nil
}

func taskFromMessage(message redis.XMessage) (*Task, error) {
	field := func(name string) string {
		value, _ := message.Values[name].(string)
		return value
	}
	task := &Task{ID: field("id"), Action: field("action"), Payload: []byte(field("payload"))}
	if task.ID == "" {
		return nil, fmt.Errorf("message %s missing id field", message.ID)
	}
	if raw := field("attempts"); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("message %s: invalid attempts %q", message.ID, raw)
		}
		task.Attempts = attempts
	}
	if raw := field("available_at"); raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("message %s: invalid available_at %q", message.ID, raw)
		}
		task.AvailableAt = time.Unix(0, nanos)
	}
	return task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	if task.receipt == "" {
		return fmt.Errorf("task %s has no delivery receipt", task.ID)
	}
	return q.client.XAck(ctx, q.stream, q.group, task.receipt).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, task *Task, cause error, retryAt *time.Time) error {
	next := *task
	target := q.stream + redisDeadSuffix
	if retryAt != nil {
		next.AvailableAt = *retryAt
		target = q.stream
	}
	if err := q.add(ctx, target, &next); err != nil {
		return err
	}
	if cause != nil && retryAt == nil {
		_ = q.client.HSet(ctx, target+":errors", task.ID, cause.Error()).Err()
	}
	return q.Ack(ctx, task)
}
