package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"attache/internal/models"
)

const defaultRedisKeyPrefix = "attache:file:"

// Redis keeps file contents as Redis strings with an optional TTL. It suits
// cache storage, where files are short-lived.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a Redis storage.
type RedisOptions struct {
	KeyPrefix string
	TTL       time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := opts.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

func (s *Redis) key(location string) string {
	return s.prefix + location
}

func (s *Redis) Upload(ctx context.Context, r io.Reader, location string, _ UploadOptions) error {
	if location == "" {
		return fmt.Errorf("location is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(location), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", location, err)
	}
	return nil
}

func (s *Redis) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	data, err := s.client.Get(ctx, s.key(location)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", location, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Redis) Exists(ctx context.Context, location string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(location)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", location, err)
	}
	return n > 0, nil
}

func (s *Redis) Delete(ctx context.Context, location string) error {
	if err := s.client.Del(ctx, s.key(location)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", location, err)
	}
	return nil
}

// URL is not servable for Redis; it returns a redis:// reference.
func (s *Redis) URL(_ context.Context, location string, _ URLOptions) (string, error) {
	return "redis://" + s.key(location), nil
}
