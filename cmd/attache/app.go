package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"attache/internal/attacher"
	"attache/internal/config"
	"attache/internal/models"
	"attache/internal/storage"
	"attache/internal/store"
	"attache/internal/uploader"
	"attache/internal/worker"
)

// app holds everything a command needs: the record store, storages, the
// attachment registry and the job queue (nil when jobs run inline).
type app struct {
	cfg         *config.Config
	store       *store.Store
	storages    *storage.Registry
	filesystems map[string]*storage.FileSystem
	registry    *attacher.Registry
	queue       worker.Queue
	redis       map[string]*redis.Client
	logger      *slog.Logger
}

func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}

	a := &app{
		cfg:         cfg,
		storages:    storage.NewRegistry(),
		filesystems: map[string]*storage.FileSystem{},
		redis:       map[string]*redis.Client{},
		logger:      slog.Default().With("component", "cli"),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.logger.Debug("opening database", "path", cfg.DBPath)
	if a.store, err = store.Open(cfg.DBPath); err != nil {
		return nil, err
	}
	if err = a.openStorages(); err != nil {
		return nil, err
	}
	if err = a.openQueue(ctx); err != nil {
		return nil, err
	}

	a.registry = attacher.NewRegistry(a.storages, a.store, slog.Default())
	for _, name := range cfg.AttachmentNames() {
		ac, err := a.attachmentConfig(name, cfg.Attachments[name])
		if err != nil {
			return nil, err
		}
		if err := a.registry.Register(ac); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStorages() error {
	keys := make([]string, 0, len(a.cfg.Storages))
	for key := range a.cfg.Storages {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sc := a.cfg.Storages[key]
		var s storage.Storage
		switch sc.Backend {
		case config.BackendFileSystem:
			fs, err := storage.NewFileSystem(sc.Directory, storage.FileSystemOptions{Prefix: sc.Prefix, URLHost: sc.URLHost})
			if err != nil {
				return fmt.Errorf("storage %s: %w", key, err)
			}
			a.filesystems[key] = fs
			s = fs
		case config.BackendMemory:
			s = storage.NewMemory(key)
		case config.BackendRedis:
			rs, err := storage.NewRedis(a.redisClient(sc.RedisAddr), storage.RedisOptions{
				KeyPrefix: "attache:" + key + ":",
				TTL:       sc.TTL(),
			})
			if err != nil {
				return fmt.Errorf("storage %s: %w", key, err)
			}
			s = rs
		default:
			return fmt.Errorf("storage %s: unknown backend %q", key, sc.Backend)
		}
		if err := a.storages.Register(key, s); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	qc := a.cfg.Queue
	switch qc.Backend {
	case config.QueueInline:
		return nil
	case config.QueueSQLite:
		q, err := worker.NewSQLiteQueue(a.store)
		if err != nil {
			return err
		}
		a.queue = q
	case config.QueueRedis:
		q, err := worker.NewRedisQueue(ctx, a.redisClient(qc.RedisAddr), worker.RedisQueueOptions{
			Stream: qc.RedisKey,
			Block:  qc.PollIntervalDuration(),
		})
		if err != nil {
			return err
		}
		a.queue = q
	default:
		return fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
	return nil
}

func (a *app) redisClient(addr string) *redis.Client {
	if client, ok := a.redis[addr]; ok {
		return client
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	a.redis[addr] = client
	return client
}

func (a *app) attachmentConfig(name string, ac config.AttachmentConfig) (attacher.Config, error) {
	out := attacher.Config{
		Name:                   name,
		Cache:                  ac.Cache,
		Store:                  ac.Store,
		Location:               uploader.DefaultLocation,
		Processors:             builtinProcessors(),
		DerivativesConcurrency: ac.DerivativesConcurrency,
	}
	if ac.Location == config.LocationPretty {
		out.Location = uploader.PrettyLocation
	}
	if ac.Signature != "" {
		analyzer, err := uploader.Signature(ac.Signature)
		if err != nil {
			return attacher.Config{}, fmt.Errorf("attachment %s: %w", name, err)
		}
		out.Analyzers = append(out.Analyzers, analyzer)
	}
	if ac.MaxSize > 0 {
		out.Validators = append(out.Validators, attacher.MaxSize(ac.MaxSize))
	}
	if len(ac.AllowedMediaTypes) > 0 {
		out.Validators = append(out.Validators, attacher.AllowedMediaTypes(ac.AllowedMediaTypes...))
	}
	if ac.Background {
		if a.queue == nil {
			a.logger.Warn("background jobs need a queue backend; running inline", "attachment", name)
		} else {
			out.Background = worker.Background(a.queue)
		}
	}
	return out, nil
}

func (a *app) Close() error {
	var errs []error
	for _, client := range a.redis {
		errs = append(errs, client.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// loadAttacher loads the record and builds the named attacher for it.
func (a *app) loadAttacher(ctx context.Context, ref models.RecordRef, name string) (*store.Record, *attacher.Attacher, error) {
	rec, err := a.store.GetRecord(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	att, err := a.registry.ForRecord(name, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, att, nil
}

func withApp(cmd *cobra.Command, cfg *config.Config, fn func(*app) error) error {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
