package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"attache/internal/models"
)

// UploadOptions carries per-upload data forwarded to a backend.
type UploadOptions struct {
	Metadata map[string]any
	Context  models.Context
}

// URLOptions carries backend-specific URL options.
type URLOptions struct {
	Host   string
	Params map[string]string
}

// Storage is the byte-storage abstraction used by uploaders and attachers.
// Implementations must be safe for concurrent use on different locations.
type Storage interface {
	Upload(ctx context.Context, r io.Reader, location string, opts UploadOptions) error
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Exists(ctx context.Context, location string) (bool, error)
	Delete(ctx context.Context, location string) error
	URL(ctx context.Context, location string, opts URLOptions) (string, error)
}

// Registry resolves storage keys to backends.
type Registry struct {
	mu       sync.RWMutex
	storages map[string]Storage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{storages: map[string]Storage{}}
}

// Register binds key to s, replacing any previous binding.
func (r *Registry) Register(key string, s Storage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("storage key is required")
	}
	if s == nil {
		return fmt.Errorf("storage %s is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[key] = s
	return nil
}

// Get returns the storage bound to key.
func (r *Registry) Get(key string) (Storage, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrStorageNotFound, key)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storages[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStorageNotFound, key)
	}
	return s, nil
}

// Keys lists registered storage keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.storages))
	for k := range r.storages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Open opens the content of file.
func (r *Registry) Open(ctx context.Context, file models.UploadedFile) (io.ReadCloser, error) {
	s, err := r.Get(file.Storage)
	if err != nil {
		return nil, err
	}
	rc, err := s.Open(ctx, file.ID)
	if err != nil {
		return nil, models.WrapStorage("open", file.Storage, file.ID, err)
	}
	return rc, nil
}

// Exists reports whether file is present in its storage.
func (r *Registry) Exists(ctx context.Context, file models.UploadedFile) (bool, error) {
	s, err := r.Get(file.Storage)
	if err != nil {
		return false, err
	}
	ok, err := s.Exists(ctx, file.ID)
	if err != nil {
		return false, models.WrapStorage("exists", file.Storage, file.ID, err)
	}
	return ok, nil
}

// Delete removes file from its storage.
func (r *Registry) Delete(ctx context.Context, file models.UploadedFile) error {
	s, err := r.Get(file.Storage)
	if err != nil {
		return err
	}
	return models.WrapStorage("delete", file.Storage, file.ID, s.Delete(ctx, file.ID))
}

// URL returns a URL for file.
func (r *Registry) URL(ctx context.Context, file models.UploadedFile, opts URLOptions) (string, error) {
	s, err := r.Get(file.Storage)
	if err != nil {
		return "", err
	}
	u, err := s.URL(ctx, file.ID, opts)
	if err != nil {
		return "", models.WrapStorage("url", file.Storage, file.ID, err)
	}
	return u, nil
}

// Download copies file into a temporary file positioned at its start. The
// caller owns the returned file and should remove it.
func (r *Registry) Download(ctx context.Context, file models.UploadedFile) (*os.File, error) {
	rc, err := r.Open(ctx, file)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	pattern := "attache-*"
	if ext := file.Extension(); ext != "" {
		pattern += "." + ext
	}
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		cleanup()
		return nil, models.WrapStorage("download", file.Storage, file.ID, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, err
	}
	return tmp, nil
}
