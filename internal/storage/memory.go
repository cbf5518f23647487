package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"attache/internal/models"
)

// Memory keeps file contents in process memory.
type Memory struct {
	mu    sync.RWMutex
	name  string
	files map[string][]byte
}

// NewMemory creates an empty in-memory storage. name is used in URLs.
func NewMemory(name string) *Memory {
	return &Memory{name: name, files: map[string][]byte{}}
}

func (m *Memory) Upload(ctx context.Context, r io.Reader, location string, _ UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if location == "" {
		return fmt.Errorf("location is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[location] = data
	return nil
}

func (m *Memory) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[location]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, location)
	return nil
}

func (m *Memory) URL(_ context.Context, location string, _ URLOptions) (string, error) {
	return "memory://" + m.name + "/" + location, nil
}

// Locations lists stored locations in sorted order.
func (m *Memory) Locations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
