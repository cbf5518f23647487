package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"attache/internal/models"
)

func TestRegistryResolvesStorages(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("cache", NewMemory("cache")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(" ", NewMemory("x")); err == nil {
		t.Fatal("expected blank key to be rejected")
	}

	if _, err := reg.Get("store"); !errors.Is(err, models.ErrStorageNotFound) {
		t.Fatalf("expected ErrStorageNotFound, got %v", err)
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0] != "cache" {
		t.Fatalf("unexpected keys %v", keys)
	}

	file := models.NewUploadedFile("store", "a.txt", nil)
	if _, err := reg.Exists(context.Background(), file); !errors.Is(err, models.ErrStorageNotFound) {
		t.Fatalf("expected unresolvable storage error, got %v", err)
	}
}

func TestRegistryDownload(t *testing.T) {
	reg := NewRegistry()
	mem := NewMemory("store")
	_ = reg.Register("store", mem)
	ctx := context.Background()
	if err := mem.Upload(ctx, strings.NewReader("payload"), "x/y.png", UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	tmp, err := reg.Download(ctx, models.NewUploadedFile("store", "x/y.png", nil))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if !strings.HasSuffix(tmp.Name(), ".png") {
		t.Fatalf("expected extension to be kept, got %s", tmp.Name())
	}
	data, _ := io.ReadAll(tmp)
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", string(data))
	}

	_, err = reg.Download(ctx, models.NewUploadedFile("store", "missing", nil))
	var se *models.StorageError
	if !errors.As(err, &se) || !errors.Is(err, models.ErrFileNotFound) {
		t.Fatalf("expected wrapped not-found storage error, got %v", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	mem := NewMemory("cache")
	ctx := context.Background()
	if err := mem.Upload(ctx, strings.NewReader("a"), "one", UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ok, _ := mem.Exists(ctx, "one"); !ok {
		t.Fatal("expected file to exist")
	}
	u, _ := mem.URL(ctx, "one", URLOptions{})
	if u != "memory://cache/one" {
		t.Fatalf("unexpected url %q", u)
	}
	if err := mem.Delete(ctx, "one"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(mem.Locations()) != 0 {
		t.Fatalf("expected no locations, got %v", mem.Locations())
	}
}
