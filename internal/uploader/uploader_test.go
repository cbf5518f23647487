package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"attache/internal/models"
	"attache/internal/storage"
)

type closeTracker struct {
	IO
	closed bool
}

func (c *closeTracker) Filename() string { return sourceFilename(c.IO) }

func (c *closeTracker) Close() error {
	c.closed = true
	return c.IO.Close()
}

func newTestUploader(t *testing.T, opts ...Option) (*Uploader, *storage.Memory) {
	t.Helper()
	reg := storage.NewRegistry()
	mem := storage.NewMemory("cache")
	if err := reg.Register("cache", mem); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New("cache", reg, opts...), mem
}

func TestUploadExtractsMetadataAndKeepsExtension(t *testing.T) {
	u, mem := newTestUploader(t)
	src := &closeTracker{IO: NewBytes([]byte("hello world"), "Greeting.TXT", "")}

	file, err := u.Upload(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.Storage != "cache" {
		t.Fatalf("expected cache storage, got %q", file.Storage)
	}
	if !strings.HasSuffix(file.ID, ".txt") || len(file.ID) != 32+len(".txt") {
		t.Fatalf("unexpected location %q", file.ID)
	}
	if file.Filename() != "Greeting.TXT" {
		t.Fatalf("unexpected filename %q", file.Filename())
	}
	if file.Size() != 11 {
		t.Fatalf("expected size 11, got %d", file.Size())
	}
	if file.MimeType() != "text/plain" {
		t.Fatalf("expected sniffed text/plain, got %q", file.MimeType())
	}
	if !src.closed {
		t.Fatal("expected source to be closed")
	}
	if ok, _ := mem.Exists(context.Background(), file.ID); !ok {
		t.Fatal("expected uploaded content in storage")
	}
}

func TestUploadUsesExplicitLocationAndMetadataOverrides(t *testing.T) {
	u, _ := newTestUploader(t)
	file, err := u.Upload(context.Background(), NewBytes([]byte("x"), "a.bin", "image/png"), Options{
		Location: "fixed/place.bin",
		Metadata: map[string]any{"filename": "renamed.bin", "custom": "yes"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.ID != "fixed/place.bin" {
		t.Fatalf("expected explicit location, got %q", file.ID)
	}
	if file.Filename() != "renamed.bin" || file.Metadata["custom"] != "yes" {
		t.Fatalf("expected overrides to win, got %#v", file.Metadata)
	}
	if file.MimeType() != "image/png" {
		t.Fatalf("expected declared mime type, got %q", file.MimeType())
	}
}

func TestUploadRejectsInvalidSources(t *testing.T) {
	u, _ := newTestUploader(t)
	tests := []struct {
		name   string
		source any
	}{
		{name: "nil", source: nil},
		{name: "plain reader", source: strings.NewReader("x")},
		{name: "string", source: "not a file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := u.Upload(context.Background(), tc.source, Options{})
			if !errors.Is(err, models.ErrInvalidSource) {
				t.Fatalf("expected ErrInvalidSource, got %v", err)
			}
		})
	}
}

// unsizedSource can be read and closed but neither sized nor sought.
type unsizedSource struct {
	io.Reader
	closed bool
}

func (u *unsizedSource) Seek(int64, int) (int64, error) { return 0, errors.New("not seekable") }

func (u *unsizedSource) Close() error {
	u.closed = true
	return nil
}

func TestUploadClosesRejectedSources(t *testing.T) {
	u, _ := newTestUploader(t)
	unsized := &unsizedSource{Reader: strings.NewReader("x")}
	if _, err := u.Upload(context.Background(), unsized, Options{}); !errors.Is(err, models.ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if !unsized.closed {
		t.Fatal("unsized source must be closed")
	}

	missing := New("nowhere", storage.NewRegistry())
	src := &closeTracker{IO: NewBytes([]byte("x"), "a.txt", "")}
	if _, err := missing.Upload(context.Background(), src, Options{}); !errors.Is(err, models.ErrStorageNotFound) {
		t.Fatalf("expected ErrStorageNotFound, got %v", err)
	}
	if !src.closed {
		t.Fatal("source must be closed when the storage is missing")
	}
}

func TestUploadFailsOnEmptyLocation(t *testing.T) {
	u, _ := newTestUploader(t, WithLocation(func(LocationInput) string { return "  " }))
	_, err := u.Upload(context.Background(), NewBytes([]byte("x"), "a.txt", ""), Options{})
	if !errors.Is(err, models.ErrLocation) {
		t.Fatalf("expected ErrLocation, got %v", err)
	}
}

func TestUploadCopiesUploadedFile(t *testing.T) {
	reg := storage.NewRegistry()
	cache := storage.NewMemory("cache")
	store := storage.NewMemory("store")
	_ = reg.Register("cache", cache)
	_ = reg.Register("store", store)

	cached, err := New("cache", reg).Upload(context.Background(), NewBytes([]byte("data"), "photo.jpg", "image/jpeg"), Options{})
	if err != nil {
		t.Fatalf("cache upload: %v", err)
	}
	cached = cached.WithMetadata(map[string]any{"note": "kept"})

	stored, err := New("store", reg).Upload(context.Background(), cached, Options{})
	if err != nil {
		t.Fatalf("store upload: %v", err)
	}
	if stored.Storage != "store" || !strings.HasSuffix(stored.ID, ".jpg") {
		t.Fatalf("unexpected stored file %#v", stored)
	}
	if stored.Metadata["note"] != "kept" || stored.MimeType() != "image/jpeg" {
		t.Fatalf("expected metadata to be copied verbatim, got %#v", stored.Metadata)
	}

	refreshed, err := New("store", reg).Upload(context.Background(), cached, Options{RefreshMetadata: true})
	if err != nil {
		t.Fatalf("refresh upload: %v", err)
	}
	if _, ok := refreshed.Metadata["note"]; ok {
		t.Fatalf("expected re-extracted metadata, got %#v", refreshed.Metadata)
	}
	if refreshed.Size() != 4 {
		t.Fatalf("expected size 4, got %d", refreshed.Size())
	}
}

func TestUploadFromOSFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	u, _ := newTestUploader(t)
	file, err := u.Upload(context.Background(), f, Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.Filename() != "report.pdf" || file.MimeType() != "application/pdf" {
		t.Fatalf("unexpected metadata %#v", file.Metadata)
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		t.Fatal("expected file to be closed after upload")
	}
}

func TestSignatureAnalyzers(t *testing.T) {
	for _, algorithm := range []string{"sha256", "blake2b"} {
		analyzer, err := Signature(algorithm)
		if err != nil {
			t.Fatalf("signature %s: %v", algorithm, err)
		}
		u, _ := newTestUploader(t, WithAnalyzers(analyzer))
		file, err := u.Upload(context.Background(), NewBytes([]byte("abc"), "a.txt", ""), Options{})
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		digest, _ := file.Metadata[algorithm].(string)
		if len(digest) != 64 {
			t.Fatalf("expected 64 hex chars for %s, got %q", algorithm, digest)
		}
	}
	if got := mustSHA256(t); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected sha256 %s", got)
	}
	if _, err := Signature("md4"); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
}

func mustSHA256(t *testing.T) string {
	t.Helper()
	analyzer, _ := Signature("sha256")
	meta, err := analyzer(context.Background(), NewBytes([]byte("abc"), "", ""))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return meta["sha256"].(string)
}

func TestPrettyLocation(t *testing.T) {
	got := PrettyLocation(LocationInput{
		Filename:   "a.PNG",
		Context:    models.Context{Record: models.RecordRef{Type: "Photo", ID: "ph-1a2b"}, Name: "image"},
		Derivative: models.Path{"thumb", "small"},
	})
	if !strings.HasPrefix(got, "photo/ph-1a2b/image/thumb-small-") || !strings.HasSuffix(got, ".png") {
		t.Fatalf("unexpected pretty location %q", got)
	}
	if got := DefaultLocation(LocationInput{Filename: "noext"}); len(got) != 32 {
		t.Fatalf("unexpected default location %q", got)
	}
}
