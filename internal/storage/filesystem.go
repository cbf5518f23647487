package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"attache/internal/models"
)

// FileSystem stores files under a local directory, one file per location.
type FileSystem struct {
	root    string
	prefix  string
	urlHost string
}

// FileSystemOptions configures URL generation.
type FileSystemOptions struct {
	// Prefix is the public path the root directory is served under. Without
	// a prefix URLs are file:// URLs of the absolute path.
	Prefix  string
	URLHost string
}

// ClearResult reports one cleanup run.
type ClearResult struct {
	CandidateCount int   `json:"candidate_count"`
	DeletedCount   int   `json:"deleted_count"`
	FailedCount    int   `json:"failed_count"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	DryRun         bool  `json:"dry_run"`
}

// NewFileSystem creates a filesystem storage rooted at root.
func NewFileSystem(root string, opts FileSystemOptions) (*FileSystem, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("filesystem storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, ".tmp"), 0o755); err != nil {
		return nil, err
	}
	return &FileSystem{
		root:    abs,
		prefix:  strings.Trim(opts.Prefix, "/"),
		urlHost: strings.TrimRight(opts.URLHost, "/"),
	}, nil
}

// Root returns the absolute storage directory.
func (s *FileSystem) Root() string {
	return s.root
}

// Upload streams r into location through a temporary file.
func (s *FileSystem) Upload(ctx context.Context, r io.Reader, location string, _ UploadOptions) error {
	if s == nil {
		return fmt.Errorf("filesystem storage is not configured")
	}
	if r == nil {
		return fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.pathFromLocation(location)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), "upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Open returns a reader for location.
func (s *FileSystem) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.pathFromLocation(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, location)
	}
	return f, err
}

// Exists reports whether location is present.
func (s *FileSystem) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.pathFromLocation(location)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes location. Missing files are ignored.
func (s *FileSystem) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.pathFromLocation(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.pruneEmptyDirs(filepath.Dir(p))
	return nil
}

// URL returns the public URL for location.
func (s *FileSystem) URL(_ context.Context, location string, opts URLOptions) (string, error) {
	p, err := s.pathFromLocation(location)
	if err != nil {
		return "", err
	}
	var out string
	if s.prefix == "" {
		out = (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
	} else {
		host := s.urlHost
		if opts.Host != "" {
			host = strings.TrimRight(opts.Host, "/")
		}
		out = host + "/" + path.Join(s.prefix, location)
	}
	if len(opts.Params) > 0 {
		q := url.Values{}
		for k, v := range opts.Params {
			q.Set(k, v)
		}
		out += "?" + q.Encode()
	}
	return out, nil
}

// Clear deletes files last modified before now-olderThan. With apply false
// it only reports what would be deleted.
func (s *FileSystem) Clear(ctx context.Context, olderThan time.Duration, apply bool) (ClearResult, error) {
	result := ClearResult{DryRun: !apply}
	cutoff := time.Now().Add(-olderThan)
	tmpDir := filepath.Join(s.root, ".tmp")

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		result.CandidateCount++
		if !apply {
			result.ReclaimedBytes += info.Size()
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.FailedCount++
			return nil
		}
		result.DeletedCount++
		result.ReclaimedBytes += info.Size()
		s.pruneEmptyDirs(filepath.Dir(p))
		return nil
	})
	return result, err
}

func (s *FileSystem) pruneEmptyDirs(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *FileSystem) pathFromLocation(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	if strings.HasPrefix(location, "/") {
		return "", fmt.Errorf("location must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(location))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid location")
	}
	if clean == ".tmp" || strings.HasPrefix(clean, ".tmp"+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid location")
	}
	return filepath.Join(s.root, clean), nil
}
