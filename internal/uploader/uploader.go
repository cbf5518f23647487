package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"attache/internal/models"
	"attache/internal/storage"
)

// Options controls one upload.
type Options struct {
	// Location is used verbatim when set.
	Location string
	// Metadata overrides extracted metadata on key conflicts.
	Metadata map[string]any
	Context  models.Context
	// Derivative names the derivative being uploaded, for location generation.
	Derivative models.Path
	// RefreshMetadata forces extraction when the source is an UploadedFile.
	RefreshMetadata bool
}

// Uploader uploads sources into one named storage.
type Uploader struct {
	key       string
	storages  *storage.Registry
	location  LocationFunc
	analyzers []Analyzer
	logger    *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLocation replaces the location generator.
func WithLocation(fn LocationFunc) Option {
	return func(u *Uploader) {
		if fn != nil {
			u.location = fn
		}
	}
}

// WithAnalyzers appends metadata analyzers.
func WithAnalyzers(analyzers ...Analyzer) Option {
	return func(u *Uploader) { u.analyzers = append(u.analyzers, analyzers...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// New creates an uploader bound to the storage registered under key.
func New(key string, storages *storage.Registry, opts ...Option) *Uploader {
	u := &Uploader{
		key:      key,
		storages: storages,
		location: DefaultLocation,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "uploader", "storage", key)
	return u
}

// StorageKey returns the key of the bound storage.
func (u *Uploader) StorageKey() string {
	return u.key
}

// Storages returns the registry the uploader resolves storages from.
func (u *Uploader) Storages() *storage.Registry {
	return u.storages
}

// Upload stores source and returns the resulting file. source is either an
// IO or an UploadedFile (whose content is copied). The source is closed
// afterwards.
func (u *Uploader) Upload(ctx context.Context, source any, opts Options) (models.UploadedFile, error) {
	var zero models.UploadedFile
	if u == nil {
		return zero, fmt.Errorf("uploader is not configured")
	}
	backend, err := u.storages.Get(u.key)
	if err != nil {
		closeSource(source)
		return zero, err
	}

	var (
		body     io.Reader
		closer   io.Closer
		metadata map[string]any
		filename string
	)
	switch src := source.(type) {
	case models.UploadedFile:
		body, closer, metadata, filename, err = u.openFile(ctx, src, opts)
	case *models.UploadedFile:
		if src == nil {
			return zero, fmt.Errorf("%w: source is nil", models.ErrInvalidSource)
		}
		body, closer, metadata, filename, err = u.openFile(ctx, *src, opts)
	default:
		var rs IO
		rs, err = CheckIO(source)
		if err != nil {
			closeSource(source)
			return zero, err
		}
		closer = rs
		metadata, err = ExtractMetadata(ctx, rs, u.analyzers...)
		if err == nil {
			err = rewind(rs)
		}
		body = rs
		filename = sourceFilename(rs)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	if err != nil {
		return zero, err
	}

	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	location := strings.TrimSpace(opts.Location)
	if location == "" {
		location = u.location(LocationInput{
			Filename:   filename,
			Metadata:   metadata,
			Context:    opts.Context,
			Derivative: opts.Derivative,
		})
	}
	if strings.TrimSpace(location) == "" {
		return zero, models.ErrLocation
	}

	err = backend.Upload(ctx, body, location, storage.UploadOptions{Metadata: metadata, Context: opts.Context})
	if err != nil {
		return zero, models.WrapStorage("upload", u.key, location, err)
	}
	u.logger.Debug("uploaded file", "location", location, "action", opts.Context.Action)
	return models.UploadedFile{ID: location, Storage: u.key, Metadata: metadata}, nil
}

// openFile prepares an existing UploadedFile as an upload body. Metadata is
// copied unless a refresh is requested, in which case the content is
// downloaded so it can be analyzed.
func (u *Uploader) openFile(ctx context.Context, file models.UploadedFile, opts Options) (io.Reader, io.Closer, map[string]any, string, error) {
	if !opts.RefreshMetadata {
		rc, err := u.storages.Open(ctx, file)
		if err != nil {
			return nil, nil, nil, "", err
		}
		meta := file.WithMetadata(nil).Metadata
		return rc, rc, meta, file.ID, nil
	}

	tmp, err := u.storages.Download(ctx, file)
	if err != nil {
		return nil, nil, nil, "", err
	}
	closer := tempFileCloser{tmp}
	src := WithFilename(tmp, file.Filename(), "")
	meta, err := ExtractMetadata(ctx, src, u.analyzers...)
	if err == nil {
		err = rewind(tmp)
	}
	if err != nil {
		_ = closer.Close()
		return nil, nil, nil, "", err
	}
	return tmp, closer, meta, file.ID, nil
}

// Extract re-extracts metadata for an existing file without uploading it.
func (u *Uploader) Extract(ctx context.Context, file models.UploadedFile) (map[string]any, error) {
	tmp, err := u.storages.Download(ctx, file)
	if err != nil {
		return nil, err
	}
	defer tempFileCloser{tmp}.Close()
	return ExtractMetadata(ctx, WithFilename(tmp, file.Filename(), ""), u.analyzers...)
}

type tempFileCloser struct {
	f *os.File
}

func (t tempFileCloser) Close() error {
	err := t.f.Close()
	_ = os.Remove(t.f.Name())
	return err
}

// closeSource closes a source that is rejected before the upload starts.
func closeSource(source any) {
	if c, ok := source.(io.Closer); ok {
		_ = c.Close()
	}
}
