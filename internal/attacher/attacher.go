package attacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"attache/internal/models"
	"attache/internal/storage"
	"attache/internal/uploader"
)

// Attacher manages the attachment state of one record attribute: the
// current file (cached, stored or none), its derivatives, and the
// transitions between them.
type Attacher struct {
	cfg         Config
	storages    *storage.Registry
	cache       *uploader.Uploader
	store       *uploader.Uploader
	record      models.Record
	persistence Persistence
	logger      *slog.Logger

	mu          sync.Mutex
	file        *models.UploadedFile
	derivatives models.DerivativeMap
	previous    *models.Data
	errors      []string
}

// Option configures an Attacher.
type Option func(*Attacher)

// WithRecord binds the attacher to record. Every state change is written to
// the record's attachment column.
func WithRecord(record models.Record) Option {
	return func(a *Attacher) { a.record = record }
}

// WithPersistence sets the adapter used by the atomic helpers.
func WithPersistence(p Persistence) Option {
	return func(a *Attacher) { a.persistence = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Attacher) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an empty attacher for cfg.
func New(cfg Config, storages *storage.Registry, opts ...Option) (*Attacher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storages == nil {
		return nil, fmt.Errorf("storage registry is required")
	}
	a := &Attacher{
		cfg:         cfg,
		storages:    storages,
		logger:      slog.Default(),
		derivatives: models.DerivativeMap{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "attacher", "attachment", cfg.Name)
	a.cache = a.uploader(cfg.Cache)
	a.store = a.uploader(cfg.Store)
	return a, nil
}

// FromRecord creates an attacher bound to record and loads its current
// column value.
func FromRecord(record models.Record, cfg Config, storages *storage.Registry, opts ...Option) (*Attacher, error) {
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	a, err := New(cfg, storages, append(opts, WithRecord(record))...)
	if err != nil {
		return nil, err
	}
	if err := a.LoadRecord(record); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Attacher) uploader(key string) *uploader.Uploader {
	location := a.cfg.Location
	if location == nil {
		location = uploader.DefaultLocation
	}
	return uploader.New(key, a.storages,
		uploader.WithLocation(location),
		uploader.WithAnalyzers(a.cfg.Analyzers...),
		uploader.WithLogger(a.logger),
	)
}

// LoadRecord replaces the in-memory state with record's column value without
// writing anything back.
func (a *Attacher) LoadRecord(record models.Record) error {
	data, err := models.ParseData(record.Attribute(a.cfg.ColumnName()))
	if err != nil {
		return fmt.Errorf("load %s: %w", a.cfg.ColumnName(), err)
	}
	a.record = record
	a.LoadData(data)
	return nil
}

// LoadData replaces the in-memory state without writing to the record.
func (a *Attacher) LoadData(data models.Data) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.file = data.File
	a.derivatives = data.Derivatives
	if a.derivatives == nil {
		a.derivatives = models.DerivativeMap{}
	}
}

// Config returns the attachment configuration.
func (a *Attacher) Config() Config { return a.cfg }

// Name returns the attachment name.
func (a *Attacher) Name() string { return a.cfg.Name }

// Record returns the bound record, if any.
func (a *Attacher) Record() models.Record { return a.record }

// Storages returns the storage registry.
func (a *Attacher) Storages() *storage.Registry { return a.storages }

// File returns a copy of the current file, or nil.
func (a *Attacher) File() *models.UploadedFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyFile(a.file)
}

// Data returns the current state.
func (a *Attacher) Data() models.Data {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataLocked()
}

func (a *Attacher) dataLocked() models.Data {
	data := models.Data{File: copyFile(a.file)}
	if len(a.derivatives) > 0 {
		data.Derivatives = a.derivatives
	}
	return data
}

// Column returns the serialized state as stored in the record column.
func (a *Attacher) Column() ([]byte, error) {
	return a.Data().Column()
}

// Attached reports whether a file is present.
func (a *Attacher) Attached() bool {
	return a.File() != nil
}

// Cached reports whether the current file lives in cache storage.
func (a *Attacher) Cached() bool {
	file := a.File()
	return file != nil && file.Storage == a.cfg.Cache
}

// Stored reports whether the current file lives in store storage.
func (a *Attacher) Stored() bool {
	file := a.File()
	return file != nil && file.Storage == a.cfg.Store
}

// Changed reports whether the file was replaced since the attacher was
// loaded or last finalized.
func (a *Attacher) Changed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.previous != nil
}

// Errors returns validation errors from the last assignment.
func (a *Attacher) Errors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.errors...)
}

// Context returns the storage context for action.
func (a *Attacher) Context(action models.Action) models.Context {
	ctx := models.Context{Name: a.cfg.Name, Action: action}
	if a.record != nil {
		ctx.Record = a.record.Ref()
	}
	return ctx
}

// Assign accepts either raw IO, which is uploaded to cache storage, or a
// serialized descriptor of an already cached file (JSON string, []byte,
// map, or UploadedFile). A nil input removes the attachment; an empty
// string is ignored. Validation errors are collected, not returned.
func (a *Attacher) Assign(ctx context.Context, input any) (*models.UploadedFile, error) {
	var file *models.UploadedFile
	switch v := input.(type) {
	case nil:
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		cached, err := a.cachedFromJSON([]byte(v))
		if err != nil {
			return nil, err
		}
		file = cached
	case []byte:
		if len(strings.TrimSpace(string(v))) == 0 {
			return nil, nil
		}
		cached, err := a.cachedFromJSON(v)
		if err != nil {
			return nil, err
		}
		file = cached
	case map[string]any:
		parsed, err := models.ParseUploadedFile(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrAttachmentInvalid, err)
		}
		cached, err := a.trustCached(parsed)
		if err != nil {
			return nil, err
		}
		file = cached
	case models.UploadedFile:
		cached, err := a.trustCached(v)
		if err != nil {
			return nil, err
		}
		file = cached
	case *models.UploadedFile:
		if v != nil {
			cached, err := a.trustCached(*v)
			if err != nil {
				return nil, err
			}
			file = cached
		}
	default:
		uploaded, err := a.cache.Upload(ctx, input, uploader.Options{Context: a.Context(models.ActionCache)})
		if err != nil {
			return nil, err
		}
		file = &uploaded
	}

	if err := a.Change(file); err != nil {
		return nil, err
	}
	return copyFile(file), nil
}

// Attach uploads src straight to store storage and makes it the current
// file.
func (a *Attacher) Attach(ctx context.Context, src uploader.IO, opts uploader.Options) (*models.UploadedFile, error) {
	opts.Context = a.Context(models.ActionStore)
	uploaded, err := a.store.Upload(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	if err := a.Change(&uploaded); err != nil {
		return nil, err
	}
	return &uploaded, nil
}

func (a *Attacher) cachedFromJSON(data []byte) (*models.UploadedFile, error) {
	parsed, err := models.ParseUploadedFileJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAttachmentInvalid, err)
	}
	return a.trustCached(parsed)
}

// trustCached only accepts descriptors pointing into cache storage, so a
// client cannot attach arbitrary stored files.
func (a *Attacher) trustCached(file models.UploadedFile) (*models.UploadedFile, error) {
	if file.Storage != a.cfg.Cache {
		return nil, fmt.Errorf("%w: storage %q is not %q", models.ErrAttachmentInvalid, file.Storage, a.cfg.Cache)
	}
	if _, err := a.storages.Get(file.Storage); err != nil {
		return nil, err
	}
	return &file, nil
}

// Change replaces the current file, remembers the replaced state for
// DestroyPrevious, clears derivatives and runs validation.
func (a *Attacher) Change(file *models.UploadedFile) error {
	a.mu.Lock()
	if !models.SameFile(a.file, file) {
		if a.previous == nil {
			prev := a.dataLocked()
			a.previous = &prev
		}
		a.derivatives = models.DerivativeMap{}
	}
	a.file = copyFile(file)
	err := a.writeLocked()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.Validate()
	return nil
}

// Set replaces the current file without validation or change tracking and
// writes the new state to the record.
func (a *Attacher) Set(file *models.UploadedFile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.file = copyFile(file)
	return a.writeLocked()
}

// writeLocked writes the serialized state to the bound record.
func (a *Attacher) writeLocked() error {
	if a.record == nil {
		return nil
	}
	column, err := a.dataLocked().Column()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", a.cfg.ColumnName(), err)
	}
	a.record.SetAttribute(a.cfg.ColumnName(), column)
	return nil
}

// Promote uploads the current file and its cached derivatives to store
// storage. If the current file was replaced while uploading, the new copies
// are deleted and nil is returned.
func (a *Attacher) Promote(ctx context.Context) (*models.UploadedFile, error) {
	p, err := a.promote(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return copyFile(&p.stored), nil
}

// promotion records what a successful promote swapped in, so it can be
// reverted when the promoted state cannot be persisted.
type promotion struct {
	cached models.UploadedFile
	stored models.UploadedFile
	// derivatives maps each stored derivative copy to the cached leaf it
	// replaced.
	derivatives map[models.FileRef]models.UploadedFile
}

func (a *Attacher) promote(ctx context.Context) (*promotion, error) {
	a.mu.Lock()
	original := copyFile(a.file)
	snapshot := a.derivatives
	a.mu.Unlock()
	if original == nil {
		return nil, nil
	}

	uploadCtx := a.Context(models.ActionStore)
	stored, err := a.store.Upload(ctx, *original, uploader.Options{Context: uploadCtx})
	if err != nil {
		return nil, err
	}

	// cached ref -> stored copy
	uploads := map[models.FileRef]models.UploadedFile{}
	for path, file := range snapshot.All() {
		if file.Storage != a.cfg.Cache {
			continue
		}
		if _, done := uploads[file.Ref()]; done {
			continue
		}
		out, err := a.store.Upload(ctx, file, uploader.Options{Context: uploadCtx, Derivative: path})
		if err != nil {
			a.cleanup(ctx, append(storedCopies(uploads), stored))
			return nil, err
		}
		uploads[file.Ref()] = out
	}

	a.mu.Lock()
	if !models.SameFile(a.file, original) {
		a.mu.Unlock()
		a.logger.Debug("attachment changed during promotion", "file", original.Ref().String())
		a.cleanup(ctx, append(storedCopies(uploads), stored))
		return nil, nil
	}
	// Rebuild from the live tree so derivatives added during the uploads
	// are kept.
	p := &promotion{cached: *original, stored: stored, derivatives: map[models.FileRef]models.UploadedFile{}}
	merged, err := models.MapFiles(a.derivatives, func(_ models.Path, file models.UploadedFile) (models.UploadedFile, error) {
		out, ok := uploads[file.Ref()]
		if !ok {
			return file, nil
		}
		p.derivatives[out.Ref()] = file
		return out, nil
	})
	if err == nil {
		a.file = &stored
		a.derivatives = merged.(models.DerivativeMap)
		err = a.writeLocked()
	}
	a.mu.Unlock()

	var unused []models.UploadedFile
	for _, out := range uploads {
		if _, ok := p.derivatives[out.Ref()]; !ok {
			unused = append(unused, out)
		}
	}
	if err != nil {
		a.cleanup(ctx, append(storedCopies(uploads), stored))
		return nil, err
	}
	a.cleanup(ctx, unused)
	a.logger.Debug("promoted attachment", "from", original.Ref().String(), "to", stored.Ref().String())
	return p, nil
}

// revert undoes p after the promoted state failed to persist. State from
// before is restored with the cached files referenced again, and every copy
// the promotion or the atomic block created is deleted.
func (a *Attacher) revert(ctx context.Context, p *promotion, before models.Data) {
	a.mu.Lock()
	current := a.dataLocked()
	if models.SameFile(a.file, &p.stored) {
		a.file = copyFile(&p.cached)
		restored, err := models.MapFiles(before.Derivatives, func(_ models.Path, file models.UploadedFile) (models.UploadedFile, error) {
			if cached, ok := p.derivatives[file.Ref()]; ok {
				return cached, nil
			}
			return file, nil
		})
		if err == nil {
			a.derivatives = restored.(models.DerivativeMap)
		}
	}
	if err := a.writeLocked(); err != nil {
		a.logger.Warn("failed to restore attachment", "error", err)
	}
	state := a.dataLocked()
	a.mu.Unlock()

	referenced := map[models.FileRef]bool{}
	if state.File != nil {
		referenced[state.File.Ref()] = true
	}
	for _, file := range state.Derivatives.All() {
		referenced[file.Ref()] = true
	}
	known := map[models.FileRef]bool{}
	for _, file := range before.Derivatives.All() {
		known[file.Ref()] = true
	}

	var orphans []models.UploadedFile
	add := func(file models.UploadedFile) {
		if referenced[file.Ref()] {
			return
		}
		referenced[file.Ref()] = true
		orphans = append(orphans, file)
	}
	add(p.stored)
	for _, file := range before.Derivatives.All() {
		if _, ok := p.derivatives[file.Ref()]; ok {
			add(file)
		}
	}
	for _, file := range current.Derivatives.All() {
		if !known[file.Ref()] {
			add(file)
		}
	}
	a.cleanup(ctx, orphans)
	a.logger.Info("reverted promotion", "record", a.recordRef(), "file", p.cached.Ref().String(), "deleted", len(orphans))
}

func storedCopies(uploads map[models.FileRef]models.UploadedFile) []models.UploadedFile {
	out := make([]models.UploadedFile, 0, len(uploads))
	for _, file := range uploads {
		out = append(out, file)
	}
	return out
}

// cleanup deletes files the caller no longer references. Failures are
// logged only.
func (a *Attacher) cleanup(ctx context.Context, files []models.UploadedFile) {
	for _, file := range files {
		if err := a.storages.Delete(ctx, file); err != nil {
			a.logger.Warn("failed to delete abandoned file", "file", file.Ref().String(), "error", err)
		}
	}
}

// Destroy deletes the current file and every derivative. All deletions are
// attempted; failures are joined.
func (a *Attacher) Destroy(ctx context.Context) error {
	return a.destroyData(ctx, a.Data())
}

func (a *Attacher) destroyData(ctx context.Context, data models.Data) error {
	var errs []error
	if data.File != nil {
		if err := a.storages.Delete(ctx, *data.File); err != nil {
			errs = append(errs, err)
		}
	}
	for _, file := range data.Derivatives.All() {
		if err := a.storages.Delete(ctx, file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DestroyPrevious deletes the stored file replaced by the last change, along
// with its derivatives. Cached previous files are left to cache cleanup.
func (a *Attacher) DestroyPrevious(ctx context.Context) error {
	a.mu.Lock()
	prev := a.previous
	a.mu.Unlock()
	if prev == nil || prev.File == nil || prev.File.Storage == a.cfg.Cache {
		return nil
	}
	return a.destroyData(ctx, *prev)
}

// URL returns the URL of the current file, or of the derivative at path. It
// returns "" when nothing is attached there and no default URL is
// configured.
func (a *Attacher) URL(ctx context.Context, opts storage.URLOptions, path ...string) (string, error) {
	var file *models.UploadedFile
	if len(path) == 0 {
		file = a.File()
	} else if derivative, ok := a.Derivative(path...); ok {
		file = &derivative
	}
	if file == nil {
		if a.cfg.DefaultURL != nil {
			return a.cfg.DefaultURL(a, models.Path(path)), nil
		}
		return "", nil
	}
	return a.storages.URL(ctx, *file, opts)
}

// RefreshMetadata re-extracts metadata of the current file. Identity is
// unchanged.
func (a *Attacher) RefreshMetadata(ctx context.Context) error {
	file := a.File()
	if file == nil {
		return nil
	}
	u := a.store
	if file.Storage == a.cfg.Cache {
		u = a.cache
	}
	meta, err := u.Extract(ctx, *file)
	if err != nil {
		return err
	}
	refreshed := file.WithMetadata(meta)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !models.SameFile(a.file, file) {
		return nil
	}
	a.file = &refreshed
	return a.writeLocked()
}

// MarshalJSON renders the current column value.
func (a *Attacher) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Data())
}

func copyFile(file *models.UploadedFile) *models.UploadedFile {
	if file == nil {
		return nil
	}
	out := *file
	return &out
}
