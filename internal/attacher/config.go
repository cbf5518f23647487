package attacher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"attache/internal/models"
	"attache/internal/storage"
	"attache/internal/uploader"
)

const defaultDerivativesConcurrency = 4

// Outputs is the raw result of a derivation processor, shaped like a
// derivative tree: leaves are uploader.IO values, inner nodes are
// map[string]any or []any.
type Outputs map[string]any

// Processor turns a source file into named outputs.
type Processor func(ctx context.Context, source *os.File, args ...any) (Outputs, error)

// Validator inspects an attacher and returns human-readable errors.
type Validator func(a *Attacher) []string

// Background holds the callbacks that defer promotion and destruction to
// asynchronous workers. Nil callbacks run the operation inline.
type Background struct {
	Promote func(ctx context.Context, job Job) error
	Destroy func(ctx context.Context, job Job) error
}

// DefaultURLFunc computes a URL when nothing is attached at the requested
// path.
type DefaultURLFunc func(a *Attacher, path models.Path) string

// Config describes one attachment: where its files live and which
// strategies it is composed of.
type Config struct {
	// Name is the attachment name, e.g. "image".
	Name string
	// Column is the record attribute holding serialized data. Defaults to
	// Name + "_data".
	Column string
	// Cache and Store are storage keys.
	Cache string
	Store string

	Location   uploader.LocationFunc
	Analyzers  []uploader.Analyzer
	Validators []Validator
	Processors map[string]Processor
	Background *Background
	DefaultURL DefaultURLFunc

	// DerivativesStorage is where derivatives are uploaded. Defaults to Store.
	DerivativesStorage string
	// DerivativesConcurrency bounds parallel derivative uploads.
	DerivativesConcurrency int
}

// ColumnName returns the record attribute for this attachment.
func (c Config) ColumnName() string {
	if strings.TrimSpace(c.Column) != "" {
		return c.Column
	}
	return c.Name + "_data"
}

func (c Config) derivativesStorage() string {
	if c.DerivativesStorage != "" {
		return c.DerivativesStorage
	}
	return c.Store
}

func (c Config) derivativesConcurrency() int {
	if c.DerivativesConcurrency > 0 {
		return c.DerivativesConcurrency
	}
	return defaultDerivativesConcurrency
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("attachment name is required")
	}
	if strings.TrimSpace(c.Cache) == "" {
		return fmt.Errorf("attachment %s: cache storage is required", c.Name)
	}
	if strings.TrimSpace(c.Store) == "" {
		return fmt.Errorf("attachment %s: store storage is required", c.Name)
	}
	return nil
}

// Registry holds attachment configurations by name, together with the
// storages and persistence they share. Background workers use it to rebuild
// attachers from job payloads.
type Registry struct {
	mu          sync.RWMutex
	configs     map[string]Config
	storages    *storage.Registry
	persistence Persistence
	logger      *slog.Logger
}

// NewRegistry creates a registry. persistence may be nil.
func NewRegistry(storages *storage.Registry, persistence Persistence, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		configs:     map[string]Config{},
		storages:    storages,
		persistence: persistence,
		logger:      logger,
	}
}

// Register adds or replaces a configuration.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Name] = cfg
	return nil
}

// Config returns the configuration registered under name.
func (r *Registry) Config(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown attachment: %s", name)
	}
	return cfg, nil
}

// Names lists registered attachment names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.configs))
	for name := range r.configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Storages returns the shared storage registry.
func (r *Registry) Storages() *storage.Registry {
	return r.storages
}

// Persistence returns the shared persistence adapter, if any.
func (r *Registry) Persistence() Persistence {
	return r.persistence
}

// New builds a standalone attacher for the named attachment.
func (r *Registry) New(name string, opts ...Option) (*Attacher, error) {
	cfg, err := r.Config(name)
	if err != nil {
		return nil, err
	}
	return New(cfg, r.storages, r.defaults(opts)...)
}

// ForRecord builds an attacher for the named attachment loaded from record.
func (r *Registry) ForRecord(name string, record models.Record, opts ...Option) (*Attacher, error) {
	cfg, err := r.Config(name)
	if err != nil {
		return nil, err
	}
	return FromRecord(record, cfg, r.storages, r.defaults(opts)...)
}

// Retrieve loads the record by reference and verifies its attachment still
// matches expected.
func (r *Registry) Retrieve(ctx context.Context, name string, ref models.RecordRef, expected models.FileRef, opts ...Option) (*Attacher, error) {
	if r.persistence == nil {
		return nil, fmt.Errorf("persistence is not configured")
	}
	cfg, err := r.Config(name)
	if err != nil {
		return nil, err
	}
	record, err := r.persistence.Find(ctx, ref)
	if err != nil {
		if isRecordNotFound(err) {
			return nil, fmt.Errorf("%w: %w", models.ErrAttachmentChanged, err)
		}
		return nil, err
	}
	return Retrieve(record, cfg, r.storages, expected, r.defaults(opts)...)
}

func (r *Registry) defaults(opts []Option) []Option {
	base := []Option{WithLogger(r.logger)}
	if r.persistence != nil {
		base = append(base, WithPersistence(r.persistence))
	}
	return append(base, opts...)
}
