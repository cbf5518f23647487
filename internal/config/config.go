package config

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDBFileName   = ".attache.db"
	DefaultRoot         = ".attache"
	DefaultLogLevel     = "info"
	DefaultAttachment   = "file"
	DefaultCacheStorage = "cache"
	DefaultStoreStorage = "store"

	DefaultQueueBackend        = QueueInline
	DefaultQueueWorkers        = 2
	DefaultQueuePollInterval   = "1s"
	DefaultQueueRedisKey       = "attache:jobs"
	DefaultDerivativesParallel = 4

	configFileName           = ".attache.toml"
	configDirEnvKey          = "ATTACHE_CONFIG_DIR"
	trustProjectConfigEnvKey = "ATTACHE_TRUST_PROJECT_CONFIG"
	dbPathEnvKey             = "ATTACHE_DB"
	logLevelEnvKey           = "ATTACHE_LOG_LEVEL"
	queueBackendEnvKey       = "ATTACHE_QUEUE_BACKEND"
)

// Storage backends.
const (
	BackendFileSystem = "filesystem"
	BackendMemory     = "memory"
	BackendRedis      = "redis"
)

// Queue backends.
const (
	QueueInline = "inline"
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
)

// Location strategies.
const (
	LocationDefault = "default"
	LocationPretty  = "pretty"
)

// StorageConfig defines one named storage.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	Directory string `toml:"directory"`
	Prefix    string `toml:"prefix"`
	URLHost   string `toml:"url_host"`
	RedisAddr string `toml:"redis_addr"`
	RedisTTL  string `toml:"redis_ttl"`
}

// AttachmentConfig defines one named attachment.
type AttachmentConfig struct {
	Cache                  string   `toml:"cache"`
	Store                  string   `toml:"store"`
	Location               string   `toml:"location"`
	MaxSize                int64    `toml:"max_size"`
	AllowedMediaTypes      []string `toml:"allowed_media_types"`
	Background             bool     `toml:"background"`
	Signature              string   `toml:"signature"`
	DerivativesConcurrency int      `toml:"derivatives_concurrency"`
}

// QueueConfig defines the background job queue.
type QueueConfig struct {
	Backend      string `toml:"backend"`
	RedisAddr    string `toml:"redis_addr"`
	RedisKey     string `toml:"redis_key"`
	Workers      int    `toml:"workers"`
	PollInterval string `toml:"poll_interval"`
}

// Config defines runtime configuration for attache.
type Config struct {
	DBPath                   string                      `toml:"db_path"`
	LogLevel                 string                      `toml:"log_level"`
	Root                     string                      `toml:"root"`
	Storages                 map[string]StorageConfig    `toml:"storages"`
	Attachments              map[string]AttachmentConfig `toml:"attachments"`
	Queue                    QueueConfig                 `toml:"queue"`
	TrustedProjectConfigPath string                      `toml:"-"`
}

// Default returns default configuration values. Storages and attachments
// are filled in by Load when none are configured.
func Default() Config {
	return Config{
		DBPath:   "",
		LogLevel: DefaultLogLevel,
		Root:     DefaultRoot,
		Queue: QueueConfig{
			Backend:      DefaultQueueBackend,
			RedisKey:     DefaultQueueRedisKey,
			Workers:      DefaultQueueWorkers,
			PollInterval: DefaultQueuePollInterval,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"db_path",
	"log_level",
	"root",
	"queue.backend",
	"queue.redis_addr",
	"queue.redis_key",
	"queue.workers",
	"queue.poll_interval",
}

var storageFields = []string{"backend", "directory", "prefix", "url_host", "redis_addr", "redis_ttl"}

var attachmentFields = []string{"cache", "store", "location", "max_size", "allowed_media_types", "background", "signature", "derivatives_concurrency"}

// AllowedKeys returns the static config keys. Per-storage and per-attachment
// keys take the form storages.<key>.<field> and attachments.<name>.<field>.
func AllowedKeys() []string {
	return allowedKeys
}

// Keys lists every key Get accepts for c: the static keys followed by the
// fields of each configured storage and attachment, sorted by name.
func (c *Config) Keys() []string {
	keys := append([]string(nil), allowedKeys...)
	for _, name := range sortedKeys(c.Storages) {
		for _, field := range storageFields {
			keys = append(keys, "storages."+name+"."+field)
		}
	}
	for _, name := range c.AttachmentNames() {
		for _, field := range attachmentFields {
			keys = append(keys, "attachments."+name+"."+field)
		}
	}
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	section, name, field, ok := splitNamedKey(key)
	if !ok || name == "" {
		return false
	}
	switch section {
	case "storages":
		return contains(storageFields, field)
	case "attachments":
		return contains(attachmentFields, field)
	}
	return false
}

func splitNamedKey(key string) (section, name, field string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "root":
		return c.Root, nil
	case "queue.backend":
		return c.Queue.Backend, nil
	case "queue.redis_addr":
		return c.Queue.RedisAddr, nil
	case "queue.redis_key":
		return c.Queue.RedisKey, nil
	case "queue.workers":
		return strconv.Itoa(c.Queue.Workers), nil
	case "queue.poll_interval":
		return c.Queue.PollInterval, nil
	}

	section, name, field, ok := splitNamedKey(key)
	if !ok || !IsAllowedKey(key) {
		return "", fmt.Errorf("unknown key: %s", key)
	}
	switch section {
	case "storages":
		s, ok := c.Storages[name]
		if !ok {
			return "", fmt.Errorf("unknown storage: %s", name)
		}
		return map[string]string{
			"backend":    s.Backend,
			"directory":  s.Directory,
			"prefix":     s.Prefix,
			"url_host":   s.URLHost,
			"redis_addr": s.RedisAddr,
			"redis_ttl":  s.RedisTTL,
		}[field], nil
	default:
		a, ok := c.Attachments[name]
		if !ok {
			return "", fmt.Errorf("unknown attachment: %s", name)
		}
		return map[string]string{
			"cache":                   a.Cache,
			"store":                   a.Store,
			"location":                a.Location,
			"max_size":                strconv.FormatInt(a.MaxSize, 10),
			"allowed_media_types":     strings.Join(a.AllowedMediaTypes, ","),
			"background":              strconv.FormatBool(a.Background),
			"signature":               a.Signature,
			"derivatives_concurrency": strconv.Itoa(a.DerivativesConcurrency),
		}[field], nil
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files, applies env overrides and fills in
// defaults.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if cfg.DBPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
	}
	if dbPath := os.Getenv(dbPathEnvKey); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if level := strings.TrimSpace(os.Getenv(logLevelEnvKey)); level != "" {
		cfg.LogLevel = level
	}
	if backend := strings.TrimSpace(os.Getenv(queueBackendEnvKey)); backend != "" {
		cfg.Queue.Backend = backend
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names, storage references and durations.
func (c *Config) Validate() error {
	for key, s := range c.Storages {
		switch s.Backend {
		case BackendFileSystem:
			if strings.TrimSpace(s.Directory) == "" {
				return fmt.Errorf("storages.%s.directory is required", key)
			}
		case BackendMemory:
		case BackendRedis:
			if strings.TrimSpace(s.RedisAddr) == "" {
				return fmt.Errorf("storages.%s.redis_addr is required", key)
			}
			if _, err := parseDuration(s.RedisTTL); err != nil {
				return fmt.Errorf("storages.%s.redis_ttl: %w", key, err)
			}
		default:
			return fmt.Errorf("storages.%s.backend must be one of filesystem, memory, redis", key)
		}
	}
	for name, a := range c.Attachments {
		if _, ok := c.Storages[a.Cache]; !ok {
			return fmt.Errorf("attachments.%s.cache: unknown storage %q", name, a.Cache)
		}
		if _, ok := c.Storages[a.Store]; !ok {
			return fmt.Errorf("attachments.%s.store: unknown storage %q", name, a.Store)
		}
		if a.Location != LocationDefault && a.Location != LocationPretty {
			return fmt.Errorf("attachments.%s.location must be default or pretty", name)
		}
		switch a.Signature {
		case "", "sha256", "blake2b":
		default:
			return fmt.Errorf("attachments.%s.signature must be sha256 or blake2b", name)
		}
	}
	switch c.Queue.Backend {
	case QueueInline, QueueSQLite:
	case QueueRedis:
		if strings.TrimSpace(c.Queue.RedisAddr) == "" {
			return fmt.Errorf("queue.redis_addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue.backend must be one of inline, sqlite, redis")
	}
	if _, err := parseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("queue.poll_interval: %w", err)
	}
	return nil
}

// PollIntervalDuration returns the parsed queue poll interval.
func (q QueueConfig) PollIntervalDuration() time.Duration {
	d, err := parseDuration(q.PollInterval)
	if err != nil || d <= 0 {
		d, _ = parseDuration(DefaultQueuePollInterval)
	}
	return d
}

// TTL returns the parsed redis TTL; zero means no expiry.
func (s StorageConfig) TTL() time.Duration {
	d, _ := parseDuration(s.RedisTTL)
	return d
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// AttachmentNames lists configured attachments in sorted order.
func (c *Config) AttachmentNames() []string {
	return sortedKeys(c.Attachments)
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	_, _, field, _ := splitNamedKey(key)
	switch {
	case key == "queue.workers" || field == "derivatives_concurrency":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case field == "max_size":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case field == "background":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case field == "allowed_media_types":
		return splitCSV(value), nil
	case key == "queue.poll_interval" || field == "redis_ttl":
		if _, err := parseDuration(value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return value, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// normalize fills in default storages, attachments and per-entry defaults.
func (c *Config) normalize() {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = DefaultRoot
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if len(c.Storages) == 0 {
		c.Storages = map[string]StorageConfig{
			DefaultCacheStorage: {Backend: BackendFileSystem},
			DefaultStoreStorage: {Backend: BackendFileSystem},
		}
	}
	for key, s := range c.Storages {
		s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
		if s.Backend == "" {
			s.Backend = BackendFileSystem
		}
		if s.Backend == BackendFileSystem && strings.TrimSpace(s.Directory) == "" {
			s.Directory = filepath.Join(c.Root, key)
		}
		c.Storages[key] = s
	}

	if len(c.Attachments) == 0 {
		c.Attachments = map[string]AttachmentConfig{DefaultAttachment: {}}
	}
	for name, a := range c.Attachments {
		if a.Cache == "" {
			a.Cache = DefaultCacheStorage
		}
		if a.Store == "" {
			a.Store = DefaultStoreStorage
		}
		a.Location = strings.ToLower(strings.TrimSpace(a.Location))
		if a.Location == "" {
			a.Location = LocationDefault
		}
		a.Signature = strings.ToLower(strings.TrimSpace(a.Signature))
		if a.DerivativesConcurrency <= 0 {
			a.DerivativesConcurrency = DefaultDerivativesParallel
		}
		a.AllowedMediaTypes = normalizeConfiguredMediaTypes(a.AllowedMediaTypes)
		c.Attachments[name] = a
	}

	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = DefaultQueueBackend
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = DefaultQueueWorkers
	}
	if c.Queue.RedisKey == "" {
		c.Queue.RedisKey = DefaultQueueRedisKey
	}
	if c.Queue.PollInterval == "" {
		c.Queue.PollInterval = DefaultQueuePollInterval
	}
}

func normalizeConfiguredMediaTypes(rawValues []string) []string {
	if len(rawValues) == 0 {
		return nil
	}
	out := make([]string, 0, len(rawValues))
	seen := map[string]struct{}{}
	for _, raw := range rawValues {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, _, err := mime.ParseMediaType(raw)
		if err != nil {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(parsed))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
