package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"stash/internal/backend"
	"stash/pkg/auth"
	"stash/pkg/storage"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by Config.Backend.
const (
	BackendFilesystem = "fs"
	BackendMemory     = "memory"
	BackendDiscard    = "discard"
	BackendSQLite     = "sqlite"
	BackendS3         = "s3"
)

const (
	DefaultListen      = "0.0.0.0:8126"
	DefaultDataDir     = ".cache_fs"
	DefaultMaxFileSize = 256 * 1024 * 1024
)

// AdminAuthConfig protects the admin listener. With nothing set the admin
// endpoints are open.
type AdminAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// Engine returns the authenticator for the configured credentials, or nil
// when none are configured.
func (c AdminAuthConfig) Engine() auth.AuthEngine {
	var engines []auth.AuthEngine
	if c.Username != "" {
		engines = append(engines, auth.NewBasicAuthEngine(c.Username, c.Password))
	}
	if c.Token != "" {
		engines = append(engines, auth.NewTokenAuthEngine(c.Token))
	}

	switch len(engines) {
	case 0:
		return nil
	case 1:
		return engines[0]
	default:
		return auth.NewCompoundAuthEngine(engines...)
	}
}

type Config struct {
	Listen      string           `yaml:"listen"`
	AdminListen string           `yaml:"admin_listen"`
	AdminAuth   AdminAuthConfig  `yaml:"admin_auth"`
	Backend     string           `yaml:"backend"`
	DataDir     string           `yaml:"data_dir"`
	TempDir     string           `yaml:"temp_dir"`
	MaxFileSize uint64           `yaml:"max_file_size"`
	SQLitePath  string           `yaml:"sqlite_path"`
	S3          backend.S3Config `yaml:"s3"`
	LogLevel    string           `yaml:"log_level"`

	// Engine, when set, is used instead of opening the configured backend.
	Engine storage.Backend `yaml:"-"`
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithListen(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.Listen = addr
	}
}

func WithBackend(name string) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = name
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithTempDir(tempDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.TempDir = tempDir
	}
}

func WithMaxFileSize(n uint64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxFileSize = n
	}
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Listen:      DefaultListen,
		Backend:     BackendFilesystem,
		DataDir:     DefaultDataDir,
		MaxFileSize: DefaultMaxFileSize,
		LogLevel:    "info",
	}
}

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports configuration errors that would prevent the server from
// starting.
func (c Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}

	if c.Engine == nil {
		switch c.Backend {
		case BackendFilesystem, BackendSQLite:
			if c.DataDir == "" {
				errs = append(errs, fmt.Errorf("data_dir must not be empty for the %s backend", c.Backend))
			}
		case BackendS3:
			if c.S3.Endpoint == "" {
				errs = append(errs, errors.New("s3.endpoint must not be empty"))
			}
			if c.S3.Bucket == "" {
				errs = append(errs, errors.New("s3.bucket must not be empty"))
			}
		case BackendMemory, BackendDiscard:
		default:
			errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
		}
	}

	if (c.AdminAuth.Username == "") != (c.AdminAuth.Password == "") {
		errs = append(errs, errors.New("admin_auth needs both username and password"))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// StagingDir returns the directory uploads are staged in.
func (c Config) StagingDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(os.TempDir(), "stash")
}

// OpenBackend opens the backend named by c.Backend.
func (c Config) OpenBackend(ctx context.Context) (storage.Backend, error) {
	opts := []backend.Option{backend.WithMaxFileSize(c.MaxFileSize)}

	switch c.Backend {
	case BackendFilesystem:
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return backend.NewLocalFileStorage(c.DataDir, c.StagingDir(), opts...), nil

	case BackendMemory:
		return backend.NewMemoryStorage(opts...), nil

	case BackendDiscard:
		return backend.NewDiscardStorage(), nil

	case BackendSQLite:
		path := c.SQLitePath
		if path == "" {
			path = filepath.Join(c.DataDir, "artifacts.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := backend.OpenSQLiteStorage(ctx, path, opts...)
		if err != nil {
			return nil, err
		}
		return db, nil

	case BackendS3:
		s3, err := backend.NewS3Storage(c.S3, c.StagingDir(), opts...)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}
