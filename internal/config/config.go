// Package config loads factline configuration. Precedence, lowest to
// highest: hardcoded defaults, user config
// (~/.config/factline/config.yaml), project config (.factline.yaml in
// the working directory), FACTLINE_* environment variables. The final
// result is validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "github.com/factline/factline/internal/errors"
)

// Backend names accepted by storage.backend.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRemote = "remote"
)

// Config is the complete factline configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Journal  JournalConfig  `yaml:"journal" json:"journal"`
	Objects  ObjectsConfig  `yaml:"objects" json:"objects"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Backend is "sqlite", "memory", or "remote".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the SQLite database file. ":memory:" is accepted.
	Path string `yaml:"path" json:"path"`
	// Socket is the server socket for the remote backend. Empty falls
	// back to server.socket.
	Socket string `yaml:"socket" json:"socket"`
}

// JournalConfig configures the append-only event log.
type JournalConfig struct {
	// Dir is the journal segment directory.
	Dir string `yaml:"dir" json:"dir"`
	// Mirror enables mirroring accepted writes to the journal. Off, the
	// store is the only durable record.
	Mirror bool `yaml:"mirror" json:"mirror"`
}

// ObjectsConfig points at the content-addressed object store.
type ObjectsConfig struct {
	// Dir is the sharded object directory. Empty disables content
	// prefetch; computers needing bytes then see nil content.
	Dir string `yaml:"dir" json:"dir"`
}

// ServerConfig configures the storage RPC server and its clients.
type ServerConfig struct {
	Socket  string        `yaml:"socket" json:"socket"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// PipelineConfig tunes batch runs and journal consumers.
type PipelineConfig struct {
	// Workers bounds concurrent compute calls. Default: NumCPU.
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize caps subjects per consumer batch. Default: 100.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CatchErrors selects batch-job failure isolation.
	CatchErrors bool `yaml:"catch_errors" json:"catch_errors"`
	// ConflictUpdate overwrites existing rows instead of skipping them.
	ConflictUpdate bool `yaml:"conflict_update" json:"conflict_update"`
	// Rescan disables the missing filter.
	Rescan bool `yaml:"rescan" json:"rescan"`
	// LookupRetries and LookupDelay bound retry of lagging graph
	// lookups. Defaults: 5 and 1s.
	LookupRetries int           `yaml:"lookup_retries" json:"lookup_retries"`
	LookupDelay   time.Duration `yaml:"lookup_delay" json:"lookup_delay"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level" json:"level"`
	// File is the log file path. Empty logs to stderr.
	File string `yaml:"file" json:"file"`
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    filepath.Join(dataDir(), "factline.db"),
		},
		Journal: JournalConfig{
			Dir:    filepath.Join(dataDir(), "journal"),
			Mirror: true,
		},
		Server: ServerConfig{
			Socket:  filepath.Join(dataDir(), "factline.sock"),
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Pipeline: PipelineConfig{
			Workers:       runtime.NumCPU(),
			BatchSize:     100,
			CatchErrors:   true,
			LookupRetries: 5,
			LookupDelay:   time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// dataDir returns the default state directory, ~/.factline.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".factline")
	}
	return filepath.Join(home, ".factline")
}

// GetUserConfigPath returns the user configuration file path, following
// the XDG base directory convention.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "factline", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "factline", "config.yaml")
	}
	return filepath.Join(home, ".config", "factline", "config.yaml")
}

// Load loads the configuration for a working directory, applying the
// package precedence order and validating the result.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userPath := GetUserConfigPath()
	if fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromDir loads .factline.yaml or .factline.yml from dir. Absence
// is not an error.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{".factline.yaml", ".factline.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ferrors.New(ferrors.ErrCodeConfigNotFound,
			fmt.Sprintf("read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("parse config file %s", path), err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c. Booleans that
// default to true cannot be distinguished from unset, so the sections
// holding them merge when any sibling member is set.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.Socket != "" {
		c.Storage.Socket = other.Storage.Socket
	}

	if other.Journal.Dir != "" {
		c.Journal.Dir = other.Journal.Dir
		c.Journal.Mirror = other.Journal.Mirror
	}

	if other.Objects.Dir != "" {
		c.Objects.Dir = other.Objects.Dir
	}

	if other.Server.Socket != "" {
		c.Server.Socket = other.Server.Socket
	}
	if other.Server.Timeout != 0 {
		c.Server.Timeout = other.Server.Timeout
	}

	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
		c.Metrics.Enabled = other.Metrics.Enabled
	}

	if other.Pipeline.Workers != 0 {
		c.Pipeline.Workers = other.Pipeline.Workers
	}
	if other.Pipeline.BatchSize != 0 {
		c.Pipeline.BatchSize = other.Pipeline.BatchSize
	}
	if other.Pipeline.Workers != 0 || other.Pipeline.BatchSize != 0 {
		c.Pipeline.CatchErrors = other.Pipeline.CatchErrors
		c.Pipeline.ConflictUpdate = other.Pipeline.ConflictUpdate
		c.Pipeline.Rescan = other.Pipeline.Rescan
	}
	if other.Pipeline.LookupRetries != 0 {
		c.Pipeline.LookupRetries = other.Pipeline.LookupRetries
	}
	if other.Pipeline.LookupDelay != 0 {
		c.Pipeline.LookupDelay = other.Pipeline.LookupDelay
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.File != "" {
		c.Logging.File = other.Logging.File
	}
}

// applyEnvOverrides applies FACTLINE_* environment variables, the
// highest-precedence source.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FACTLINE_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FACTLINE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FACTLINE_JOURNAL_DIR"); v != "" {
		c.Journal.Dir = v
	}
	if v := os.Getenv("FACTLINE_JOURNAL_MIRROR"); v != "" {
		c.Journal.Mirror = parseBool(v)
	}
	if v := os.Getenv("FACTLINE_OBJECTS_DIR"); v != "" {
		c.Objects.Dir = v
	}
	if v := os.Getenv("FACTLINE_SOCKET"); v != "" {
		c.Server.Socket = v
	}
	if v := os.Getenv("FACTLINE_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("FACTLINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("FACTLINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FACTLINE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return ferrors.New(ferrors.ErrCodeConfigInvalid,
				"storage.path is required for the sqlite backend", nil)
		}
	case BackendMemory:
	case BackendRemote:
		if c.RemoteSocket() == "" {
			return ferrors.New(ferrors.ErrCodeConfigInvalid,
				"storage.socket or server.socket is required for the remote backend", nil)
		}
	default:
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown storage backend %q", c.Storage.Backend), nil)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown log level %q", c.Logging.Level), nil)
	}

	if c.Pipeline.Workers <= 0 {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			"pipeline.workers must be positive", nil)
	}
	if c.Pipeline.BatchSize <= 0 {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			"pipeline.batch_size must be positive", nil)
	}
	if c.Pipeline.LookupRetries < 0 {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			"pipeline.lookup_retries must not be negative", nil)
	}
	if c.Server.Timeout <= 0 {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			"server.timeout must be positive", nil)
	}
	return nil
}

// RemoteSocket resolves the socket the remote backend should dial.
func (c *Config) RemoteSocket() string {
	if c.Storage.Socket != "" {
		return c.Storage.Socket
	}
	return c.Server.Socket
}

// Save writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ferrors.New(ferrors.ErrCodeConfigInvalid, "encode config", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("create config directory for %s", path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ferrors.New(ferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("write config file %s", path), err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
