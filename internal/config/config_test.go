package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/factline/factline/internal/errors"
)

// isolateEnv points every config source at empty temp locations so the
// machine running the tests cannot leak its own configuration in.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, key := range []string{
		"FACTLINE_STORAGE_BACKEND", "FACTLINE_STORAGE_PATH",
		"FACTLINE_JOURNAL_DIR", "FACTLINE_JOURNAL_MIRROR",
		"FACTLINE_OBJECTS_DIR", "FACTLINE_SOCKET",
		"FACTLINE_METRICS_LISTEN", "FACTLINE_WORKERS",
		"FACTLINE_LOG_LEVEL", "FACTLINE_LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.NotEmpty(t, cfg.Storage.Path)
	assert.True(t, cfg.Journal.Mirror)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
	assert.True(t, cfg.Pipeline.CatchErrors)
	assert.Equal(t, 5, cfg.Pipeline.LookupRetries)
	assert.Equal(t, time.Second, cfg.Pipeline.LookupDelay)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".factline.yaml"), []byte(`
storage:
  backend: memory
pipeline:
  workers: 2
logging:
  level: debug
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
	assert.True(t, cfg.Journal.Mirror)
}

func TestLoad_UserConfigThenProjectConfig(t *testing.T) {
	isolateEnv(t)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "factline"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "factline", "config.yaml"), []byte(`
storage:
  backend: memory
logging:
  level: warn
`), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".factline.yml"), []byte(`
logging:
  level: error
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	// The project file wins where both speak; the user file fills in the
	// rest.
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoad_EnvOverridesEverything(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".factline.yaml"), []byte(`
storage:
  backend: sqlite
  path: /somewhere/facts.db
`), 0o644))

	t.Setenv("FACTLINE_STORAGE_BACKEND", "memory")
	t.Setenv("FACTLINE_WORKERS", "7")
	t.Setenv("FACTLINE_METRICS_LISTEN", "127.0.0.1:9999")
	t.Setenv("FACTLINE_JOURNAL_MIRROR", "no")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 7, cfg.Pipeline.Workers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
	assert.False(t, cfg.Journal.Mirror)
}

func TestLoad_InvalidResultRejected(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".factline.yaml"), []byte(`
storage:
  backend: cassandra
`), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeConfigInvalid, ferrors.GetCode(err))
}

func TestLoad_MalformedYAMLRejected(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".factline.yaml"), []byte("{{not yaml"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeConfigInvalid, ferrors.GetCode(err))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty sqlite path", func(c *Config) { c.Storage.Path = "" }},
		{"remote without socket", func(c *Config) {
			c.Storage.Backend = BackendRemote
			c.Storage.Socket = ""
			c.Server.Socket = ""
		}},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero batch size", func(c *Config) { c.Pipeline.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Pipeline.LookupRetries = -1 }},
		{"zero timeout", func(c *Config) { c.Server.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, ferrors.ErrCodeConfigInvalid, ferrors.GetCode(err))
		})
	}
}

func TestRemoteSocket_Fallback(t *testing.T) {
	cfg := NewConfig()
	cfg.Server.Socket = "/run/factline.sock"
	cfg.Storage.Socket = ""
	assert.Equal(t, "/run/factline.sock", cfg.RemoteSocket())

	cfg.Storage.Socket = "/run/other.sock"
	assert.Equal(t, "/run/other.sock", cfg.RemoteSocket())
}

func TestSaveAndReload(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	cfg := NewConfig()
	cfg.Storage.Backend = BackendMemory
	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(filepath.Join(dir, ".factline.yaml")))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, loaded.Storage.Backend)
	assert.Equal(t, "debug", loaded.Logging.Level)
}
