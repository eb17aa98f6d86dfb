package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Preingest/internal/repo"
)

// --- Load Tests ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, repo.DefaultDSN, cfg.DBURL)
	assert.Equal(t, ":8080", cfg.ServerAddr())
	assert.Equal(t, ":8081", cfg.WorkerAddr())
	assert.Equal(t, 3, cfg.Retry.MaxDeliveries)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Empty(t, cfg.Handlers)
	assert.False(t, cfg.StrictHandlers)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("HANDLERS", "http,checksum")
	t.Setenv("STRICT_HANDLERS", "true")
	t.Setenv("RETRY_MAX_DELIVERIES", "5")
	t.Setenv("RETRY_BACKOFF", "fixed")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.ServerAddr())
	assert.Equal(t, []string{"http", "checksum"}, cfg.Handlers)
	assert.True(t, cfg.StrictHandlers)
	assert.Equal(t, 5, cfg.Retry.MaxDeliveries)
	assert.Equal(t, "fixed", cfg.Retry.Backoff)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preingest.yaml")
	content := `
store: memory
pipelines_file: /etc/preingest/pipelines.yaml
dispatch_limit: 4
handlers:
  - http
  - delay
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(EnvConfigFile, path)
	// Окружение важнее файла
	t.Setenv("DISPATCH_LIMIT", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "/etc/preingest/pipelines.yaml", cfg.PipelinesFile)
	assert.Equal(t, 8, cfg.DispatchLimit)
	assert.Equal(t, []string{"http", "delay"}, cfg.Handlers)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

// --- Validate Tests ---

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE": "redis"}},
		{"unknown backoff", map[string]string{"RETRY_BACKOFF": "linear"}},
		{"zero deliveries", map[string]string{"RETRY_MAX_DELIVERIES": "0"}},
		{"sample rate", map[string]string{"OTEL_TRACE_SAMPLE_RATE": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	cfg := &Config{}
	r := cfg.Registry()
	assert.False(t, r.Strict())
	assert.True(t, r.Has("checksum"))

	cfg = &Config{Handlers: []string{"virus-scan", "http"}, StrictHandlers: true}
	r = cfg.Registry()
	assert.True(t, r.Strict())
	assert.Equal(t, []string{"checksum", "delay", "http", "transform", "virus-scan"}, r.Names())

	// Стандартные validator'ы сохраняются
	assert.Error(t, r.Check("http", map[string]any{}))
	assert.NoError(t, r.Check("virus-scan", nil))
	assert.Error(t, r.Check("unknown", nil))
}
