package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBackendURL, "")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "gateway.yaml")

	testConfig := `server:
  port: 9000
auth:
  api_key: "secret"
backend:
  base_url: "http://ollama:11434"
  connect_timeout: 2s
  request_timeout: 90s
defaults:
  model: "qwen2"
  temperature: 0.2
  max_tokens: 512
  keep_alive: 10m
catalog:
  owned_by: "local"
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(defaultMaxBodyBytes), cfg.Server.MaxBodyBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowOrigins)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.False(t, cfg.Auth.Open)
	assert.Equal(t, "http://ollama:11434", cfg.Backend.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Backend.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, defaultRetryBackoff, cfg.Backend.RetryBackoff)
	assert.Equal(t, "qwen2", cfg.Defaults.Model)
	assert.Equal(t, 0.2, cfg.Defaults.Temperature)
	assert.Equal(t, 512, cfg.Defaults.MaxTokens)
	assert.Equal(t, 1.0, cfg.Defaults.TopP)
	assert.Equal(t, 10*time.Minute, cfg.Defaults.KeepAlive)
	assert.Equal(t, "local", cfg.Catalog.OwnedBy)
	assert.Equal(t, "json", cfg.Logging.Format)

	t.Run("NonexistentFile", func(t *testing.T) {
		_, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		invalidPath := filepath.Join(tmpDir, "invalid.yaml")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid: yaml: {content"), 0o644))

		_, err := Load(invalidPath)
		assert.Error(t, err)
	})
}

func TestParseDefaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBackendURL, "")

	cfg, err := Parse([]byte("auth:\n  open: true\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Auth.Open)
	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.Equal(t, defaultBackendURL, cfg.Backend.BaseURL)
	assert.Equal(t, defaultConnectTimeout, cfg.Backend.ConnectTimeout)
	assert.Equal(t, defaultRequestTimeout, cfg.Backend.RequestTimeout)
	assert.Equal(t, defaultModel, cfg.Defaults.Model)
	assert.Equal(t, defaultTemperature, cfg.Defaults.Temperature)
	assert.Equal(t, defaultMaxTokens, cfg.Defaults.MaxTokens)
	assert.Equal(t, defaultKeepAlive, cfg.Defaults.KeepAlive)
	assert.Equal(t, defaultOwnedBy, cfg.Catalog.OwnedBy)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvBackendURL, "http://gpu-box:11434")

	cfg, err := Parse([]byte("backend:\n  base_url: http://localhost:11434\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.APIKey)
	assert.Equal(t, "http://gpu-box:11434", cfg.Backend.BaseURL)
}

func TestValidateErrors(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBackendURL, "")

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no key and not open",
			yaml: "server:\n  port: 8000\n",
			want: "auth.api_key must be set",
		},
		{
			name: "key and open",
			yaml: "auth:\n  api_key: k\n  open: true\n",
			want: "mutually exclusive",
		},
		{
			name: "bad port",
			yaml: "server:\n  port: 70000\nauth:\n  open: true\n",
			want: "server.port",
		},
		{
			name: "bad scheme",
			yaml: "auth:\n  open: true\nbackend:\n  base_url: ftp://host\n",
			want: "http or https",
		},
		{
			name: "connect exceeds request timeout",
			yaml: "auth:\n  open: true\nbackend:\n  connect_timeout: 1m\n  request_timeout: 10s\n",
			want: "connect_timeout",
		},
		{
			name: "temperature out of range",
			yaml: "auth:\n  open: true\ndefaults:\n  temperature: 3\n",
			want: "defaults.temperature",
		},
		{
			name: "unknown log level",
			yaml: "auth:\n  open: true\nlogging:\n  level: verbose\n",
			want: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
