package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file. Secrets and
// deployment-specific endpoints are usually injected this way.
const (
	EnvAPIKey     = "GATEWAY_API_KEY"
	EnvBackendURL = "GATEWAY_BACKEND_URL"
)

const (
	defaultPort                = 8000
	defaultMaxBodyBytes        = 4 << 20
	defaultBackendURL          = "http://localhost:11434"
	defaultConnectTimeout      = 10 * time.Second
	defaultRequestTimeout      = 120 * time.Second
	defaultMaxIdleConns        = 64
	defaultMaxIdleConnsPerHost = 32
	defaultIdleConnTimeout     = 90 * time.Second
	defaultRetryBackoff        = 250 * time.Millisecond
	defaultModel               = "mistral"
	defaultTemperature         = 0.7
	defaultMaxTokens           = 4096
	defaultTopP                = 1.0
	defaultKeepAlive           = 5 * time.Minute
	defaultOwnedBy             = "ollama"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// AuthConfig controls the API key gate. Exactly one of APIKey or Open must be
// set: running without a key is only possible by opting in with open: true.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
	Open   bool   `yaml:"open"`
}

// BackendConfig describes how to reach the inference engine.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// ConnectTimeout bounds establishing a TCP connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds a whole backend call, including the full body of a
	// streamed generation.
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	// RetryBackoff is the initial wait before the single retry of an
	// idempotent call.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultsConfig holds values applied to requests that omit them.
type DefaultsConfig struct {
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	TopP        float64       `yaml:"top_p"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// CatalogConfig shapes the /v1/models listing.
type CatalogConfig struct {
	OwnedBy string `yaml:"owned_by"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads YAML configuration from disk, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	c.Backend.ApplyDefaults()

	d := &c.Defaults
	if d.Model == "" {
		d.Model = defaultModel
	}
	if d.Temperature == 0 {
		d.Temperature = defaultTemperature
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = defaultMaxTokens
	}
	if d.TopP == 0 {
		d.TopP = defaultTopP
	}
	if d.KeepAlive == 0 {
		d.KeepAlive = defaultKeepAlive
	}

	if c.Catalog.OwnedBy == "" {
		c.Catalog.OwnedBy = defaultOwnedBy
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

// ApplyDefaults fills zero backend settings with their defaults.
func (b *BackendConfig) ApplyDefaults() {
	if b.BaseURL == "" {
		b.BaseURL = defaultBackendURL
	}
	if b.ConnectTimeout == 0 {
		b.ConnectTimeout = defaultConnectTimeout
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = defaultRequestTimeout
	}
	if b.MaxIdleConns == 0 {
		b.MaxIdleConns = defaultMaxIdleConns
	}
	if b.MaxIdleConnsPerHost == 0 {
		b.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if b.IdleConnTimeout == 0 {
		b.IdleConnTimeout = defaultIdleConnTimeout
	}
	if b.RetryBackoff == 0 {
		b.RetryBackoff = defaultRetryBackoff
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Auth.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBackendURL); ok && strings.TrimSpace(v) != "" {
		c.Backend.BaseURL = strings.TrimSpace(v)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative, got %d", c.Server.MaxBodyBytes)
	}

	if err := validateAuth(c.Auth); err != nil {
		return err
	}
	if err := validateBackend(c.Backend); err != nil {
		return err
	}
	if err := validateDefaults(c.Defaults); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be one of text, json", c.Logging.Format)
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	hasKey := strings.TrimSpace(a.APIKey) != ""
	switch {
	case hasKey && a.Open:
		return errors.New("auth.api_key and auth.open are mutually exclusive")
	case !hasKey && !a.Open:
		return fmt.Errorf("auth.api_key must be set (or %s exported); set auth.open: true to run without authentication", EnvAPIKey)
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url %q must use http or https", b.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url %q must include a host", b.BaseURL)
	}
	if b.ConnectTimeout < 0 || b.RequestTimeout < 0 {
		return errors.New("backend timeouts must not be negative")
	}
	if b.ConnectTimeout > b.RequestTimeout {
		return fmt.Errorf("backend.connect_timeout (%s) must not exceed backend.request_timeout (%s)", b.ConnectTimeout, b.RequestTimeout)
	}
	if b.MaxIdleConns < 0 || b.MaxIdleConnsPerHost < 0 {
		return errors.New("backend connection pool sizes must not be negative")
	}
	return nil
}

func validateDefaults(d DefaultsConfig) error {
	if strings.TrimSpace(d.Model) == "" {
		return errors.New("defaults.model must not be empty")
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("defaults.temperature must be within [0, 2], got %v", d.Temperature)
	}
	if d.MaxTokens < 1 {
		return fmt.Errorf("defaults.max_tokens must be positive, got %d", d.MaxTokens)
	}
	if d.TopP <= 0 || d.TopP > 1 {
		return fmt.Errorf("defaults.top_p must be within (0, 1], got %v", d.TopP)
	}
	if d.KeepAlive < 0 {
		return errors.New("defaults.keep_alive must not be negative")
	}
	return nil
}
