// Package config loads the gateway configuration from a YAML file
// with environment variable overrides. The resulting Config is built
// once in main and passed explicitly to the components that need it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	KeyStore KeyStoreConfig `yaml:"keystore"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Packager PackagerConfig `yaml:"packager"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ContentDir      string        `yaml:"content_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds the license credential allow-set. Single tier of
// access: any listed token can read the current key record.
type AuthConfig struct {
	Tokens []string `yaml:"tokens"`
}

// KeyStoreConfig locates the persisted key record.
type KeyStoreConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig configures the request audit log.
type AuditConfig struct {
	Enabled   bool       `yaml:"enabled"`
	MaxEvents int        `yaml:"max_events"`
	Sink      SinkConfig `yaml:"sink"`
}

// SinkConfig selects where audit events are written.
type SinkConfig struct {
	Type          string            `yaml:"type"` // stdout, file, http
	FilePath      string            `yaml:"file_path"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// PackagerConfig configures the external packaging tool invocation.
type PackagerConfig struct {
	Binary  string        `yaml:"binary"`
	Scheme  string        `yaml:"scheme"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ContentDir:      "",
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Tokens: nil,
		},
		KeyStore: KeyStoreConfig{
			Path:  "encryption.json",
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 1000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		Packager: PackagerConfig{
			Binary:  "packager",
			Scheme:  "cenc",
			Timeout: 10 * time.Minute,
		},
	}
}

// Load reads the YAML file at path (if path is non-empty) on top of
// the defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LICENSE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LICENSE_CONTENT_DIR"); v != "" {
		c.Server.ContentDir = v
	}
	if v := os.Getenv("LICENSE_AUTH_TOKENS"); v != "" {
		tokens := strings.Split(v, ",")
		c.Auth.Tokens = c.Auth.Tokens[:0]
		for _, t := range tokens {
			if t = strings.TrimSpace(t); t != "" {
				c.Auth.Tokens = append(c.Auth.Tokens, t)
			}
		}
	}
	if v := os.Getenv("LICENSE_KEYSTORE_PATH"); v != "" {
		c.KeyStore.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the configuration for values the server cannot run
// with. An empty token allow-set is allowed (every license request
// will be rejected) so a fresh deployment can come up before tokens
// are provisioned.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.KeyStore.Path == "" {
		return fmt.Errorf("keystore.path must not be empty")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Audit.Sink.Type {
	case "", "stdout", "file", "http":
	default:
		return fmt.Errorf("unknown audit sink type: %s", c.Audit.Sink.Type)
	}
	if c.Audit.Sink.Type == "file" && c.Audit.Sink.FilePath == "" {
		return fmt.Errorf("audit.sink.file_path required for file sink")
	}
	if c.Audit.Sink.Type == "http" && c.Audit.Sink.Endpoint == "" {
		return fmt.Errorf("audit.sink.endpoint required for http sink")
	}
	return nil
}
