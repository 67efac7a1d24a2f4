// ABOUTME: Configuration loading and parsing for opencode-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by the loader.
const (
	EnvConfigPath = "OPENCODE_BRIDGE_CONFIG"
	EnvBaseURL    = "OPENCODE_BASE_URL"
	EnvUsername   = "OPENCODE_SERVER_USERNAME"
	EnvPassword   = "OPENCODE_SERVER_PASSWORD"
)

// Config represents the complete opencode-bridge configuration
type Config struct {
	OpenCode  OpenCodeConfig  `yaml:"opencode" toml:"opencode"`
	Await     AwaitConfig     `yaml:"await" toml:"await"`
	Pages     PagesConfig     `yaml:"pages" toml:"pages"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// OpenCodeConfig points at the remote chat-agent service
type OpenCodeConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Username  string `yaml:"username" toml:"username"`
	Password  string `yaml:"password" toml:"password"`
	Directory string `yaml:"directory" toml:"directory"` // default project directory for new sessions

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// AwaitConfig holds reply polling defaults
type AwaitConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`
	PollInterval   time.Duration `yaml:"-" toml:"-"`
	PollLimit      int           `yaml:"poll_limit" toml:"poll_limit"`

	// Raw string values for unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`
}

// PagesConfig holds message paging limits
type PagesConfig struct {
	DefaultLimit           int `yaml:"default_limit" toml:"default_limit"`
	MaxLimit               int `yaml:"max_limit" toml:"max_limit"`
	DefaultMaxOutputTokens int `yaml:"default_max_output_tokens" toml:"default_max_output_tokens"`
	MaxOutputTokens        int `yaml:"max_output_tokens" toml:"max_output_tokens"`
}

// ServerConfig holds the HTTP transport configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	RequireAuth bool   `yaml:"require_auth" toml:"require_auth"`
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`

	// Tokens maps a principal name to its static bearer token.
	Tokens map[string]string `yaml:"tokens" toml:"tokens"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve TLS on :443 with tailnet certs
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		OpenCode: OpenCodeConfig{
			BaseURL:        "http://127.0.0.1:4096",
			RequestTimeout: 30 * time.Second,
		},
		Await: AwaitConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     10 * time.Minute,
			PollInterval:   500 * time.Millisecond,
			PollLimit:      200,
		},
		Pages: PagesConfig{
			DefaultLimit:           50,
			MaxLimit:               200,
			DefaultMaxOutputTokens: 5000,
			MaxOutputTokens:        20000,
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8765",
		},
		Tailscale: TailscaleConfig{
			Hostname: "opencode-bridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded and the
// OPENCODE_* overrides are applied on top of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return finish(cfg)
}

// LoadOptional loads path when it exists. A missing file is only an error
// when explicit is set; otherwise defaults plus environment apply.
func LoadOptional(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || explicit || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	return finish(Default())
}

func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	default:
		return yaml.Unmarshal([]byte(content), cfg)
	}
}

func finish(cfg *Config) (*Config, error) {
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv lets the standard OPENCODE_* variables override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.OpenCode.BaseURL = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.OpenCode.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.OpenCode.Password = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	u, err := url.Parse(c.OpenCode.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("opencode.base_url must be an http(s) URL, got %q", c.OpenCode.BaseURL)
	}
	if c.OpenCode.RequestTimeout < 0 {
		return fmt.Errorf("opencode.request_timeout must not be negative")
	}

	if c.Await.DefaultTimeout <= 0 {
		return fmt.Errorf("await.default_timeout must be positive")
	}
	if c.Await.MaxTimeout > 0 && c.Await.MaxTimeout < c.Await.DefaultTimeout {
		return fmt.Errorf("await.max_timeout (%s) is below await.default_timeout (%s)", c.Await.MaxTimeout, c.Await.DefaultTimeout)
	}
	if c.Await.PollInterval < 0 || c.Await.PollLimit < 0 {
		return fmt.Errorf("await.poll_interval and await.poll_limit must not be negative")
	}

	p := c.Pages
	if p.DefaultLimit < 0 || p.MaxLimit < 0 || p.DefaultMaxOutputTokens < 0 || p.MaxOutputTokens < 0 {
		return fmt.Errorf("pages limits must not be negative")
	}

	if c.Server.RequireAuth && c.Server.JWTSecret == "" && len(c.Server.Tokens) == 0 {
		return fmt.Errorf("server.require_auth needs server.jwt_secret or server.tokens")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"opencode.request_timeout", cfg.OpenCode.RequestTimeoutRaw, &cfg.OpenCode.RequestTimeout},
		{"await.default_timeout", cfg.Await.DefaultTimeoutRaw, &cfg.Await.DefaultTimeout},
		{"await.max_timeout", cfg.Await.MaxTimeoutRaw, &cfg.Await.MaxTimeout},
		{"await.poll_interval", cfg.Await.PollIntervalRaw, &cfg.Await.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ResolvePath picks the config file: the flag value, then
// OPENCODE_BRIDGE_CONFIG, then the XDG default. explicit reports whether the
// caller named the file, in which case it must exist.
func ResolvePath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	return DefaultPath(), false
}

// DefaultPath returns $XDG_CONFIG_HOME/opencode-bridge/config.yaml, falling
// back to ~/.config.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "opencode-bridge", "config.yaml")
}

// StaticTokens inverts server.tokens into the token -> principal form used
// by the verifier.
func (c *Config) StaticTokens() map[string]string {
	out := make(map[string]string, len(c.Server.Tokens))
	for principal, token := range c.Server.Tokens {
		if token != "" {
			out[token] = principal
		}
	}
	return out
}
