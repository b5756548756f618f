package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/krdev/pop3sclient/helpers"
)

// Config is the root configuration for the popget client.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Fetch   FetchConfig   `toml:"fetch"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig describes the POP3 server to fetch from.
type ServerConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`               // POP3S port (default: 995)
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	Auth              string `toml:"auth"`               // Authentication method: "userpass", "apop" or "plain"
	TLSVerify         bool   `toml:"tls_verify"`         // Verify the server certificate (default: true)
	Plaintext         bool   `toml:"plaintext"`          // Disable TLS entirely; only for local test servers
	ConnectTimeout    string `toml:"connect_timeout"`    // Dial and TLS handshake deadline (default: "30s")
	InactivityTimeout string `toml:"inactivity_timeout"` // Idle watchdog window, "0" disables (default: "5m")
	Debug             bool   `toml:"debug"`              // Per-command debug logging
}

// FetchConfig controls what happens with the mailbox contents.
type FetchConfig struct {
	StoreDir       string `toml:"store_dir"`        // Local message store directory
	Delete         bool   `toml:"delete"`           // DELE messages after a successful fetch
	PollInterval   string `toml:"poll_interval"`    // Re-check interval; empty fetches once and exits
	MaxMessageSize int64  `toml:"max_message_size"` // Skip messages larger than this many bytes; 0 is unlimited
	Preview        bool   `toml:"preview"`          // Print a text preview of each fetched message
	PreviewLength  int    `toml:"preview_length"`   // Preview length in characters (default: 200)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: "localhost:9190")
}

// Authentication method names accepted in ServerConfig.Auth.
const (
	AuthUserPass = "userpass"
	AuthAPOP     = "apop"
	AuthPlain    = "plain"
)

// NewDefaultConfig returns the application defaults, overridden by the
// TOML file and then by command-line flags.
func NewDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:              995,
			Auth:              AuthUserPass,
			TLSVerify:         true,
			ConnectTimeout:    "30s",
			InactivityTimeout: "5m",
		},
		Fetch: FetchConfig{
			StoreDir:      "./mailstore",
			PreviewLength: 200,
		},
		Logging: LoggingConfig{
			Output: "stderr",  // Default to stderr
			Format: "console", // Default to console format
			Level:  "info",    // Default to info level
		},
		Metrics: MetricsConfig{
			Addr: "localhost:9190",
		},
	}
}

// Load decodes the TOML file at path over the defaults. A missing file
// is only an error when required is true; otherwise the defaults are
// returned untouched.
func Load(path string, required bool) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parsing configuration file '%s': %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.Auth {
	case AuthUserPass, AuthAPOP, AuthPlain:
	default:
		return fmt.Errorf("server.auth %q is not one of userpass, apop, plain", c.Server.Auth)
	}
	if c.Server.Username == "" {
		return fmt.Errorf("server.username is required")
	}
	if _, err := c.Server.GetConnectTimeout(); err != nil {
		return fmt.Errorf("server.connect_timeout: %w", err)
	}
	if _, err := c.Server.GetInactivityTimeout(); err != nil {
		return fmt.Errorf("server.inactivity_timeout: %w", err)
	}
	if c.Fetch.StoreDir == "" {
		return fmt.Errorf("fetch.store_dir is required")
	}
	if _, err := c.Fetch.GetPollInterval(); err != nil {
		return fmt.Errorf("fetch.poll_interval: %w", err)
	}
	if c.Fetch.MaxMessageSize < 0 {
		return fmt.Errorf("fetch.max_message_size must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

func (s *ServerConfig) GetConnectTimeout() (time.Duration, error) {
	if s.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectTimeout)
}

func (s *ServerConfig) GetInactivityTimeout() (time.Duration, error) {
	if s.InactivityTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.InactivityTimeout)
}

// GetPollInterval returns the poll interval, zero for one-shot runs.
func (f *FetchConfig) GetPollInterval() (time.Duration, error) {
	if f.PollInterval == "" {
		return 0, nil
	}
	return helpers.ParseDuration(f.PollInterval)
}

func (f *FetchConfig) GetPreviewLength() int {
	if f.PreviewLength <= 0 {
		return 200
	}
	return f.PreviewLength
}
