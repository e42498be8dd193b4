package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	NotifierCommand = "command"
	NotifierLog     = "log"

	DefaultMaxPending       = 64
	DefaultOccurrencesAhead = 24
	DefaultDeliveryRate     = 1.0
	DefaultDeliveryBurst    = 5
	DefaultClientVersion    = "1.0.0"
	DefaultModelVersion     = "1"
)

// Config holds persistent daemon configuration loaded from ~/.alarmd/config.yaml.
type Config struct {
	APIAddr          string  `yaml:"api_addr,omitempty"`
	Database         string  `yaml:"database,omitempty"`
	Notifier         string  `yaml:"notifier,omitempty"` // "command" | "log"
	TimeZone         string  `yaml:"time_zone,omitempty"`
	MaxPending       int     `yaml:"max_pending,omitempty"`
	OccurrencesAhead int     `yaml:"occurrences_ahead,omitempty"`
	ClientVersion    string  `yaml:"client_version,omitempty"`
	ModelVersion     string  `yaml:"model_version,omitempty"`
	DeliveryRate     float64 `yaml:"delivery_rate,omitempty"` // notifications per second
	DeliveryBurst    int     `yaml:"delivery_burst,omitempty"`
	SSE              SSE     `yaml:"sse,omitempty"`
}

// SSE configures the connection to the mail server.
type SSE struct {
	ReconnectMax   Duration `yaml:"reconnect_max,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// DefaultPath returns the default config file path: ~/.alarmd/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".alarmd", "config.yaml")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. The database path defaults to
// alarmd.db next to the config file.
func (c *Config) ApplyDefaults() {
	if c.Notifier == "" {
		c.Notifier = NotifierCommand
	}
	if c.MaxPending == 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.OccurrencesAhead == 0 {
		c.OccurrencesAhead = DefaultOccurrencesAhead
	}
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if c.ModelVersion == "" {
		c.ModelVersion = DefaultModelVersion
	}
	if c.DeliveryRate == 0 {
		c.DeliveryRate = DefaultDeliveryRate
	}
	if c.DeliveryBurst == 0 {
		c.DeliveryBurst = DefaultDeliveryBurst
	}
	if c.SSE.ReconnectMax.IsZero() {
		c.SSE.ReconnectMax = Duration{5 * time.Minute}
	}
	if c.SSE.RequestTimeout.IsZero() {
		c.SSE.RequestTimeout = Duration{30 * time.Second}
	}
}

// Validate checks that a config is well-formed.
func (c *Config) Validate() error {
	switch c.Notifier {
	case NotifierCommand, NotifierLog:
	default:
		return fmt.Errorf("notifier must be %q or %q, got %q", NotifierCommand, NotifierLog, c.Notifier)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("max_pending must not be negative")
	}
	if c.OccurrencesAhead < 0 {
		return fmt.Errorf("occurrences_ahead must not be negative")
	}
	if c.DeliveryRate < 0 {
		return fmt.Errorf("delivery_rate must not be negative")
	}
	if c.DeliveryBurst < 0 {
		return fmt.Errorf("delivery_burst must not be negative")
	}
	if c.SSE.ReconnectMax.Duration < 0 {
		return fmt.Errorf("sse.reconnect_max must not be negative")
	}
	if c.SSE.RequestTimeout.Duration < 0 {
		return fmt.Errorf("sse.request_timeout must not be negative")
	}
	return nil
}

// Location returns the configured time zone, or the local zone if unset.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone %q is invalid: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SchedulingChanged reports whether other differs in a field that changes
// which alarms are pending or how they are delivered.
func (c *Config) SchedulingChanged(other *Config) bool {
	return c.TimeZone != other.TimeZone ||
		c.OccurrencesAhead != other.OccurrencesAhead ||
		c.Notifier != other.Notifier ||
		c.MaxPending != other.MaxPending ||
		c.DeliveryRate != other.DeliveryRate ||
		c.DeliveryBurst != other.DeliveryBurst
}

// Load reads a YAML config file from path. A missing, empty or all-comment
// file yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if cfg.Database == "" && path != "" {
		cfg.Database = filepath.Join(filepath.Dir(path), "alarmd.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}
