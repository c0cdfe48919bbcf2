// Package config handles cr-relay configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the top-level relay configuration.
type Config struct {
	Listen          string   `json:"listen"`
	Path            string   `json:"path,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"`

	// POST /api/jobs limits, per remote IP.
	JobsRate  float64 `json:"jobs_rate,omitempty"`
	JobsBurst int     `json:"jobs_burst,omitempty"`

	PingInterval    Duration `json:"ping_interval,omitempty"`
	PongWait        Duration `json:"pong_wait,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`

	Log LogConfig `json:"log"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // json, text, auto
}

// envOverrides are read from CR_RELAY_* variables after the file is parsed.
type envOverrides struct {
	Listen          string   `envconfig:"LISTEN"`
	Path            string   `envconfig:"PATH"`
	AllowedOrigins  []string `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageBytes int64    `envconfig:"MAX_MESSAGE_BYTES"`
	JobsRate        float64  `envconfig:"JOBS_RATE"`
	JobsBurst       int      `envconfig:"JOBS_BURST"`
	LogLevel        string   `envconfig:"LOG_LEVEL"`
	LogFormat       string   `envconfig:"LOG_FORMAT"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s" or a
// number of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads the file at path. A missing file is only an error when the path
// was given explicitly.
func Load(path string, explicit bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case path == "", errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("CR_RELAY", &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	cfg.apply(env)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) apply(env envOverrides) {
	if env.Listen != "" {
		c.Listen = env.Listen
	}
	if env.Path != "" {
		c.Path = env.Path
	}
	if len(env.AllowedOrigins) > 0 {
		c.AllowedOrigins = env.AllowedOrigins
	}
	if env.MaxMessageBytes > 0 {
		c.MaxMessageBytes = env.MaxMessageBytes
	}
	if env.JobsRate > 0 {
		c.JobsRate = env.JobsRate
	}
	if env.JobsBurst > 0 {
		c.JobsBurst = env.JobsBurst
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/': %q", c.Path)
	}
	if c.Path == "/api/jobs" || c.Path == "/healthz" {
		return fmt.Errorf("path %q collides with a built-in route", c.Path)
	}
	if c.PongWait.Duration <= c.PingInterval.Duration {
		return fmt.Errorf("pong_wait must exceed ping_interval")
	}
	if c.JobsBurst < 1 {
		return fmt.Errorf("jobs_burst must be at least 1")
	}
	switch c.Log.Format {
	case "json", "text", "auto":
	default:
		return fmt.Errorf("log.format must be json, text, or auto")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:10044"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 4 << 20
	}
	if c.JobsRate == 0 {
		c.JobsRate = 2
	}
	if c.JobsBurst == 0 {
		c.JobsBurst = 5
	}
	if c.PingInterval.Duration == 0 {
		c.PingInterval.Duration = 30 * time.Second
	}
	if c.PongWait.Duration == 0 {
		c.PongWait.Duration = 60 * time.Second
	}
	if c.ShutdownTimeout.Duration == 0 {
		c.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}
