// Package config handles cr-client configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

// MaxKeepaliveInterval bounds relay.keepalive_interval.
const MaxKeepaliveInterval = time.Minute

// DefaultRelayURL is used when neither the config file nor the settings store
// names a relay.
const DefaultRelayURL = "ws://127.0.0.1:10044"

// Config is the top-level client configuration.
type Config struct {
	Relay    RelayConfig    `json:"relay"`
	Settings SettingsConfig `json:"settings"`
	Gateway  GatewayConfig  `json:"gateway"`
	Delivery DeliveryConfig `json:"delivery"`
	Log      LogConfig      `json:"log"`
}

// RelayConfig defines how the client reaches the relay.
type RelayConfig struct {
	URL               string   `json:"url"`
	ClientName        string   `json:"client_name,omitempty"`
	DisableHello      bool     `json:"disable_hello,omitempty"`
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	PingInterval      Duration `json:"ping_interval,omitempty"`
	PongTimeout       Duration `json:"pong_timeout,omitempty"`
	KeepaliveInterval Duration `json:"keepalive_interval,omitempty"`
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty"`
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`
}

// SettingsConfig selects the shared settings store.
type SettingsConfig struct {
	Driver       string   `json:"driver,omitempty"` // memory, sqlite (default), postgres, redis
	DSN          string   `json:"dsn,omitempty"`
	PollInterval Duration `json:"poll_interval,omitempty"`
	Prefix       string   `json:"prefix,omitempty"`
}

// GatewayConfig selects where routed tasks are delivered.
type GatewayConfig struct {
	Kind          string        `json:"kind,omitempty"` // log (default), webhook, cdp
	ReadyFallback Duration      `json:"ready_fallback,omitempty"`
	Webhook       WebhookConfig `json:"webhook,omitempty"`
	CDP           CDPConfig     `json:"cdp,omitempty"`
}

type WebhookConfig struct {
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Timeout          Duration          `json:"timeout,omitempty"`
	Attempts         uint              `json:"attempts,omitempty"`
	RetryDelay       Duration          `json:"retry_delay,omitempty"`
	FailureThreshold uint32            `json:"failure_threshold,omitempty"`
	ResetTimeout     Duration          `json:"reset_timeout,omitempty"`
}

type CDPConfig struct {
	URL         string   `json:"url,omitempty"` // e.g. http://127.0.0.1:9222
	Channel     string   `json:"channel,omitempty"`
	CallTimeout Duration `json:"call_timeout,omitempty"`
}

// DeliveryConfig tunes the delivery queue.
type DeliveryConfig struct {
	FreshnessWindow Duration `json:"freshness_window,omitempty"`
	SweepInterval   Duration `json:"sweep_interval,omitempty"`
	DeliverTimeout  Duration `json:"deliver_timeout,omitempty"`
	ActivateTimeout Duration `json:"activate_timeout,omitempty"`
	HistorySize     int      `json:"history_size,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // json, text, auto
}

// envOverrides are read from CR_* variables after the file is parsed.
type envOverrides struct {
	RelayURL       string `envconfig:"RELAY_URL"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogFormat      string `envconfig:"LOG_FORMAT"`
	SettingsDriver string `envconfig:"SETTINGS_DRIVER"`
	SettingsDSN    string `envconfig:"SETTINGS_DSN"`
	GatewayKind    string `envconfig:"GATEWAY_KIND"`
	WebhookURL     string `envconfig:"WEBHOOK_URL"`
	CDPURL         string `envconfig:"CDP_URL"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m"
// or a number of seconds).
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

// Load reads the file at path, applies CR_* overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

// LoadOrDefault is Load, except that a missing file is not an error unless the
// path was named explicitly by the user.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return parse(nil)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("CR", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Relay.URL, env.RelayURL)
	set(&c.Log.Level, env.LogLevel)
	set(&c.Log.Format, env.LogFormat)
	set(&c.Settings.Driver, env.SettingsDriver)
	set(&c.Settings.DSN, env.SettingsDSN)
	set(&c.Gateway.Kind, env.GatewayKind)
	set(&c.Gateway.Webhook.URL, env.WebhookURL)
	set(&c.Gateway.CDP.URL, env.CDPURL)
	return nil
}

// ValidateRelayURL accepts absolute ws:// and wss:// URLs only.
func ValidateRelayURL(raw string) error {
	if raw == "" {
		return errors.New("relay url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url must use ws:// or wss://, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("relay url has no host: %q", raw)
	}
	return nil
}

func (c *Config) validate() error {
	if err := ValidateRelayURL(c.Relay.URL); err != nil {
		return err
	}
	if c.Relay.KeepaliveInterval.Duration > MaxKeepaliveInterval {
		return fmt.Errorf("relay.keepalive_interval must be at most %s", MaxKeepaliveInterval)
	}
	if c.Relay.PongTimeout.Duration <= c.Relay.PingInterval.Duration {
		return fmt.Errorf("relay.pong_timeout must exceed relay.ping_interval")
	}
	switch c.Settings.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("settings.driver must be memory, sqlite, postgres, or redis")
	}
	if (c.Settings.Driver == "postgres" || c.Settings.Driver == "redis") && c.Settings.DSN == "" {
		return fmt.Errorf("settings.dsn is required for the %s driver", c.Settings.Driver)
	}
	switch c.Gateway.Kind {
	case "log":
	case "webhook":
		if c.Gateway.Webhook.URL == "" {
			return fmt.Errorf("gateway.webhook.url is required")
		}
	case "cdp":
		if c.Gateway.CDP.URL == "" {
			return fmt.Errorf("gateway.cdp.url is required")
		}
	default:
		return fmt.Errorf("gateway.kind must be log, webhook, or cdp")
	}
	switch c.Log.Format {
	case "json", "text", "auto":
	default:
		return fmt.Errorf("log.format must be json, text, or auto")
	}
	if c.Delivery.HistorySize < 0 {
		return fmt.Errorf("delivery.history_size must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	orDur := func(d *Duration, v time.Duration) {
		if d.Duration == 0 {
			d.Duration = v
		}
	}
	if c.Relay.URL == "" {
		c.Relay.URL = DefaultRelayURL
	}
	if c.Relay.ClientName == "" {
		c.Relay.ClientName = "cr-client"
	}
	orDur(&c.Relay.ReconnectInterval, time.Second)
	orDur(&c.Relay.PingInterval, 30*time.Second)
	orDur(&c.Relay.PongTimeout, 60*time.Second)
	orDur(&c.Relay.KeepaliveInterval, MaxKeepaliveInterval)
	orDur(&c.Relay.HandshakeTimeout, 10*time.Second)
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 4 << 20
	}

	if c.Settings.Driver == "" {
		c.Settings.Driver = "sqlite"
	}
	if c.Settings.Driver == "sqlite" && c.Settings.DSN == "" {
		c.Settings.DSN = daemon.Default().SettingsPath()
	}
	orDur(&c.Settings.PollInterval, time.Second)
	if c.Settings.Prefix == "" {
		c.Settings.Prefix = "cr"
	}

	if c.Gateway.Kind == "" {
		c.Gateway.Kind = "log"
	}
	orDur(&c.Gateway.ReadyFallback, 800*time.Millisecond)
	orDur(&c.Gateway.Webhook.Timeout, 10*time.Second)
	if c.Gateway.Webhook.Attempts == 0 {
		c.Gateway.Webhook.Attempts = 3
	}
	orDur(&c.Gateway.Webhook.RetryDelay, 200*time.Millisecond)
	if c.Gateway.Webhook.FailureThreshold == 0 {
		c.Gateway.Webhook.FailureThreshold = 5
	}
	orDur(&c.Gateway.Webhook.ResetTimeout, 30*time.Second)
	if c.Gateway.CDP.Channel == "" {
		c.Gateway.CDP.Channel = "competitive-remote"
	}
	orDur(&c.Gateway.CDP.CallTimeout, 10*time.Second)

	orDur(&c.Delivery.FreshnessWindow, 10*time.Second)
	orDur(&c.Delivery.SweepInterval, 30*time.Second)
	orDur(&c.Delivery.DeliverTimeout, 15*time.Second)
	orDur(&c.Delivery.ActivateTimeout, 30*time.Second)
	if c.Delivery.HistorySize == 0 {
		c.Delivery.HistorySize = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}
