package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:10044" || cfg.Path != "/" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PingInterval.Duration != 30*time.Second || cfg.PongWait.Duration != time.Minute {
		t.Errorf("keepalive = %v/%v", cfg.PingInterval, cfg.PongWait)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json"), true); err == nil {
		t.Fatal("expected error for explicit missing file")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `{
		"listen": ":9000",
		"path": "/ws",
		"allowed_origins": ["chrome-extension://abc"],
		"jobs_rate": 0.5,
		"jobs_burst": 2,
		"ping_interval": "5s",
		"pong_wait": 12,
		"log": {"level": "debug", "format": "json"}
	}`)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Path != "/ws" {
		t.Errorf("listen/path = %s %s", cfg.Listen, cfg.Path)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "chrome-extension://abc" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.JobsRate != 0.5 || cfg.JobsBurst != 2 {
		t.Errorf("jobs = %v/%d", cfg.JobsRate, cfg.JobsBurst)
	}
	if cfg.PongWait.Duration != 12*time.Second {
		t.Errorf("PongWait = %v", cfg.PongWait)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CR_RELAY_LISTEN", "0.0.0.0:2333")
	t.Setenv("CR_RELAY_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CR_RELAY_LOG_FORMAT", "text")

	cfg, err := Load(writeConfig(t, `{"listen": ":1"}`), true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:2333" {
		t.Errorf("Listen = %s", cfg.Listen)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s", cfg.Log.Format)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"relative path", `{"path": "ws"}`},
		{"route collision", `{"path": "/healthz"}`},
		{"pong before ping", `{"ping_interval": "30s", "pong_wait": "10s"}`},
		{"negative burst", `{"jobs_burst": -1}`},
		{"bad format", `{"log": {"format": "xml"}}`},
		{"bad json", `{`},
		{"bad duration", `{"pong_wait": "soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body), true); err == nil {
				t.Error("expected error")
			}
		})
	}
}
