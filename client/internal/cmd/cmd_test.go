package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "cr-client 1.2.3" {
		t.Errorf("output = %q", out)
	}
}

func TestConfigEndpoint_SetAndGet(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CR_HOME", home)

	out, err := execute(t, "config", "endpoint")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != config.DefaultRelayURL {
		t.Errorf("initial endpoint = %q", out)
	}

	if _, err := execute(t, "config", "endpoint", "ws://10.0.0.7:10044"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err = execute(t, "config", "endpoint")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != "ws://10.0.0.7:10044" {
		t.Errorf("endpoint = %q", out)
	}
}

func TestConfigEndpoint_Rejects(t *testing.T) {
	t.Setenv("CR_HOME", t.TempDir())
	for _, bad := range []string{"", "http://relay", "relay:10044"} {
		if _, err := execute(t, "config", "endpoint", bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}

	t.Setenv("CR_SETTINGS_DRIVER", "memory")
	if _, err := execute(t, "config", "endpoint", "ws://ok:1"); err == nil {
		t.Error("memory driver should refuse endpoint changes")
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	t.Setenv("CR_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Default()
	cfg.Gateway.Kind = "webhook"
	cfg.Gateway.Webhook.URL = "http://127.0.0.1:9/hook"
	cfg.Gateway.Webhook.Headers = map[string]string{"Authorization": "Bearer abcdefghijkl"}
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "show", "-c", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "abcdefghijkl") {
		t.Errorf("secret leaked:\n%s", out)
	}
	if !strings.Contains(out, `"kind": "webhook"`) {
		t.Errorf("config not shown:\n%s", out)
	}
}

func TestStatus_NotRunning(t *testing.T) {
	t.Setenv("CR_HOME", t.TempDir())
	out, err := execute(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "stopped") {
		t.Errorf("output = %q", out)
	}
}

func TestTailLines(t *testing.T) {
	lines, err := tailLines(strings.NewReader("a\nb\nc\nd\n"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(lines, ",") != "c,d" {
		t.Errorf("tail = %v", lines)
	}
	lines, _ = tailLines(strings.NewReader("a\n"), 5)
	if len(lines) != 1 {
		t.Errorf("short tail = %v", lines)
	}
}

func TestMaskDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://cr:hunter2@db:5432/cr": "postgres://cr:****@db:5432/cr",
		"redis://127.0.0.1:6379/0":         "redis://127.0.0.1:6379/0",
		"/home/me/settings.db":             "/home/me/settings.db",
	}
	for in, want := range tests {
		if got := maskDSN(in); got != want {
			t.Errorf("maskDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
