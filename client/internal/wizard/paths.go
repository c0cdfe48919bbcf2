package wizard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

// DefaultConfigPath is where cr-client looks for its config when none is given.
func DefaultConfigPath() string {
	return daemon.Default().ConfigPath()
}

func userUnitDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "systemd", "user")
	}
	return "."
}

const unitTemplate = `[Unit]
Description=Competitive Remote client
After=network-online.target

[Service]
Type=simple
ExecStart=%s run %s
Restart=always
RestartSec=5

[Install]
WantedBy=default.target
`

func writeUnit(unitPath, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		exe = "cr-client"
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(unitPath, fmt.Appendf(nil, unitTemplate, exe, configPath), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	return nil
}
