// Package daemon holds the on-disk layout and process helpers used when
// cr-client runs in the background.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// HomeEnv overrides the daemon directory.
const HomeEnv = "CR_HOME"

// Layout locates the files a background client shares with the CLI.
type Layout struct {
	Dir string
}

// Default returns the layout rooted at $CR_HOME or ~/.competitive-remote.
func Default() Layout {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return Layout{Dir: dir}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{Dir: ".competitive-remote"}
	}
	return Layout{Dir: filepath.Join(home, ".competitive-remote")}
}

func (l Layout) PIDPath() string      { return filepath.Join(l.Dir, "client.pid") }
func (l Layout) LogPath() string      { return filepath.Join(l.Dir, "client.log") }
func (l Layout) SocketPath() string   { return filepath.Join(l.Dir, "client.sock") }
func (l Layout) ConfigPath() string   { return filepath.Join(l.Dir, "config.json") }
func (l Layout) SettingsPath() string { return filepath.Join(l.Dir, "settings.db") }

// Ensure creates the daemon directory.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	return nil
}

// WritePID records the background process id.
func (l Layout) WritePID(pid int) error {
	if err := l.Ensure(); err != nil {
		return err
	}
	return os.WriteFile(l.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPID returns 0 when no PID file exists.
func (l Layout) ReadPID() (int, error) {
	data, err := os.ReadFile(l.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", l.PIDPath(), err)
	}
	return pid, nil
}

func (l Layout) RemovePID() error {
	err := os.Remove(l.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Running reports the recorded PID and whether that process is alive.
func (l Layout) Running() (int, bool) {
	pid, err := l.ReadPID()
	if err != nil || pid == 0 {
		return 0, false
	}
	return pid, IsRunning(pid)
}

// OpenLog opens the daemon log for appending.
func (l Layout) OpenLog() (*os.File, error) {
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(l.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
