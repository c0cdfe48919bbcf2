package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the client in the background",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	path, explicit := configPath(cmd, args)
	if _, err := config.LoadOrDefault(path, explicit); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	layout := daemon.Default()
	if pid, ok := layout.Running(); ok {
		return fmt.Errorf("cr-client is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	logFile, err := layout.OpenLog()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	childArgs := []string{"run"}
	if explicit {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		childArgs = append(childArgs, abs)
	}
	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	pid := child.Process.Pid
	if err := layout.WritePID(pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cr-client started (PID %d)\n", pid)
	fmt.Fprintf(out, "  Config: %s\n", path)
	fmt.Fprintf(out, "  Logs:   %s\n", layout.LogPath())
	return nil
}
