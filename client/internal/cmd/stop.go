package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background client",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, _ []string) error {
	layout := daemon.Default()
	out := cmd.OutOrStdout()

	pid, err := layout.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		fmt.Fprintln(out, "cr-client is not running (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_ = layout.RemovePID()
		fmt.Fprintf(out, "cr-client is not running (stale PID %d removed)\n", pid)
		return nil
	}

	fmt.Fprintf(out, "Stopping cr-client (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid, 5*time.Second); err != nil {
		return err
	}
	_ = layout.RemovePID()
	fmt.Fprintln(out, "cr-client stopped")
	return nil
}
