package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show client status",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("deliveries", false, "also list recent deliveries")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	layout := daemon.Default()
	withDeliveries, _ := cmd.Flags().GetBool("deliveries")

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	c, err := ipc.Dial(layout.SocketPath())
	if err == nil {
		defer func() { _ = c.Close() }()
		st, err := c.Status(ctx)
		if err == nil {
			fmt.Fprintf(out, "Status:     running (%s)\n", st.Version)
			fmt.Fprintf(out, "Relay:      %s (%s)\n", st.Endpoint, st.State)
			if !st.LastAck.IsZero() {
				fmt.Fprintf(out, "Last pong:  %s ago\n", time.Since(st.LastAck).Truncate(time.Second))
			}
			fmt.Fprintf(out, "Reconnects: %d\n", st.Reconnects)
			fmt.Fprintf(out, "Pending:    %d\n", st.Pending)
			fmt.Fprintf(out, "Gateway:    %s\n", st.Gateway)
			fmt.Fprintf(out, "Settings:   %s\n", st.Settings)
			fmt.Fprintf(out, "Uptime:     %s\n", st.Uptime)
			if withDeliveries {
				ds, err := c.Deliveries(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "\nRecent deliveries:")
				for _, d := range ds {
					line := fmt.Sprintf("  %s  %-10s %-9s %s", d.At.Local().Format(time.DateTime), d.Family, d.Outcome, d.Destination)
					if d.Error != "" {
						line += "  (" + d.Error + ")"
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		}
	}

	pid, _ := layout.ReadPID()
	switch {
	case pid == 0:
		fmt.Fprintln(out, "Status:  stopped (no PID file)")
	case !daemon.IsRunning(pid):
		fmt.Fprintf(out, "Status:  stopped (stale PID %d)\n", pid)
	default:
		fmt.Fprintf(out, "Status:  running, not answering on %s\n", layout.SocketPath())
		fmt.Fprintf(out, "PID:     %d\n", pid)
		fmt.Fprintf(out, "Logs:    %s\n", layout.LogPath())
	}
	return nil
}
