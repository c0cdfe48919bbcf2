package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui/dashboard"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Open the dashboard of a running client",
		RunE:  runAttach,
	}
}

func runAttach(cmd *cobra.Command, _ []string) error {
	if err := dashboard.Attach(cmd.Context(), daemon.Default().SocketPath()); err != nil {
		return fmt.Errorf("attach failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cr-client keeps running. Re-attach: cr-client attach  |  Stop: cr-client stop")
	return nil
}
