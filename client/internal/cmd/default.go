package cmd

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

// runDefault handles a bare `cr-client`:
//   - not a terminal: run in the foreground
//   - client already running: attach
//   - no config file: setup wizard
//   - otherwise: run in the foreground
func runDefault(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}
	if _, ok := daemon.Default().Running(); ok {
		return runAttach(cmd, args)
	}
	path, _ := configPath(cmd, args)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		initCmd := newInitCmd()
		initCmd.SetContext(cmd.Context())
		initCmd.SetIn(cmd.InOrStdin())
		initCmd.SetOut(cmd.OutOrStdout())
		if err := initCmd.RunE(initCmd, nil); err != nil {
			return err
		}
	}
	return runRun(cmd, args)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
