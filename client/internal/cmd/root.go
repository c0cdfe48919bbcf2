// Package cmd implements the cr-client command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

var version = "dev"

// NewRootCmd builds the cr-client command tree. Invoked bare in a terminal it
// attaches to a running client, runs the setup wizard when no config exists,
// or runs in the foreground.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "cr-client",
		Short:         "Competitive Remote client: relay jobs into the browser",
		Long:          "cr-client keeps a connection to the relay and hands each received submission to the configured gateway.",
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newAttachCmd(),
		newLogsCmd(),
		newInitCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	root.PersistentFlags().StringP("config", "c", "", "path to config file (default "+daemon.Default().ConfigPath()+")")
	return root
}

// configPath resolves the config file from a positional argument, then the
// --config flag, then the default location. explicit is false only for the
// default.
func configPath(cmd *cobra.Command, args []string) (path string, explicit bool) {
	if len(args) > 0 {
		return args[0], true
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	return daemon.Default().ConfigPath(), false
}
