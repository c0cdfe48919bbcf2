package cmd

import (
	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/wizard"
	"github.com/XiaoCRQ/Competitive-Remote/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard that writes a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				if path, explicit := configPath(cmd, nil); explicit {
					output = path
				}
			}
			systemd, _ := cmd.Flags().GetBool("systemd")
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			_, err := wizard.New(p).Run(output, systemd)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default "+wizard.DefaultConfigPath()+")")
	cmd.Flags().Bool("systemd", false, "also write a systemd user unit")
	return cmd
}
