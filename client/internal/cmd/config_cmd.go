package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/settings"
)

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "View or edit client configuration",
		RunE:  runConfigShow,
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "edit",
			Short: "Open the config file in $EDITOR",
			RunE:  runConfigEdit,
		},
		&cobra.Command{
			Use:   "endpoint [url]",
			Short: "Print or change the relay endpoint",
			Long: "Without an argument, prints the relay endpoint from the settings store.\n" +
				"With a ws:// or wss:// URL, stores it; a running client reconnects to it.",
			Args: cobra.MaximumNArgs(1),
			RunE: runConfigEndpoint,
		},
	)
	return c
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	path, explicit := configPath(cmd, nil)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return err
	}
	masked := *cfg
	if len(cfg.Gateway.Webhook.Headers) > 0 {
		masked.Gateway.Webhook.Headers = make(map[string]string, len(cfg.Gateway.Webhook.Headers))
		for k, v := range cfg.Gateway.Webhook.Headers {
			masked.Gateway.Webhook.Headers[k] = maskSecret(v)
		}
	}
	masked.Settings.DSN = maskDSN(cfg.Settings.DSN)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config: %s\n\n", path)
	fmt.Fprintln(out, string(data))
	return nil
}

func runConfigEdit(cmd *cobra.Command, _ []string) error {
	path, _ := configPath(cmd, nil)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}
	c := exec.CommandContext(cmd.Context(), editor, path)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}

func runConfigEndpoint(cmd *cobra.Command, args []string) error {
	path, explicit := configPath(cmd, nil)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		if err := config.ValidateRelayURL(strings.TrimSpace(args[0])); err != nil {
			return err
		}
		if cfg.Settings.Driver == settings.DriverMemory {
			return errors.New("the memory settings driver is private to one process; configure sqlite, postgres or redis to change the endpoint of a running client")
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	store, err := settings.Open(settings.Config{
		Driver: cfg.Settings.Driver,
		DSN:    cfg.Settings.DSN,
		Prefix: cfg.Settings.Prefix,
	}, discardLogger())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if len(args) == 0 {
		v, err := store.Get(ctx, settings.KeyRelayURL)
		if errors.Is(err, settings.ErrNotFound) {
			v = cfg.Relay.URL
		} else if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	}

	url := strings.TrimSpace(args[0])
	if err := store.Set(ctx, settings.KeyRelayURL, url); err != nil {
		return err
	}
	fmt.Fprintf(out, "Relay endpoint set to %s\n", url)
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// maskDSN hides the password part of a URL-style connection string.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return dsn[:scheme+3] + user + ":****" + dsn[at:]
}
