// Package wizard writes a cr-client config file from interactive answers.
package wizard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/pkg/cli"
)

var gatewayChoices = []string{
	"log     - log every hand-off (dry run)",
	"cdp     - open pages in a Chromium browser over DevTools",
	"webhook - POST each hand-off to an HTTP endpoint",
}

var settingsChoices = []string{"sqlite", "memory", "postgres", "redis"}

// Wizard drives the interactive setup.
type Wizard struct {
	p *cli.Prompter
}

func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks the questions, writes the config to outputPath and returns it.
func (w *Wizard) Run(outputPath string, generateSystemd bool) (*config.Config, error) {
	out := w.p.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Competitive Remote - client setup")
	fmt.Fprintln(out, strings.Repeat("─", 36))
	fmt.Fprintln(out)

	cfg := config.Default()

	fmt.Fprintln(out, "Relay")
	url, err := w.p.AskValid("  Relay WebSocket URL", config.DefaultRelayURL, config.ValidateRelayURL)
	if err != nil {
		return nil, err
	}
	cfg.Relay.URL = url
	cfg.Relay.ClientName = w.p.Ask("  Client name sent in hello", cfg.Relay.ClientName)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Delivery")
	kind := strings.Fields(w.p.Choose("  Where should submissions go?", gatewayChoices, 0))[0]
	cfg.Gateway.Kind = kind
	switch kind {
	case "cdp":
		cfg.Gateway.CDP.URL = w.p.Ask("  Browser debugging URL", "http://127.0.0.1:9222")
	case "webhook":
		hook, err := w.p.AskValid("  Webhook URL", "", nonEmpty("webhook url"))
		if err != nil {
			return nil, err
		}
		cfg.Gateway.Webhook.URL = hook
		if token := w.p.AskSecret("  Bearer token (empty for none)"); token != "" {
			cfg.Gateway.Webhook.Headers = map[string]string{"Authorization": "Bearer " + token}
		}
	}
	fallback, err := w.p.AskDuration("  Ready fallback", cfg.Gateway.ReadyFallback.Duration)
	if err != nil {
		return nil, err
	}
	cfg.Gateway.ReadyFallback.Duration = fallback
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Settings store")
	cfg.Settings.Driver = w.p.Choose("  Driver", settingsChoices, 0)
	switch cfg.Settings.Driver {
	case "sqlite":
		cfg.Settings.DSN = w.p.Ask("  Database file", cfg.Settings.DSN)
	case "postgres", "redis":
		dsn, err := w.p.AskValid("  Connection string", "", nonEmpty("connection string"))
		if err != nil {
			return nil, err
		}
		cfg.Settings.DSN = dsn
	case "memory":
		cfg.Settings.DSN = ""
	}
	fmt.Fprintln(out)

	cfg.Log.Level = w.p.Choose("Log level", []string{"debug", "info", "warn", "error"}, 1)

	fmt.Fprintln(out)
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", DefaultConfigPath())
	}
	if err := config.Save(outputPath, cfg); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "\n  Config written to %s\n", outputPath)

	if generateSystemd {
		if err := w.writeSystemdUnit(outputPath); err != nil {
			return nil, err
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Next steps:")
	fmt.Fprintf(out, "    cr-client start -c %s\n", outputPath)
	fmt.Fprintln(out, "    cr-client attach")
	fmt.Fprintln(out)
	return cfg, nil
}

func (w *Wizard) writeSystemdUnit(configPath string) error {
	unitPath := w.p.Ask("  Systemd user unit path", filepath.Join(userUnitDir(), "cr-client.service"))
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if err := writeUnit(unitPath, abs); err != nil {
		return err
	}
	fmt.Fprintf(w.p.Out, "  Systemd unit written to %s\n", unitPath)
	fmt.Fprintln(w.p.Out, "  Enable with: systemctl --user enable --now cr-client")
	return nil
}

func nonEmpty(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
