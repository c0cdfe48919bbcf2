package gateway

import (
	"fmt"
	"log/slog"
	"time"
)

// Gateway kinds.
const (
	KindLog     = "log"
	KindWebhook = "webhook"
	KindCDP     = "cdp"
)

// Config selects and configures a gateway.
type Config struct {
	Kind          string
	ReadyFallback time.Duration
	Webhook       WebhookConfig
	CDP           CDPConfig
}

// New creates the gateway named by cfg.Kind. An empty kind selects the log
// gateway.
func New(cfg Config, logger *slog.Logger) (Gateway, error) {
	switch cfg.Kind {
	case "", KindLog:
		return NewLog(cfg, logger), nil
	case KindWebhook:
		return NewWebhook(cfg, logger)
	case KindCDP:
		return NewCDP(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported gateway kind: %q (supported: log, webhook, cdp)", cfg.Kind)
	}
}
