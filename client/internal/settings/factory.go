package settings

import (
	"fmt"
	"log/slog"
	"time"
)

// Drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects a settings driver.
type Config struct {
	Driver       string
	DSN          string
	PollInterval time.Duration // sqlite only
	Prefix       string        // redis only
}

// Open creates a Store based on the configured driver.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return NewSQLite(cfg.DSN, cfg.PollInterval, logger)
	case DriverPostgres:
		return NewPostgres(cfg.DSN, logger)
	case DriverRedis:
		return NewRedis(cfg.DSN, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("unsupported settings driver: %q", cfg.Driver)
	}
}
