package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// LogGateway accepts every destination and logs each hand-off. It is the
// default when no browser or webhook is configured, and is useful for dry
// runs against a live relay.
type LogGateway struct {
	*readiness
	dests  *destinations
	logger *slog.Logger
}

// NewLog creates a log gateway. Destinations become ready after fallback.
func NewLog(cfg Config, logger *slog.Logger) *LogGateway {
	return &LogGateway{
		readiness: newReadiness(cfg.ReadyFallback),
		dests:     newDestinations(),
		logger:    logger.With("component", "gateway", "kind", KindLog),
	}
}

func (g *LogGateway) Activate(_ context.Context, address string) (string, error) {
	id := g.dests.add(address)
	g.logger.Info("destination activated", "id", id, "address", address)
	g.signalFallback(id)
	return id, nil
}

func (g *LogGateway) Deliver(_ context.Context, id string, payload any) error {
	addr, ok := g.dests.get(id)
	if !ok {
		return fmt.Errorf("deliver %s: %w", id, ErrUnknownDestination)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	g.logger.Info("payload delivered", "id", id, "address", addr, "bytes", len(data))
	g.logger.Debug("payload", "id", id, "body", string(data))
	return nil
}

func (g *LogGateway) Close() error {
	g.close()
	return nil
}
