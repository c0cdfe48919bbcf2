package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// WebhookConfig configures the webhook gateway.
type WebhookConfig struct {
	URL              string
	Headers          map[string]string
	Timeout          time.Duration
	Attempts         uint
	RetryDelay       time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// WebhookEvent is the JSON body POSTed for every activation and delivery.
type WebhookEvent struct {
	Event         string `json:"event"`
	DestinationID string `json:"destination_id"`
	Address       string `json:"address"`
	Payload       any    `json:"payload,omitempty"`
	Timestamp     int64  `json:"ts"`
}

// Webhook event names.
const (
	WebhookActivate = "activate"
	WebhookDeliver  = "deliver"
)

// WebhookGateway forwards destinations to an HTTP endpoint, which is expected
// to open the destination and submit the payload. Every POST goes through a
// circuit breaker and is retried with a fixed delay.
type WebhookGateway struct {
	*readiness
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	dests   *destinations
	logger  *slog.Logger
}

// NewWebhook creates a webhook gateway.
func NewWebhook(cfg Config, logger *slog.Logger) (*WebhookGateway, error) {
	wc := cfg.Webhook
	if wc.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if wc.Timeout == 0 {
		wc.Timeout = 10 * time.Second
	}
	if wc.Attempts == 0 {
		wc.Attempts = 3
	}
	if wc.RetryDelay == 0 {
		wc.RetryDelay = 500 * time.Millisecond
	}
	if wc.FailureThreshold == 0 {
		wc.FailureThreshold = 5
	}
	if wc.ResetTimeout == 0 {
		wc.ResetTimeout = 30 * time.Second
	}

	logger = logger.With("component", "gateway", "kind", KindWebhook)
	return &WebhookGateway{
		readiness: newReadiness(cfg.ReadyFallback),
		cfg:       wc,
		client:    &http.Client{Timeout: wc.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: 1,
			Timeout:     wc.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= wc.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
		dests:  newDestinations(),
		logger: logger,
	}, nil
}

func (g *WebhookGateway) Activate(ctx context.Context, address string) (string, error) {
	id := g.dests.add(address)
	if err := g.post(ctx, WebhookEvent{Event: WebhookActivate, DestinationID: id, Address: address}); err != nil {
		g.dests.remove(id)
		return "", fmt.Errorf("activate %s: %w", address, err)
	}
	g.signalFallback(id)
	return id, nil
}

func (g *WebhookGateway) Deliver(ctx context.Context, id string, payload any) error {
	addr, ok := g.dests.get(id)
	if !ok {
		return fmt.Errorf("deliver %s: %w", id, ErrUnknownDestination)
	}
	if err := g.post(ctx, WebhookEvent{Event: WebhookDeliver, DestinationID: id, Address: addr, Payload: payload}); err != nil {
		return fmt.Errorf("deliver %s: %w", id, err)
	}
	return nil
}

func (g *WebhookGateway) Close() error {
	g.close()
	return nil
}

func (g *WebhookGateway) post(ctx context.Context, ev WebhookEvent) error {
	ev.Timestamp = time.Now().UnixMilli()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	return retry.New(
		retry.Attempts(g.cfg.Attempts),
		retry.Delay(g.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, g.send(ctx, body)
		})
		return err
	})
}

func (g *WebhookGateway) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cr-client")
	for k, v := range g.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
