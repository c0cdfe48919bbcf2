// Package runtime wires the relay connection, keepalive scheduler, settings
// store and delivery pipeline into one running client.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/config"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/gateway"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/keepalive"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/relayconn"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/router"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/settings"
)

// Options carries the pieces that differ between the daemon, a foreground
// run and tests. Zero values select the production implementation.
type Options struct {
	ConfigPath string // watched for relay.url edits when set
	SocketPath string // IPC socket; empty disables IPC
	Version    string

	Dialer  relayconn.Dialer
	Store   settings.Store
	Gateway gateway.Gateway
}

// Runtime is one running client.
type Runtime struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
	bus    *eventbus.Bus

	store settings.Store
	gw    gateway.Gateway
	conn  *relayconn.Manager
	sched *keepalive.Scheduler
	disp  *delivery.Dispatcher

	startedAt time.Time

	mu       sync.Mutex
	fileURL  string // relay.url as last read from the config file
	closeErr error
}

// New builds a runtime. The relay endpoint comes from the settings store and
// falls back to the configured relay.url, which is then written back so other
// processes sharing the store agree on it.
func New(ctx context.Context, cfg *config.Config, opts Options, bus *eventbus.Bus, logger *slog.Logger) (*Runtime, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	rt := &Runtime{
		cfg:       cfg,
		opts:      opts,
		logger:    logger.With("component", "runtime"),
		bus:       bus,
		startedAt: time.Now(),
		fileURL:   cfg.Relay.URL,
	}

	rt.store = opts.Store
	if rt.store == nil {
		s, err := settings.Open(settings.Config{
			Driver:       cfg.Settings.Driver,
			DSN:          cfg.Settings.DSN,
			PollInterval: cfg.Settings.PollInterval.Duration,
			Prefix:       cfg.Settings.Prefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open settings: %w", err)
		}
		rt.store = s
	}

	rt.gw = opts.Gateway
	if rt.gw == nil {
		gw, err := gateway.New(GatewayConfig(cfg), logger)
		if err != nil {
			_ = rt.store.Close()
			return nil, fmt.Errorf("create gateway: %w", err)
		}
		rt.gw = gw
	}

	endpoint, err := rt.resolveEndpoint(ctx)
	if err != nil {
		_ = rt.gw.Close()
		_ = rt.store.Close()
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = relayconn.WebSocketDialer{
			HandshakeTimeout: cfg.Relay.HandshakeTimeout.Duration,
			ReadLimit:        cfg.Relay.MaxMessageBytes,
		}
	}
	name := cfg.Relay.ClientName
	if cfg.Relay.DisableHello {
		name = ""
	}
	rt.conn = relayconn.NewManager(endpoint, dialer, relayconn.Options{
		ReconnectDelay: cfg.Relay.ReconnectInterval.Duration,
		PingInterval:   cfg.Relay.PingInterval.Duration,
		PongTimeout:    cfg.Relay.PongTimeout.Duration,
		ClientName:     name,
		OnStateChange:  rt.publishState,
	}, logger)

	rt.sched = keepalive.New(rt.conn, cfg.Relay.KeepaliveInterval.Duration, logger)
	rt.sched.OnResume = func(gap time.Duration) {
		rt.bus.PublishType(eventbus.RelayConnecting, map[string]any{"resumed_after": gap.String()})
	}

	rt.disp = delivery.NewDispatcher(rt.gw, delivery.Options{
		Window:          cfg.Delivery.FreshnessWindow.Duration,
		SweepInterval:   cfg.Delivery.SweepInterval.Duration,
		DeliverTimeout:  cfg.Delivery.DeliverTimeout.Duration,
		ActivateTimeout: cfg.Delivery.ActivateTimeout.Duration,
		HistorySize:     cfg.Delivery.HistorySize,
	}, rt.bus, logger)
	rt.conn.OnMessage(rt.disp.HandleFrame)

	return rt, nil
}

// GatewayConfig translates the gateway section of cfg.
func GatewayConfig(cfg *config.Config) gateway.Config {
	g := cfg.Gateway
	return gateway.Config{
		Kind:          g.Kind,
		ReadyFallback: g.ReadyFallback.Duration,
		Webhook: gateway.WebhookConfig{
			URL:              g.Webhook.URL,
			Headers:          g.Webhook.Headers,
			Timeout:          g.Webhook.Timeout.Duration,
			Attempts:         g.Webhook.Attempts,
			RetryDelay:       g.Webhook.RetryDelay.Duration,
			FailureThreshold: g.Webhook.FailureThreshold,
			ResetTimeout:     g.Webhook.ResetTimeout.Duration,
		},
		CDP: gateway.CDPConfig{
			URL:         g.CDP.URL,
			CallTimeout: g.CDP.CallTimeout.Duration,
			Channel:     g.CDP.Channel,
		},
	}
}

func (r *Runtime) resolveEndpoint(ctx context.Context) (string, error) {
	v, err := r.store.Get(ctx, settings.KeyRelayURL)
	switch {
	case err == nil && config.ValidateRelayURL(v) == nil:
		return v, nil
	case err == nil:
		r.logger.Warn("ignoring invalid stored relay url", "value", v)
	case !errors.Is(err, settings.ErrNotFound):
		return "", fmt.Errorf("read relay url: %w", err)
	}
	if err := r.store.Set(ctx, settings.KeyRelayURL, r.cfg.Relay.URL); err != nil {
		return "", fmt.Errorf("store relay url: %w", err)
	}
	return r.cfg.Relay.URL, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. It always releases the store, gateway and IPC socket.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting client",
		"version", r.opts.Version,
		"endpoint", r.conn.Endpoint(),
		"gateway", r.cfg.Gateway.Kind,
		"settings", r.cfg.Settings.Driver,
		"families", router.Families(),
	)
	defer r.shutdown()

	if r.opts.SocketPath != "" {
		srv := ipc.NewServer(r.opts.SocketPath, r, r.bus, r.logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start ipc: %w", err)
		}
		defer func() { _ = srv.Close() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.conn.Run(gctx) })
	g.Go(func() error { return r.disp.Run(gctx) })
	g.Go(func() error { return r.sched.Run(gctx) })
	g.Go(func() error { return r.followSettings(gctx) })
	if r.opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, r.opts.ConfigPath, r.logger, r.configChanged)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// followSettings applies relay.url changes from the store. The store only
// reports values that differ from the last one seen.
func (r *Runtime) followSettings(ctx context.Context) error {
	ch, cancel := r.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			if c.Key != settings.KeyRelayURL {
				continue
			}
			if err := config.ValidateRelayURL(c.Value); err != nil {
				r.logger.Warn("ignoring invalid relay url", "value", c.Value, "error", err)
				continue
			}
			if c.Value == r.conn.Endpoint() {
				continue
			}
			r.logger.Info("relay endpoint changed", "endpoint", c.Value)
			r.bus.PublishType(eventbus.EndpointChanged, map[string]string{"endpoint": c.Value})
			r.conn.SetEndpoint(c.Value)
		}
	}
}

// configChanged forwards an edited relay.url into the settings store. Other
// fields take effect on restart.
func (r *Runtime) configChanged(cfg *config.Config) {
	r.mu.Lock()
	changed := cfg.Relay.URL != r.fileURL
	r.fileURL = cfg.Relay.URL
	r.mu.Unlock()
	if !changed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Set(ctx, settings.KeyRelayURL, cfg.Relay.URL); err != nil {
		r.logger.Error("store relay url from config", "error", err)
	}
}

func (r *Runtime) publishState(s relayconn.State) {
	ev := map[string]string{"endpoint": r.conn.Endpoint()}
	switch s {
	case relayconn.StateConnected:
		r.bus.PublishType(eventbus.RelayConnected, ev)
	case relayconn.StateConnecting:
		r.bus.PublishType(eventbus.RelayConnecting, ev)
	case relayconn.StateDisconnected:
		r.bus.PublishType(eventbus.RelayDisconnected, ev)
	}
}

func (r *Runtime) shutdown() {
	r.logger.Info("shutting down client")
	r.conn.Close()
	r.disp.Close()
	if err := r.gw.Close(); err != nil {
		r.logger.Warn("close gateway", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close settings", "error", err)
	}
}

// Endpoint returns the relay address currently in use.
func (r *Runtime) Endpoint() string { return r.conn.Endpoint() }

// Status implements ipc.StateProvider.
func (r *Runtime) Status() ipc.StatusResult {
	cs := r.conn.Status()
	return ipc.StatusResult{
		Endpoint:    cs.Endpoint,
		State:       cs.State,
		Connected:   cs.State == relayconn.StateConnected.String(),
		ConnectedAt: cs.ConnectedAt,
		LastAck:     cs.LastAck,
		Dials:       cs.Dials,
		Reconnects:  cs.Reconnects,
		Pending:     r.disp.Queue().Len(),
		Gateway:     r.cfg.Gateway.Kind,
		Settings:    r.cfg.Settings.Driver,
		StartedAt:   r.startedAt,
		Uptime:      time.Since(r.startedAt).Truncate(time.Second).String(),
		Version:     r.opts.Version,
	}
}

// Deliveries implements ipc.StateProvider, newest first.
func (r *Runtime) Deliveries() []delivery.Result {
	out := r.disp.Recent()
	slices.Reverse(out)
	return out
}
