// Package relayconn owns the client's single persistent connection to the
// relay: connecting, reconnecting, liveness probing and ordered delivery of
// inbound frames to one consumer.
package relayconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	ReconnectDelay time.Duration // default 1s
	PingInterval   time.Duration // default 30s
	PongTimeout    time.Duration // default 60s
	ClientName     string        // sent in the hello frame; empty disables hello
	InboundBuffer  int           // default 256

	// OnStateChange is called outside of the manager's lock after every
	// transition.
	OnStateChange func(State)
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 256
	}
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State       string    `json:"state"`
	Endpoint    string    `json:"endpoint"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastAck     time.Time `json:"last_ack,omitempty"`
	Dials       int       `json:"dials"`
	Reconnects  int       `json:"reconnects"`
}

type inbound struct {
	gen   uint64
	frame protocol.Frame
}

// Manager maintains at most one live relay connection.
//
// Every dial gets a fresh generation number. Callbacks from a connection whose
// generation is no longer current (read errors, liveness ticks, dial results)
// are ignored, which is how ForceReconnect suppresses the old connection's
// close path.
type Manager struct {
	opts   Options
	dialer Dialer
	logger *slog.Logger
	now    func() time.Time

	state stateGuard

	mu          sync.Mutex
	endpoint    string
	conn        Conn
	gen         uint64
	epoch       uint64 // frames from generations below this are discarded
	dialCancel  context.CancelFunc
	retry       *time.Timer
	live        *liveness
	handler     func(protocol.Frame)
	connectedAt time.Time
	dials       int
	reconnects  int
	closed      bool

	writeMu sync.Mutex

	inbound chan inbound
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager for the given endpoint. Nothing is dialed until
// EnsureConnected is called.
func NewManager(endpoint string, dialer Dialer, opts Options, logger *slog.Logger) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		dialer:   dialer,
		logger:   logger.With("component", "relay-conn"),
		now:      time.Now,
		endpoint: endpoint,
		inbound:  make(chan inbound, opts.InboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current connection state.
func (m *Manager) State() State { return m.state.get() }

// IsConnected reports whether a connection is established.
func (m *Manager) IsConnected() bool { return m.state.get() == StateConnected }

// Endpoint returns the address used for the next dial.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Status returns a snapshot for status reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state.get().String(),
		Endpoint:   m.endpoint,
		Dials:      m.dials,
		Reconnects: m.reconnects,
	}
	if m.conn != nil {
		st.ConnectedAt = m.connectedAt
	}
	if m.live != nil {
		st.LastAck = m.live.lastAckAt()
	}
	return st
}

// OnMessage registers the sole consumer of inbound non-control frames.
// Frames are handed over one at a time by Run.
func (m *Manager) OnMessage(h func(protocol.Frame)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// EnsureConnected starts a dial when the manager is disconnected. It is a
// no-op while connecting or connected and never blocks on the network.
func (m *Manager) EnsureConnected() {
	if m.state.get() != StateDisconnected {
		return
	}

	m.mu.Lock()
	if m.closed || !m.state.transition(StateDisconnected, StateConnecting) {
		m.mu.Unlock()
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.gen++
	gen := m.gen
	url := m.endpoint
	m.dials++
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.mu.Unlock()

	m.logger.Info("connecting", "url", url)
	m.notify(StateConnecting)
	go m.dial(ctx, cancel, gen, url)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string) {
	conn, err := m.dialer.Dial(ctx, url)
	cancel()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.state.set(StateDisconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logger.Warn("connection failed", "url", url, "error", err, "retry_in", m.opts.ReconnectDelay)
		m.notify(StateDisconnected)
		return
	}

	now := m.now()
	m.conn = conn
	m.connectedAt = now
	lv := newLiveness(m, gen, now)
	m.live = lv
	m.state.set(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected to relay", "url", url)
	m.notify(StateConnected)

	lv.start()
	go m.readLoop(gen, conn, lv)

	if m.opts.ClientName != "" {
		if err := m.Send(protocol.NewHello(m.opts.ClientName)); err != nil {
			m.logger.Warn("send hello failed", "error", err)
		}
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn, lv *liveness) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("invalid frame from relay", "error", err)
			continue
		}
		if f.IsPong() {
			lv.ack(m.now())
			continue
		}

		select {
		case m.inbound <- inbound{gen: gen, frame: f}:
		case <-m.ctx.Done():
			return
		}
	}
}

// connectionLost handles an unexpected close. Closes of superseded
// generations are ignored.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.state.set(StateDisconnected)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn("connection closed", "error", err, "retry_in", m.opts.ReconnectDelay)
	m.notify(StateDisconnected)
}

// ForceReconnect tears down the current connection (or in-flight dial)
// without triggering its close handling, then dials again immediately.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.epoch = m.gen
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.teardownLocked()
	m.state.set(StateDisconnected)
	m.reconnects++
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("forcing reconnect")
	m.notify(StateDisconnected)
	m.EnsureConnected()
}

// forceReconnectFrom forces a reconnect only if gen is still current, so a
// liveness monitor can never tear down a connection it does not own.
func (m *Manager) forceReconnectFrom(gen uint64) {
	m.mu.Lock()
	current := gen == m.gen && !m.closed
	m.mu.Unlock()
	if current {
		m.ForceReconnect()
	}
}

// SetEndpoint changes the relay address. A changed address forces a reconnect
// to it; an unchanged one is ignored.
func (m *Manager) SetEndpoint(url string) {
	m.mu.Lock()
	changed := url != m.endpoint
	m.endpoint = url
	m.mu.Unlock()

	if changed {
		m.logger.Info("relay endpoint changed", "url", url)
		m.ForceReconnect()
	}
}

// Send encodes v as JSON and writes it to the live connection. When not
// connected the frame is dropped and nil is returned; only encoding failures
// are reported. Write errors are logged and surface through the read loop.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.logger.Debug("not connected, dropping outbound frame")
		return nil
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("write failed", "error", err)
	}
	return nil
}

// sendFrom sends v only if gen is the live generation.
func (m *Manager) sendFrom(gen uint64, v any) {
	m.mu.Lock()
	current := gen == m.gen && m.conn != nil
	m.mu.Unlock()
	if current {
		_ = m.Send(v)
	}
}

// Probe re-arms a stalled liveness monitor and runs one probe immediately.
// It does nothing when not connected.
func (m *Manager) Probe() {
	m.mu.Lock()
	lv := m.live
	m.mu.Unlock()
	if lv == nil {
		return
	}
	if lv.stalled(m.now()) {
		m.logger.Warn("liveness timer stalled, restarting")
		lv.restart()
	}
	lv.tick()
}

// Run consumes inbound frames, handing each to the registered handler in
// arrival order, until ctx is done. Frames that arrived on a connection
// superseded by ForceReconnect are discarded.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return nil
		case in := <-m.inbound:
			m.mu.Lock()
			stale := in.gen < m.epoch
			h := m.handler
			m.mu.Unlock()
			if stale {
				m.logger.Debug("dropping frame from superseded connection")
				continue
			}
			if h != nil {
				h(in.frame)
			}
		}
	}
}

// Close shuts the manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.teardownLocked()
	m.state.set(StateDisconnected)
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardownLocked detaches the live connection and stops its monitor. The
// caller closes the returned connection after releasing the lock.
func (m *Manager) teardownLocked() Conn {
	conn := m.conn
	m.conn = nil
	if m.live != nil {
		m.live.stop()
		m.live = nil
	}
	return conn
}

// scheduleReconnectLocked arms the single reconnect timer.
func (m *Manager) scheduleReconnectLocked() {
	if m.retry != nil || m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		if m.retry != t {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.mu.Unlock()
		m.EnsureConnected()
	})
	m.retry = t
}

func (m *Manager) notify(s State) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}
