package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
)

// CDPConfig configures the Chrome DevTools Protocol gateway.
type CDPConfig struct {
	// URL is either the browser's HTTP debugging endpoint
	// (http://127.0.0.1:9222) or a browser-level DevTools WebSocket URL.
	URL         string
	CallTimeout time.Duration
	// Channel is the message event type the page-side script listens for.
	Channel string
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string { return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message) }

// CDPGateway opens each destination as a new browser tab. A tab is ready when
// its load event fires; payloads are posted into the page with
// window.postMessage for a page-side script to pick up.
type CDPGateway struct {
	*readiness
	cfg    CDPConfig
	logger *slog.Logger

	msgID atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[int64]chan cdpMessage
	sessions map[string]string // target id → session id
	targets  map[string]string // session id → target id
	closed   bool
}

// NewCDP creates a CDP gateway. The browser is dialed on first activation.
func NewCDP(cfg Config, logger *slog.Logger) (*CDPGateway, error) {
	cc := cfg.CDP
	if cc.URL == "" {
		return nil, fmt.Errorf("cdp url is required")
	}
	if cc.CallTimeout == 0 {
		cc.CallTimeout = 30 * time.Second
	}
	if cc.Channel == "" {
		cc.Channel = "competitive-remote"
	}
	return &CDPGateway{
		readiness: newReadiness(cfg.ReadyFallback),
		cfg:       cc,
		logger:    logger.With("component", "gateway", "kind", KindCDP),
		pending:   make(map[int64]chan cdpMessage),
		sessions:  make(map[string]string),
		targets:   make(map[string]string),
	}, nil
}

// Activate opens address in a new tab and returns the tab's target id.
func (g *CDPGateway) Activate(ctx context.Context, address string) (string, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return "", err
	}

	res, err := g.call(ctx, "Target.createTarget", map[string]any{"url": address}, "")
	if err != nil {
		return "", fmt.Errorf("createTarget: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return "", fmt.Errorf("unmarshal createTarget: %w", err)
	}

	res, err = g.call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return "", fmt.Errorf("attachToTarget: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return "", fmt.Errorf("unmarshal attach: %w", err)
	}

	g.mu.Lock()
	g.sessions[created.TargetID] = attached.SessionID
	g.targets[attached.SessionID] = created.TargetID
	g.mu.Unlock()

	if _, err := g.call(ctx, "Page.enable", nil, attached.SessionID); err != nil {
		g.logger.Warn("failed to enable Page domain", "target", created.TargetID, "error", err)
	}

	g.logger.Info("tab opened", "target", created.TargetID, "address", address)
	g.signalFallback(created.TargetID)
	return created.TargetID, nil
}

// Deliver posts payload into the tab.
func (g *CDPGateway) Deliver(ctx context.Context, id string, payload any) error {
	g.mu.Lock()
	session, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("deliver %s: %w", id, ErrUnknownDestination)
	}

	data, err := json.Marshal(map[string]any{"type": g.cfg.Channel, "payload": payload})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	js := fmt.Sprintf(`(() => { window.postMessage(%s, "*"); return true; })()`, data)

	res, err := g.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    js,
		"returnByValue": true,
	}, session)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	var eval struct {
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &eval); err != nil {
		return fmt.Errorf("unmarshal eval result: %w", err)
	}
	if eval.ExceptionDetails != nil {
		return fmt.Errorf("JS exception: %s", eval.ExceptionDetails.Text)
	}
	return nil
}

func (g *CDPGateway) Close() error {
	g.close()
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "gateway closing")
	}
	return nil
}

func (g *CDPGateway) ensureConnected(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("gateway closed")
	}
	if g.conn != nil {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	var conn *websocket.Conn
	err := retry.New(
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		wsURL, err := resolveDebuggerURL(ctx, g.cfg.URL)
		if err != nil {
			return err
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, _, err := websocket.Dial(dialCtx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial devtools: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	conn.SetReadLimit(64 * 1024 * 1024)

	g.mu.Lock()
	if g.conn != nil || g.closed {
		g.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return nil
	}
	g.conn = conn
	g.mu.Unlock()

	g.logger.Info("connected to browser", "url", g.cfg.URL)
	go g.readLoop(conn)
	return nil
}

// resolveDebuggerURL turns an HTTP debugging endpoint into the browser's
// WebSocket URL via /json/version. WebSocket URLs are returned unchanged.
func resolveDebuggerURL(ctx context.Context, raw string) (string, error) {
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid cdp url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/json/version"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: status %d", u, resp.StatusCode)
	}

	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decode /json/version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser reported no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}

func (g *CDPGateway) call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	id := g.msgID.Add(1)

	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	data, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: raw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	ch := make(chan cdpMessage, 1)
	g.mu.Lock()
	conn := g.conn
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	if conn == nil {
		return nil, fmt.Errorf("CDP connection closed")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write CDP: %w", err)
	}

	timer := time.NewTimer(g.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("CDP call timed out: %s", method)
	case <-g.done:
		return nil, fmt.Errorf("gateway closed")
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("CDP connection lost")
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

func (g *CDPGateway) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.connectionLost(conn, err)
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Warn("CDP unmarshal error", "error", err)
			continue
		}

		if msg.ID > 0 {
			g.mu.Lock()
			ch, ok := g.pending[msg.ID]
			g.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		g.handleEvent(msg)
	}
}

func (g *CDPGateway) handleEvent(msg cdpMessage) {
	switch msg.Method {
	case "Page.loadEventFired":
		g.mu.Lock()
		target, ok := g.targets[msg.SessionID]
		g.mu.Unlock()
		if ok {
			g.logger.Debug("tab loaded", "target", target)
			go g.signal(target)
		}

	case "Target.detachedFromTarget", "Target.targetDestroyed":
		var p struct {
			SessionID string `json:"sessionId"`
			TargetID  string `json:"targetId"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		g.mu.Lock()
		if p.TargetID == "" {
			p.TargetID = g.targets[p.SessionID]
		}
		if s, ok := g.sessions[p.TargetID]; ok {
			delete(g.targets, s)
			delete(g.sessions, p.TargetID)
		}
		g.mu.Unlock()
	}
}

// connectionLost fails in-flight calls and forgets every tab; the next
// activation redials.
func (g *CDPGateway) connectionLost(conn *websocket.Conn, err error) {
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
	g.sessions = make(map[string]string)
	g.targets = make(map[string]string)
	closed := g.closed
	g.mu.Unlock()

	if !closed {
		g.logger.Warn("browser connection lost", "error", err)
	}
}
