package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitReady(t *testing.T, g Gateway, want string) {
	t.Helper()
	select {
	case id := <-g.Ready():
		if id != want {
			t.Fatalf("ready id = %q, want %q", id, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no readiness signal for %s", want)
	}
}

func TestNew_Kinds(t *testing.T) {
	if _, err := New(Config{}, testLogger()); err != nil {
		t.Errorf("default kind: %v", err)
	}
	if _, err := New(Config{Kind: KindWebhook}, testLogger()); err == nil {
		t.Error("webhook without url should fail")
	}
	if _, err := New(Config{Kind: KindCDP}, testLogger()); err == nil {
		t.Error("cdp without url should fail")
	}
	if _, err := New(Config{Kind: "carrier-pigeon"}, testLogger()); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestLogGateway(t *testing.T) {
	g := NewLog(Config{ReadyFallback: 10 * time.Millisecond}, testLogger())
	defer g.Close()

	id, err := g.Activate(context.Background(), "https://example.com/submit")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitReady(t, g, id)

	if err := g.Deliver(context.Background(), id, map[string]string{"code": "x"}); err != nil {
		t.Errorf("Deliver: %v", err)
	}
	if err := g.Deliver(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownDestination) {
		t.Errorf("Deliver unknown = %v, want ErrUnknownDestination", err)
	}
}

func TestWebhookGateway_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var events []WebhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var ev WebhookEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g, err := NewWebhook(Config{
		ReadyFallback: 10 * time.Millisecond,
		Webhook: WebhookConfig{
			URL:        srv.URL,
			Headers:    map[string]string{"X-Token": "abc"},
			Attempts:   3,
			RetryDelay: time.Millisecond,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	defer g.Close()

	id, err := g.Activate(context.Background(), "https://codeforces.com/contest/42/submit")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitReady(t, g, id)

	// The second POST fails once and is retried.
	if err := g.Deliver(context.Background(), id, map[string]string{"code": "x"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Event != WebhookActivate || events[1].Event != WebhookDeliver {
		t.Fatalf("events = %+v", events)
	}
	if events[1].DestinationID != id || events[1].Address != "https://codeforces.com/contest/42/submit" {
		t.Errorf("deliver event = %+v", events[1])
	}
}

func TestWebhookGateway_ActivateFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, err := NewWebhook(Config{Webhook: WebhookConfig{URL: srv.URL, Attempts: 2, RetryDelay: time.Millisecond}}, testLogger())
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	defer g.Close()

	if _, err := g.Activate(context.Background(), "https://x"); err == nil {
		t.Fatal("expected activation error")
	}
	if n := g.dests.len(); n != 0 {
		t.Errorf("destinations after failed activation = %d, want 0", n)
	}
}

// fakeBrowser speaks just enough DevTools protocol for the gateway.
type fakeBrowser struct {
	mu          sync.Mutex
	expressions []string
	created     []string
}

func (b *fakeBrowser) serve(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": ws})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg cdpMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("bad CDP message: %v", err)
				return
			}
			reply := cdpMessage{ID: msg.ID}
			var event *cdpMessage
			switch msg.Method {
			case "Target.createTarget":
				var p struct {
					URL string `json:"url"`
				}
				_ = json.Unmarshal(msg.Params, &p)
				b.mu.Lock()
				b.created = append(b.created, p.URL)
				b.mu.Unlock()
				reply.Result = json.RawMessage(`{"targetId":"T1"}`)
			case "Target.attachToTarget":
				reply.Result = json.RawMessage(`{"sessionId":"S1"}`)
			case "Page.enable":
				reply.Result = json.RawMessage(`{}`)
				event = &cdpMessage{Method: "Page.loadEventFired", SessionID: "S1", Params: json.RawMessage(`{"timestamp":1}`)}
			case "Runtime.evaluate":
				var p struct {
					Expression string `json:"expression"`
				}
				_ = json.Unmarshal(msg.Params, &p)
				b.mu.Lock()
				b.expressions = append(b.expressions, p.Expression)
				b.mu.Unlock()
				reply.Result = json.RawMessage(`{"result":{"type":"boolean","value":true}}`)
			default:
				reply.Error = &cdpError{Code: -32601, Message: "method not found"}
			}
			out, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
			if event != nil {
				out, _ := json.Marshal(event)
				_ = conn.Write(ctx, websocket.MessageText, out)
			}
		}
	})
	srv = httptest.NewServer(mux)
	return srv
}

func TestCDPGateway(t *testing.T) {
	b := &fakeBrowser{}
	srv := b.serve(t)
	defer srv.Close()

	g, err := NewCDP(Config{Kind: KindCDP, CDP: CDPConfig{URL: srv.URL}}, testLogger())
	if err != nil {
		t.Fatalf("NewCDP: %v", err)
	}
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := g.Activate(ctx, "https://www.luogu.com.cn/problem/P1001#submit")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if id != "T1" {
		t.Fatalf("id = %q, want T1", id)
	}
	waitReady(t, g, "T1")

	if err := g.Deliver(ctx, id, map[string]string{"code": "int main(){}"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := g.Deliver(ctx, "T404", nil); !errors.Is(err, ErrUnknownDestination) {
		t.Errorf("Deliver unknown = %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) != 1 || b.created[0] != "https://www.luogu.com.cn/problem/P1001#submit" {
		t.Errorf("created = %v", b.created)
	}
	if len(b.expressions) != 1 || !strings.Contains(b.expressions[0], `window.postMessage(`) ||
		!strings.Contains(b.expressions[0], `"competitive-remote"`) {
		t.Errorf("expressions = %v", b.expressions)
	}
}

func TestResolveDebuggerURL_PassesThroughWebSocket(t *testing.T) {
	got, err := resolveDebuggerURL(context.Background(), "ws://127.0.0.1:9222/devtools/browser/x")
	if err != nil || got != "ws://127.0.0.1:9222/devtools/browser/x" {
		t.Errorf("resolveDebuggerURL = %q, %v", got, err)
	}
}
