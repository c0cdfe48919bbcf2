package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
)

type fakeProvider struct{}

func (fakeProvider) Status() StatusResult {
	return StatusResult{Endpoint: "ws://127.0.0.1:10044", State: "connected", Connected: true, Pending: 2, Version: "test"}
}

func (fakeProvider) Deliveries() []delivery.Result {
	return []delivery.Result{{DestinationID: "d1", Family: "luogu", Outcome: delivery.OutcomeDelivered}}
}

func startServer(t *testing.T) (*Server, *eventbus.Bus, string) {
	t.Helper()
	// Unix socket paths are length limited; keep them short.
	dir, err := os.MkdirTemp("", "cripc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	bus := eventbus.New()
	srv := NewServer(path, fakeProvider{}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, bus, path
}

func TestStatusAndDeliveries(t *testing.T) {
	_, _, path := startServer(t)
	c, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Connected || st.Endpoint != "ws://127.0.0.1:10044" || st.Pending != 2 {
		t.Errorf("status = %+v", st)
	}

	ds, err := c.Deliveries(ctx)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(ds) != 1 || ds[0].Family != "luogu" {
		t.Errorf("deliveries = %+v", ds)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, path := startServer(t)
	c, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Call(ctx, "reboot", nil, nil); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestSubscribe_StreamsFilteredEvents(t *testing.T) {
	_, bus, path := startServer(t)
	c, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, eventbus.TaskDelivered); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.PublishType(eventbus.JobReceived, map[string]string{"url": "x"})
	bus.PublishType(eventbus.TaskDelivered, map[string]string{"destination_id": "d1"})

	select {
	case evt := <-c.Events():
		if evt.Type != eventbus.TaskDelivered {
			t.Errorf("event type = %s", evt.Type)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	// Calls still work while subscribed.
	if _, err := c.Status(ctx); err != nil {
		t.Fatalf("Status while subscribed: %v", err)
	}
}

func TestClose_RemovesSocket(t *testing.T) {
	srv, _, path := startServer(t)
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket still present: %v", err)
	}
	if _, err := Dial(path); err == nil {
		t.Error("dial succeeded after Close")
	}
}
