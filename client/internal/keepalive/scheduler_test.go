package keepalive

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	ensures   int
	probes    int
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) EnsureConnected() {
	c.mu.Lock()
	c.ensures++
	c.mu.Unlock()
}

func (c *fakeConn) Probe() {
	c.mu.Lock()
	c.probes++
	c.mu.Unlock()
}

func (c *fakeConn) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensures, c.probes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_ClampsInterval(t *testing.T) {
	c := &fakeConn{}
	if got := New(c, 5*time.Minute, testLogger()).Interval(); got != MaxInterval {
		t.Errorf("Interval() = %v, want %v", got, MaxInterval)
	}
	if got := New(c, 0, testLogger()).Interval(); got != MaxInterval {
		t.Errorf("Interval() = %v, want %v", got, MaxInterval)
	}
	if got := New(c, 20*time.Second, testLogger()).Interval(); got != 20*time.Second {
		t.Errorf("Interval() = %v, want 20s", got)
	}
}

func TestTick_DisconnectedEnsures(t *testing.T) {
	c := &fakeConn{}
	s := New(c, time.Minute, testLogger())
	s.Tick()
	if e, p := c.counts(); e != 1 || p != 0 {
		t.Errorf("ensures=%d probes=%d, want 1/0", e, p)
	}
}

func TestTick_ConnectedProbes(t *testing.T) {
	c := &fakeConn{connected: true}
	s := New(c, time.Minute, testLogger())
	s.Tick()
	s.Tick()
	if e, p := c.counts(); e != 0 || p != 2 {
		t.Errorf("ensures=%d probes=%d, want 0/2", e, p)
	}
}

func TestTick_DetectsSuspension(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := &fakeConn{connected: true}
	s := New(c, time.Minute, testLogger())
	s.now = func() time.Time { return now }

	var gaps []time.Duration
	s.OnResume = func(gap time.Duration) { gaps = append(gaps, gap) }

	s.Tick()
	now = now.Add(time.Minute)
	s.Tick()
	now = now.Add(10 * time.Minute)
	s.Tick()

	if len(gaps) != 1 || gaps[0] != 10*time.Minute {
		t.Errorf("gaps = %v, want [10m]", gaps)
	}
}

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	c := &fakeConn{}
	s := New(c, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, _ := c.counts(); e == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no immediate tick")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
