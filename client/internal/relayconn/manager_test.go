package relayconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

type fakeConn struct {
	url    string
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{url: url, in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int // number of dials to fail before succeeding
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		d.conns = append(d.conns, nil)
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(url)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if c != nil && !c.isClosed() {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, d *fakeDialer, opts Options) *Manager {
	t.Helper()
	m := NewManager("ws://relay-a", d, opts, testLogger())
	t.Cleanup(m.Close)
	return m
}

func TestEnsureConnected_SingleDialUnderConcurrency(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EnsureConnected()
		}()
	}
	wg.Wait()

	waitFor(t, "connected", m.IsConnected)
	m.EnsureConnected()
	if got := d.count(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestSend(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{})

	if err := m.Send(map[string]string{"a": "b"}); err != nil {
		t.Errorf("Send while disconnected = %v, want nil", err)
	}
	if err := m.Send(make(chan int)); err == nil {
		t.Error("Send of unencodable value should fail")
	}

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	if err := m.Send(map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w := d.last().writes()
	if len(w) != 1 || w[0] != `{"a":"b"}` {
		t.Errorf("written = %v", w)
	}
}

func TestHelloOnConnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{ClientName: "cr-test"})
	m.EnsureConnected()
	waitFor(t, "hello", func() bool { return d.count() == 1 && len(d.last().writes()) == 1 })
	if got := d.last().writes()[0]; got != `{"type":"hello","client":"cr-test"}` {
		t.Errorf("hello = %s", got)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{ReconnectDelay: 150 * time.Millisecond})
	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	_ = d.last().Close()
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })

	time.Sleep(30 * time.Millisecond)
	if got := d.count(); got != 1 {
		t.Fatalf("dials before backoff elapsed = %d, want 1", got)
	}

	waitFor(t, "reconnected", func() bool { return d.count() == 2 && m.IsConnected() })
	time.Sleep(200 * time.Millisecond)
	if got := d.count(); got != 2 {
		t.Errorf("dials = %d, want exactly 2", got)
	}
}

func TestDialFailureRetries(t *testing.T) {
	d := &fakeDialer{failures: 3}
	m := newTestManager(t, d, Options{ReconnectDelay: 10 * time.Millisecond})
	m.EnsureConnected()

	waitFor(t, "connected", m.IsConnected)
	if got := d.count(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
}

func TestForceReconnect_SuppressesOldClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{ReconnectDelay: 20 * time.Millisecond})
	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	old := d.last()

	m.ForceReconnect()
	waitFor(t, "second connection", func() bool { return d.count() == 2 && m.IsConnected() })

	if !old.isClosed() {
		t.Error("old connection not closed")
	}
	// The old connection's close must not schedule another dial.
	time.Sleep(100 * time.Millisecond)
	if got := d.count(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if got := m.Status().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestAtMostOneLiveConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{ReconnectDelay: 5 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.EnsureConnected()
		}()
		go func() {
			defer wg.Done()
			m.ForceReconnect()
		}()
	}
	wg.Wait()

	waitFor(t, "connected", m.IsConnected)
	waitFor(t, "stale connections closed", func() bool { return d.open() == 1 })
}

func TestPongTimeoutForcesOneReconnect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{PingInterval: time.Hour, PongTimeout: 60 * time.Second})
	m.now = clock.Now

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	first := d.last()

	// A pong within the window keeps the connection.
	clock.Advance(30 * time.Second)
	first.in <- []byte(`{"type":"pong"}`)
	waitFor(t, "ack", func() bool { return m.Status().LastAck.Equal(clock.Now()) })

	clock.Advance(40 * time.Second)
	m.Probe()
	if got := d.count(); got != 1 {
		t.Fatalf("dials after acked probe = %d, want 1", got)
	}
	pings := 0
	for _, w := range first.writes() {
		if strings.Contains(w, `"type":"ping"`) {
			pings++
		}
	}
	if pings != 1 {
		t.Errorf("pings = %d, want 1", pings)
	}

	// No pong for more than the timeout.
	m.mu.Lock()
	lv := m.live
	m.mu.Unlock()
	clock.Advance(31 * time.Second)
	m.Probe()
	waitFor(t, "reconnect", func() bool { return d.count() == 2 && m.IsConnected() })

	// The old monitor is dead; further ticks must not force again.
	lv.tick()
	lv.tick()
	time.Sleep(20 * time.Millisecond)
	if got := d.count(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestProbeRestartsStalledMonitor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{PingInterval: time.Hour, PongTimeout: 10 * time.Hour})
	m.now = clock.Now

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	m.mu.Lock()
	lv := m.live
	m.mu.Unlock()

	clock.Advance(3 * time.Hour)
	if !lv.stalled(clock.Now()) {
		t.Fatal("monitor should be stalled")
	}
	m.Probe()
	if lv.stalled(clock.Now()) {
		t.Error("monitor still stalled after probe")
	}
}

func TestSetEndpoint_SwapsOnceAndDropsStaleFrames(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{})

	var mu sync.Mutex
	var got []protocol.Frame
	m.OnMessage(func(f protocol.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	a := d.last()

	// Read from the old connection but not yet consumed.
	a.in <- []byte(`{"url":"old","code":"x"}`)
	waitFor(t, "frame queued", func() bool { return len(m.inbound) == 1 })

	m.SetEndpoint("ws://relay-b")
	waitFor(t, "connected to b", func() bool { return d.count() == 2 && m.IsConnected() })
	m.SetEndpoint("ws://relay-b")

	b := d.last()
	if b.url != "ws://relay-b" {
		t.Fatalf("dialed %q, want ws://relay-b", b.url)
	}
	b.in <- []byte(`{"url":"new","code":"y"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitFor(t, "new frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].URL != "new" {
		t.Errorf("delivered = %+v, want only the new frame", got)
	}
	if n := d.count(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	if st := m.Status(); st.Reconnects != 1 || st.Endpoint != "ws://relay-b" {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_DeliversInOrderAndConsumesPongs(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, Options{})

	var mu sync.Mutex
	var urls []string
	m.OnMessage(func(f protocol.Frame) {
		mu.Lock()
		urls = append(urls, f.URL)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	c := d.last()

	want := []string{"1", "2", "3", "4", "5"}
	for i, u := range want {
		c.in <- []byte(`{"url":"` + u + `","code":"c"}`)
		if i == 2 {
			c.in <- []byte(`{"type":"pong"}`)
			c.in <- []byte(`garbage`)
		}
	}

	waitFor(t, "frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urls) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("order = %v, want %v", urls, want)
		}
	}
}

func TestClose_StopsReconnecting(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("ws://relay-a", d, Options{ReconnectDelay: 10 * time.Millisecond}, testLogger())
	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	m.Close()
	time.Sleep(50 * time.Millisecond)
	m.EnsureConnected()
	m.ForceReconnect()
	if got := d.count(); got != 1 {
		t.Errorf("dials after close = %d, want 1", got)
	}
	if m.IsConnected() {
		t.Error("still connected after close")
	}
}
