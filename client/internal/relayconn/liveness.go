package relayconn

import (
	"sync"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// liveness probes one connection generation. Every PingInterval it sends a
// ping and checks how long ago the last pong arrived; past PongTimeout it
// forces a reconnect, at most once for its generation.
type liveness struct {
	m   *Manager
	gen uint64

	mu       sync.Mutex
	lastAck  time.Time
	lastTick time.Time
	expired  bool
	stopped  bool
	done     chan struct{}
}

func newLiveness(m *Manager, gen uint64, connectedAt time.Time) *liveness {
	return &liveness{
		m:        m,
		gen:      gen,
		lastAck:  connectedAt,
		lastTick: connectedAt,
	}
}

// start launches the ticker goroutine unless the monitor was already stopped.
func (l *liveness) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.done != nil {
		return
	}
	l.done = make(chan struct{})
	go l.run(l.done)
}

// restart replaces the ticker goroutine.
func (l *liveness) restart() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	if l.done != nil {
		close(l.done)
	}
	l.done = make(chan struct{})
	l.lastTick = l.m.now()
	done := l.done
	l.mu.Unlock()
	go l.run(done)
}

func (l *liveness) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if l.done != nil {
		close(l.done)
	}
}

func (l *liveness) run(done <-chan struct{}) {
	t := time.NewTicker(l.m.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			l.tick()
		}
	}
}

// tick sends one probe and evaluates the timeout.
func (l *liveness) tick() {
	now := l.m.now()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.lastTick = now
	silent := now.Sub(l.lastAck)
	fire := !l.expired && silent > l.m.opts.PongTimeout
	if fire {
		l.expired = true
	}
	l.mu.Unlock()

	l.m.sendFrom(l.gen, protocol.NewPing(now))

	if fire {
		l.m.logger.Warn("pong timeout, reconnecting", "silent_for", silent.Round(time.Millisecond))
		l.m.forceReconnectFrom(l.gen)
	}
}

func (l *liveness) ack(at time.Time) {
	l.mu.Lock()
	l.lastAck = at
	l.mu.Unlock()
}

func (l *liveness) lastAckAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAck
}

// stalled reports whether the ticker has missed two consecutive intervals,
// e.g. because the process was suspended.
func (l *liveness) stalled(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped && now.Sub(l.lastTick) > 2*l.m.opts.PingInterval
}
