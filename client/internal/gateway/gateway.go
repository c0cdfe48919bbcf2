// Package gateway hands delivery payloads to destinations. A destination is
// opened with Activate, announces itself on Ready once it can accept a
// payload, and receives payloads through Deliver.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownDestination is returned by Deliver for ids the gateway never
// issued or has already forgotten.
var ErrUnknownDestination = errors.New("unknown destination")

// Gateway is the collaborator that owns destinations.
type Gateway interface {
	// Activate opens (or focuses) address and returns its correlation id.
	Activate(ctx context.Context, address string) (string, error)
	// Ready yields a destination id each time that destination becomes able
	// to accept payloads. The same id may be signalled more than once.
	Ready() <-chan string
	// Deliver makes one hand-off attempt.
	Deliver(ctx context.Context, id string, payload any) error
	Close() error
}

// readiness is the Ready channel shared by the implementations. Besides any
// native signal, every activation gets a fallback signal after a fixed delay
// so a payload enqueued after the native signal is not stranded.
type readiness struct {
	ch       chan string
	fallback time.Duration
	done     chan struct{}
	once     sync.Once
}

func newReadiness(fallback time.Duration) *readiness {
	return &readiness{
		ch:       make(chan string, 64),
		fallback: fallback,
		done:     make(chan struct{}),
	}
}

func (r *readiness) Ready() <-chan string { return r.ch }

func (r *readiness) signal(id string) {
	select {
	case r.ch <- id:
	case <-r.done:
	}
}

func (r *readiness) signalFallback(id string) {
	if r.fallback <= 0 {
		return
	}
	time.AfterFunc(r.fallback, func() { r.signal(id) })
}

func (r *readiness) close() {
	r.once.Do(func() { close(r.done) })
}

// destinations maps issued ids to addresses.
type destinations struct {
	mu sync.Mutex
	m  map[string]string
}

func newDestinations() *destinations {
	return &destinations{m: make(map[string]string)}
}

func (d *destinations) add(address string) string {
	id := uuid.NewString()
	d.put(id, address)
	return id
}

func (d *destinations) put(id, address string) {
	d.mu.Lock()
	d.m[id] = address
	d.mu.Unlock()
}

func (d *destinations) get(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.m[id]
	return addr, ok
}

func (d *destinations) remove(id string) {
	d.mu.Lock()
	delete(d.m, id)
	d.mu.Unlock()
}

func (d *destinations) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
