// Package settings is the client's external key/value configuration surface.
// The relay endpoint lives here so it can be changed while the client runs:
// every driver reports changes, including ones made by other processes.
package settings

import (
	"context"
	"errors"
	"sync"
)

// KeyRelayURL holds the relay endpoint address.
const KeyRelayURL = "relay.url"

// ErrNotFound is returned by Get for keys that were never set.
var ErrNotFound = errors.New("setting not found")

// Change is one observed value change.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Store is the settings persistence interface.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
	// Subscribe returns a channel of changes and a function that cancels the
	// subscription. A value is reported at most once per distinct change.
	Subscribe() (<-chan Change, func())
	Ping(ctx context.Context) error
	Close() error
}

// notifier fans changes out to subscribers and suppresses repeats, so a
// driver may report the same change from both its local write and its
// listener.
type notifier struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
	last map[string]string
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan Change]struct{}), last: make(map[string]string)}
}

// seed records a value as already known without reporting it.
func (n *notifier) seed(key, value string) {
	n.mu.Lock()
	n.last[key] = value
	n.mu.Unlock()
}

func (n *notifier) emit(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.last[key]; ok && prev == value {
		return
	}
	n.last[key] = value
	for ch := range n.subs {
		select {
		case ch <- Change{Key: key, Value: value}:
		default:
			// slow subscriber, drop
		}
	}
}

func (n *notifier) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			if _, ok := n.subs[ch]; ok {
				delete(n.subs, ch)
				close(ch)
			}
			n.mu.Unlock()
		})
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}

// MemoryStore keeps settings in process. Used for tests and for running
// without a settings database.
type MemoryStore struct {
	*notifier
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemory creates an empty memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{notifier: newNotifier(), vals: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.vals[key] = value
	s.mu.Unlock()
	s.emit(key, value)
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.closeAll()
	return nil
}
