package delivery

import "sync"

// History keeps the most recent results, oldest first.
type History struct {
	mu   sync.Mutex
	size int
	buf  []Result
}

// NewHistory creates a history holding up to size results.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{size: size}
}

// Add records r, evicting the oldest result when full.
func (h *History) Add(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, r)
	if over := len(h.buf) - h.size; over > 0 {
		h.buf = append(h.buf[:0:0], h.buf[over:]...)
	}
}

// Recent returns a copy of the recorded results.
func (h *History) Recent() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Result(nil), h.buf...)
}
