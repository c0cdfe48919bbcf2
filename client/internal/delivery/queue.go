// Package delivery buffers routed tasks per destination until the destination
// signals readiness, then hands them to the gateway in order.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/router"
)

// DefaultWindow is how long an entry stays deliverable after enqueue.
const DefaultWindow = 10 * time.Second

// Entry is one buffered task.
type Entry struct {
	Task       router.Task
	EnqueuedAt time.Time
}

// Outcome of a queue entry.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// Result describes what happened to one entry.
type Result struct {
	DestinationID string    `json:"destination_id"`
	Family        string    `json:"family"`
	Destination   string    `json:"destination"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// DeliverFunc makes one hand-off attempt.
type DeliverFunc func(ctx context.Context, destID string, payload any) error

// QueueOptions configures a Queue.
type QueueOptions struct {
	Window         time.Duration // default DefaultWindow
	DeliverTimeout time.Duration // default 30s
	OnResult       func(Result)
}

type shard struct {
	mu       sync.Mutex
	pending  []Entry
	outbox   []Entry
	draining bool
	dead     bool // removed from the queue map; callers must re-resolve
}

// Queue holds entries per destination. Removing entries from a destination
// and handing them to its drain goroutine happen under that destination's
// lock, so an entry is delivered at most once.
type Queue struct {
	opts    QueueOptions
	deliver DeliverFunc
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	shards map[string]*shard

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a queue that delivers through fn.
func NewQueue(fn DeliverFunc, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		deliver: fn,
		logger:  logger.With("component", "delivery-queue"),
		now:     time.Now,
		shards:  make(map[string]*shard),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue appends task to destID's sequence, stamped with the current time.
func (q *Queue) Enqueue(destID string, task router.Task) {
	for {
		s := q.shard(destID)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		s.pending = append(s.pending, Entry{Task: task, EnqueuedAt: q.now()})
		s.mu.Unlock()
		return
	}
}

func (q *Queue) shard(destID string) *shard {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.shards[destID]
	if !ok {
		s = &shard{}
		q.shards[destID] = s
	}
	return s
}

// Flush takes every pending entry of destID, drops the stale ones and hands
// the rest, in enqueue order, to the destination's drain goroutine. It
// returns the number of entries handed off. Flush never blocks on the
// gateway.
func (q *Queue) Flush(destID string) int {
	q.mu.Lock()
	s, ok := q.shards[destID]
	q.mu.Unlock()
	if !ok {
		return 0
	}

	now := q.now()
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return 0
	}
	taken := s.pending
	s.pending = nil
	fresh, stale := lo.FilterReject(taken, func(e Entry, _ int) bool {
		return now.Sub(e.EnqueuedAt) <= q.opts.Window
	})
	if len(fresh) > 0 {
		s.outbox = append(s.outbox, fresh...)
		if !s.draining {
			s.draining = true
			q.wg.Add(1)
			go q.drain(destID, s)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		q.report(destID, e, OutcomeExpired, nil)
	}
	if len(stale) > 0 {
		q.logger.Info("discarded stale entries", "destination_id", destID, "count", len(stale))
	}
	return len(fresh)
}

func (q *Queue) drain(destID string, s *shard) {
	defer q.wg.Done()
	for {
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		if len(batch) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, e := range batch {
			ctx, cancel := context.WithTimeout(q.ctx, q.opts.DeliverTimeout)
			err := q.deliver(ctx, destID, e.Task.Payload)
			cancel()
			if err != nil {
				q.logger.Warn("delivery failed", "destination_id", destID, "destination", e.Task.Destination, "error", err)
				q.report(destID, e, OutcomeFailed, err)
				continue
			}
			q.logger.Info("delivered", "destination_id", destID, "family", e.Task.Family, "destination", e.Task.Destination)
			q.report(destID, e, OutcomeDelivered, nil)
		}
	}
}

// Sweep destroys stale entries of destinations that never became ready and
// forgets destinations with nothing left to do. It returns the number of
// entries dropped.
func (q *Queue) Sweep() int {
	now := q.now()
	type expired struct {
		destID  string
		entries []Entry
	}
	var dropped []expired

	q.mu.Lock()
	for id, s := range q.shards {
		s.mu.Lock()
		fresh, stale := lo.FilterReject(s.pending, func(e Entry, _ int) bool {
			return now.Sub(e.EnqueuedAt) <= q.opts.Window
		})
		s.pending = fresh
		if len(stale) > 0 {
			dropped = append(dropped, expired{destID: id, entries: stale})
		}
		if len(s.pending) == 0 && len(s.outbox) == 0 && !s.draining {
			s.dead = true
			delete(q.shards, id)
		}
		s.mu.Unlock()
	}
	q.mu.Unlock()

	n := 0
	for _, d := range dropped {
		for _, e := range d.entries {
			q.report(d.destID, e, OutcomeExpired, nil)
		}
		n += len(d.entries)
	}
	if n > 0 {
		q.logger.Info("swept stale entries", "count", n)
	}
	return n
}

// Pending returns the number of undelivered entries per destination.
func (q *Queue) Pending() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.shards))
	for id, s := range q.shards {
		s.mu.Lock()
		if n := len(s.pending) + len(s.outbox); n > 0 {
			out[id] = n
		}
		s.mu.Unlock()
	}
	return out
}

// Len returns the total number of undelivered entries.
func (q *Queue) Len() int {
	return lo.Sum(lo.Values(q.Pending()))
}

// Wait blocks until every drain goroutine has finished.
func (q *Queue) Wait() { q.wg.Wait() }

// Close cancels in-flight deliveries and waits for drains to stop.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) report(destID string, e Entry, outcome string, err error) {
	if q.opts.OnResult == nil {
		return
	}
	r := Result{
		DestinationID: destID,
		Family:        e.Task.Family,
		Destination:   e.Task.Destination,
		Outcome:       outcome,
		At:            q.now(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	q.opts.OnResult(r)
}
