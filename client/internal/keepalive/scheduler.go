// Package keepalive runs the periodic idle-prevention check that keeps the
// relay connection alive when the host may suspend or throttle the process.
package keepalive

import (
	"context"
	"log/slog"
	"time"
)

// MaxInterval bounds the scheduler period.
const MaxInterval = time.Minute

// Conn is the part of the connection manager the scheduler drives.
type Conn interface {
	IsConnected() bool
	EnsureConnected()
	Probe()
}

// Scheduler wakes every interval. While disconnected it asks for a
// connection; while connected it runs a liveness probe, which also re-arms a
// monitor whose timer stopped firing.
type Scheduler struct {
	conn     Conn
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	last time.Time
	// OnResume, if set, is called with the gap length when a tick arrives
	// much later than scheduled.
	OnResume func(gap time.Duration)
}

// New creates a scheduler. Intervals above MaxInterval are clamped.
func New(conn Conn, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 || interval > MaxInterval {
		interval = MaxInterval
	}
	return &Scheduler{
		conn:     conn,
		interval: interval,
		logger:   logger.With("component", "keepalive"),
		now:      time.Now,
	}
}

// Interval returns the effective period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run ticks until ctx is done. The first check happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick()
		}
	}
}

// Tick performs a single check.
func (s *Scheduler) Tick() {
	now := s.now()
	if !s.last.IsZero() {
		if gap := now.Sub(s.last); gap > 2*s.interval {
			s.logger.Info("resumed after suspension", "gap", gap.Round(time.Second))
			if s.OnResume != nil {
				s.OnResume(gap)
			}
		}
	}
	s.last = now

	if !s.conn.IsConnected() {
		s.logger.Debug("not connected, connecting")
		s.conn.EnsureConnected()
		return
	}
	s.conn.Probe()
}
