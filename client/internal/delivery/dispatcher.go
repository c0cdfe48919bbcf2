package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/gateway"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/router"
	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// Publisher receives dispatcher events.
type Publisher interface {
	PublishType(eventType string, data any)
}

// Options configures a Dispatcher.
type Options struct {
	Window          time.Duration
	SweepInterval   time.Duration // default 30s
	DeliverTimeout  time.Duration
	ActivateTimeout time.Duration // default 30s
	HistorySize     int
}

// Dispatcher turns inbound jobs into gateway deliveries: it routes each job,
// activates the destinations off the inbound path, buffers the tasks and
// flushes a destination whenever the gateway reports it ready.
type Dispatcher struct {
	gw      gateway.Gateway
	queue   *Queue
	history *History
	bus     Publisher
	logger  *slog.Logger
	opts    Options

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher delivering through gw. bus may be nil.
func NewDispatcher(gw gateway.Gateway, opts Options, bus Publisher, logger *slog.Logger) *Dispatcher {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.ActivateTimeout <= 0 {
		opts.ActivateTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		gw:      gw,
		history: NewHistory(opts.HistorySize),
		bus:     bus,
		logger:  logger.With("component", "dispatcher"),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.queue = NewQueue(gw.Deliver, QueueOptions{
		Window:         opts.Window,
		DeliverTimeout: opts.DeliverTimeout,
		OnResult:       d.record,
	}, logger)
	return d
}

// Queue exposes the underlying queue.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// HandleFrame is the connection manager's message handler.
func (d *Dispatcher) HandleFrame(f protocol.Frame) {
	job, ok := f.Job()
	if !ok {
		d.logger.Warn("ignoring frame without url and code", "type", f.Type)
		return
	}
	d.HandleJob(job)
}

// HandleJob routes job and starts activation of every resulting destination.
// It returns without waiting for the gateway.
func (d *Dispatcher) HandleJob(job protocol.Job) {
	d.publish(eventbus.JobReceived, map[string]any{"url": job.URL, "language": job.Language, "problem": job.Problem})

	tasks := router.Route(job)
	if len(tasks) == 0 {
		reason := "no matching family"
		if fam := router.Match(job.URL); fam != "" {
			reason = "missing " + fam + " problem id"
		}
		d.logger.Info("dropping job", "url", job.URL, "reason", reason)
		d.publish(eventbus.JobDropped, map[string]any{"url": job.URL, "reason": reason})
		return
	}

	for _, t := range tasks {
		d.wg.Add(1)
		go d.activate(t)
	}
}

func (d *Dispatcher) activate(t router.Task) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.ActivateTimeout)
	defer cancel()

	id, err := d.gw.Activate(ctx, t.Destination)
	if err != nil {
		d.logger.Error("activation failed", "destination", t.Destination, "error", err)
		d.record(Result{
			Family:      t.Family,
			Destination: t.Destination,
			Outcome:     OutcomeFailed,
			Error:       err.Error(),
			At:          time.Now(),
		})
		return
	}

	d.queue.Enqueue(id, t)
	d.logger.Debug("task enqueued", "destination_id", id, "destination", t.Destination)
	d.publish(eventbus.TaskEnqueued, map[string]any{"destination_id": id, "family": t.Family, "destination": t.Destination})
}

// Run flushes destinations as they become ready and periodically sweeps
// stale entries until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.Close()

	sweep := time.NewTicker(d.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-d.gw.Ready():
			if n := d.queue.Flush(id); n > 0 {
				d.logger.Debug("flushed destination", "destination_id", id, "entries", n)
			}
		case <-sweep.C:
			d.queue.Sweep()
		}
	}
}

// Recent returns the latest delivery results, oldest first.
func (d *Dispatcher) Recent() []Result { return d.history.Recent() }

// Close stops pending activations and deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
	d.queue.Close()
}

func (d *Dispatcher) record(r Result) {
	d.history.Add(r)
	switch r.Outcome {
	case OutcomeDelivered:
		d.publish(eventbus.TaskDelivered, r)
	case OutcomeFailed:
		d.publish(eventbus.TaskFailed, r)
	case OutcomeExpired:
		d.publish(eventbus.TaskExpired, r)
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.bus != nil {
		d.bus.PublishType(eventType, data)
	}
}
