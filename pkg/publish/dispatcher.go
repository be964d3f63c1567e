// Package publish fans published official units out to sinks — the
// persistence store, export encoders, loggers. Delivery is asynchronous
// and lossy under backpressure: a full queue counts a drop rather than
// blocking the publish path, and a sink error can never roll back a
// committed snapshot.
package publish

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
)

const defaultQueueDepth = 64

// Sink receives published units. Implementations are called from the
// dispatcher goroutine, one unit at a time; they own their retries.
type Sink interface {
	Deliver(u official.Unit) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u official.Unit) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(u official.Unit) error { return f(u) }

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueDepth sets the publish queue capacity.
func WithQueueDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan official.Unit, n)
		}
	}
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "publish")
		}
	}
}

// Dispatcher implements official.Publisher: Publish enqueues without
// blocking and a worker goroutine delivers to every registered sink in
// registration order.
type Dispatcher struct {
	queue  chan official.Unit
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink

	delivered atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// NewDispatcher creates an idle dispatcher; call Run to start delivery.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:  make(chan official.Unit, defaultQueueDepth),
		logger: slog.Default().With("component", "publish"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a sink. Safe to call before or after Run.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Publish implements official.Publisher. It never blocks: when the
// queue is full the unit is dropped and counted. Consumers are expected
// to reconcile from the snapshot history, which remains authoritative.
func (d *Dispatcher) Publish(u official.Unit) {
	select {
	case d.queue <- u:
	default:
		d.dropped.Add(1)
		d.logger.Warn("publish queue full, unit dropped",
			"session", u.Session, "version", u.Version)
	}
}

// Run delivers queued units until ctx is cancelled, then drains what is
// already enqueued before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case u := <-d.queue:
					d.deliver(u)
				default:
					return
				}
			}
		case u := <-d.queue:
			d.deliver(u)
		}
	}
}

func (d *Dispatcher) deliver(u official.Unit) {
	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(u); err != nil {
			d.failures.Add(1)
			d.logger.Error("sink delivery failed",
				"session", u.Session, "version", u.Version, "err", err)
		}
	}
	d.delivered.Add(1)
}

// Stats is a point-in-time view of the dispatcher counters.
type Stats struct {
	Delivered int64
	Dropped   int64
	Failures  int64
}

// StatsNow returns the current counters.
func (d *Dispatcher) StatsNow() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failures:  d.failures.Load(),
	}
}
