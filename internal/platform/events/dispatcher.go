package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const deliverTimeout = 5 * time.Second

// Dispatcher fans events out to sinks on a background goroutine. Publish
// never blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	ch      chan Event
	sinks   []Sink
	logger  zerolog.Logger
	dropped atomic.Int64
	onDrop  func()

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(logger zerolog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		ch:     make(chan Event, buffer),
		sinks:  sinks,
		logger: logger.With().Str("component", "events").Logger(),
		done:   make(chan struct{}),
	}
}

// OnDrop registers a callback invoked for every dropped event.
func (d *Dispatcher) OnDrop(fn func()) { d.onDrop = fn }

// Start launches the delivery loop. It returns immediately.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := s.Deliver(ctx, e); err != nil {
			d.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("event_type", e.Type).
				Str("event_id", e.ID).
				Msg("event delivery failed")
		}
		cancel()
	}
}

func (d *Dispatcher) Publish(_ context.Context, e Event) {
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop()
		}
		d.logger.Warn().Str("event_type", e.Type).Msg("event buffer full, dropping event")
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting events and waits for queued events to be delivered
// or for ctx to expire. Publish must not be called after Close.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.ch) })
	d.Start()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
