package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Emitter is the write side of the hub. The pipeline depends on this
// rather than the concrete Hub so tests can substitute a recorder.
type Emitter interface {
	Emit(ev Event)
}

// Sink consumes batches of progress events. Implementations must be
// safe for use from the hub's single delivery goroutine.
type Sink interface {
	Consume(ctx context.Context, events []Event) error
	Close(ctx context.Context) error
}

// HubOptions tune hub buffering behavior.
type HubOptions struct {
	// Buffer is the channel capacity between emitters and delivery.
	Buffer int
	// BatchSize caps how many events are handed to sinks per call.
	BatchSize int
	// FlushInterval bounds how long a partial batch may sit undelivered.
	FlushInterval time.Duration
}

func (o *HubOptions) withDefaults() HubOptions {
	out := HubOptions{Buffer: 1024, BatchSize: 64, FlushInterval: 500 * time.Millisecond}
	if o == nil {
		return out
	}
	if o.Buffer > 0 {
		out.Buffer = o.Buffer
	}
	if o.BatchSize > 0 {
		out.BatchSize = o.BatchSize
	}
	if o.FlushInterval > 0 {
		out.FlushInterval = o.FlushInterval
	}
	return out
}

// Hub fans progress events out to a set of sinks. Emit never blocks
// the caller: when the buffer is full the event is dropped and counted.
type Hub struct {
	opts    HubOptions
	sinks   []Sink
	logger  *zap.Logger
	events  chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub starts the delivery goroutine and returns a ready hub.
func NewHub(opts *HubOptions, logger *zap.Logger, sinks ...Sink) *Hub {
	h := &Hub{
		opts:   (opts).withDefaults(),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
	h.events = make(chan Event, h.opts.Buffer)
	go h.run()
	return h
}

// Emit enqueues an event for delivery. Invalid events are dropped with
// a log line, never a panic. A full buffer drops the event as well.
func (h *Hub) Emit(ev Event) {
	if err := ev.Validate(); err != nil {
		h.logger.Warn("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops accepting events, drains anything buffered, and closes
// each sink. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		close(h.events)
		select {
		case <-h.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		for _, s := range h.sinks {
			if cerr := s.Close(ctx); cerr != nil && err == nil {
				err = cerr
			}
		}
		if n := h.dropped.Load(); n > 0 {
			h.logger.Warn("progress events dropped under backpressure", zap.Uint64("count", n))
		}
	})
	return err
}

func (h *Hub) run() {
	defer close(h.done)

	batch := make([]Event, 0, h.opts.BatchSize)
	timer := time.NewTimer(h.opts.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, s := range h.sinks {
			if err := s.Consume(ctx, batch); err != nil {
				h.logger.Warn("progress sink failed", zap.Error(err))
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= h.opts.BatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(h.opts.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(h.opts.FlushInterval)
		}
	}
}
