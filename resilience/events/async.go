package events

import (
	"context"
	"sync"
	"sync/atomic"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

const defaultAsyncBuffer = 1024

// AsyncSink forwards events to another sink from a background goroutine.
// When the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	ch      chan Event
	dropped atomic.Uint64
	logger  libLog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	mu        sync.RWMutex
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithAsyncLogger sets the logger used when the forwarding goroutine panics.
func WithAsyncLogger(logger libLog.Logger) AsyncOption {
	return func(s *AsyncSink) {
		s.logger = libLog.OrNop(logger)
	}
}

// NewAsyncSink starts forwarding to next with a buffer of size buffer.
// Non-positive sizes use 1024.
func NewAsyncSink(next Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}

	s := &AsyncSink{
		next:   OrNop(next),
		ch:     make(chan Event, buffer),
		logger: libLog.NewNop(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	go s.loop()

	return s
}

// Emit enqueues ev without blocking.
func (s *AsyncSink) Emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded on backpressure or after
// Close.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until buffered events are
// delivered or ctx ends.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		close(s.ch)
		s.mu.Unlock()
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)

	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *AsyncSink) deliver(ev Event) {
	defer runtime.RecoverAndLog(context.Background(), s.logger, "events", "async_sink", runtime.KeepRunning)

	s.next.Emit(ev)
}
