package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// DefaultBuffer is the async publish buffer depth.
const DefaultBuffer = 256

// AsyncSink decouples the proxy loop from the underlying sink. Publish
// never blocks: frames go into a bounded buffer, a single worker drains it,
// and overflow or sink errors are logged and swallowed.
type AsyncSink struct {
	inner   Sink
	ch      chan *protocol.Frame
	dropped atomic.Uint64
	logger  log.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAsync wraps inner with a bounded asynchronous buffer. A buffer <= 0
// selects DefaultBuffer.
func NewAsync(inner Sink, buffer int, logger log.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &AsyncSink{
		inner:  inner,
		ch:     make(chan *protocol.Frame, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.ch:
			if err := s.inner.Publish(context.Background(), f); err != nil {
				s.logger.Debug("telemetry publish failed", log.Err(err))
			}
		case <-s.done:
			// Drain what is already buffered, then stop.
			for {
				select {
				case f := <-s.ch:
					if err := s.inner.Publish(context.Background(), f); err != nil {
						s.logger.Debug("telemetry publish failed", log.Err(err))
					}
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues the frame without blocking; on a full buffer the frame
// is dropped and counted.
func (s *AsyncSink) Publish(ctx context.Context, f *protocol.Frame) error {
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
		s.logger.Debug("telemetry buffer full, frame dropped",
			log.Uint64("dropped", s.dropped.Load()),
		)
	}
	return nil
}

// Dropped returns the count of frames dropped on overflow.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the worker and closes the underlying sink.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.inner.Close()
}
