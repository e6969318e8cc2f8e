package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
)

// Sink persists outcomes outside the process.
type Sink interface {
	WriteOutcome(ctx context.Context, outcome domain.Outcome) error
}

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	drainTimeout        = 10 * time.Second
)

// AsyncSink decouples the append path from a slow Sink. A full queue drops
// the outcome and counts it.
type AsyncSink struct {
	sink    Sink
	queue   chan domain.Outcome
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewAsyncSink(sink Sink, size int, logger *slog.Logger, m *metrics.Metrics) *AsyncSink {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &AsyncSink{
		sink:    sink,
		queue:   make(chan domain.Outcome, size),
		logger:  logging.Component(logger, "ledger-sink"),
		metrics: m,
		timeout: defaultWriteTimeout,
	}
}

func (s *AsyncSink) Offer(outcome domain.Outcome) bool {
	select {
	case s.queue <- outcome:
		return true
	default:
		s.metrics.SinkDrop()
		return false
	}
}

// Run writes queued outcomes until ctx is done, then flushes whatever is
// still queued within a bounded grace period.
func (s *AsyncSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case outcome := <-s.queue:
			s.write(ctx, outcome)
		}
	}
}

func (s *AsyncSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case outcome := <-s.queue:
			s.write(ctx, outcome)
		default:
			return
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, outcome domain.Outcome) {
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.sink.WriteOutcome(writeCtx, outcome); err != nil {
		s.metrics.SinkError()
		s.logger.Warn("persist outcome failed", "seq", outcome.Seq, "signature", outcome.Signature, "err", err)
	}
}
