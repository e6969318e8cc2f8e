// Package ledger is the bounded in-memory log of copy outcomes.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/gagliardetto/solana-go"
)

const DefaultCapacity = 10_000

// Recorder receives every appended outcome before Append returns.
type Recorder interface {
	Record(outcome domain.Outcome)
}

// Queue accepts outcomes for an external sink without blocking.
type Queue interface {
	Offer(outcome domain.Outcome) bool
}

type Options struct {
	Capacity int
	// Window is the number of recent outcomes FailureRatio looks at when
	// called with a non-positive window.
	Window  int
	Sink    Queue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Ledger struct {
	registry Recorder
	sink     Queue
	metrics  *metrics.Metrics
	logger   *slog.Logger
	window   int

	mu   sync.RWMutex
	buf  []domain.Outcome
	next int
	size int
	seq  uint64
}

func New(registry Recorder, opts Options) *Ledger {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Window <= 0 {
		opts.Window = 100
	}
	return &Ledger{
		registry: registry,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   logging.Component(opts.Logger, "ledger"),
		window:   opts.Window,
		buf:      make([]domain.Outcome, opts.Capacity),
	}
}

// Append assigns the next sequence number, stores the outcome and pushes it
// to the registry in the same call. The registry update happens under the
// ledger lock so registry order always matches ledger order.
func (l *Ledger) Append(outcome domain.Outcome) domain.Outcome {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}

	l.mu.Lock()
	l.seq++
	outcome.Seq = l.seq
	l.buf[l.next] = outcome
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	if l.registry != nil {
		l.registry.Record(outcome)
	}
	l.mu.Unlock()

	if l.sink != nil && !l.sink.Offer(outcome) {
		l.logger.Debug("sink queue full; outcome not persisted", "seq", outcome.Seq)
	}
	l.metrics.SetFailureRatio(l.FailureRatio(0))
	return outcome
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Query filters the retained outcomes. Zero fields match everything; Limit
// keeps the newest matches.
type Query struct {
	Leader solana.PublicKey
	State  domain.OutcomeState
	Since  time.Time
	Limit  int
}

func (q Query) match(o domain.Outcome) bool {
	if !q.Leader.IsZero() && !o.Leader.Equals(q.Leader) {
		return false
	}
	if q.State != "" && o.State != q.State {
		return false
	}
	if !q.Since.IsZero() && o.CompletedAt.Before(q.Since) {
		return false
	}
	return true
}

// Select returns matching outcomes oldest first.
func (l *Ledger) Select(q Query) []domain.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Outcome
	start := (l.next - l.size + len(l.buf)) % len(l.buf)
	for i := 0; i < l.size; i++ {
		o := l.buf[(start+i)%len(l.buf)]
		if q.match(o) {
			out = append(out, o)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (l *Ledger) ByLeader(leader solana.PublicKey) []domain.Outcome {
	return l.Select(Query{Leader: leader})
}

func (l *Ledger) ByState(state domain.OutcomeState) []domain.Outcome {
	return l.Select(Query{State: state})
}

func (l *Ledger) Since(t time.Time) []domain.Outcome {
	return l.Select(Query{Since: t})
}

// Recent returns the newest n outcomes, oldest first.
func (l *Ledger) Recent(n int) []domain.Outcome {
	if n <= 0 {
		return nil
	}
	return l.Select(Query{Limit: n})
}

// FailureRatio is the share of non-landed outcomes among the newest window
// entries. An empty ledger reports 0.
func (l *Ledger) FailureRatio(window int) float64 {
	if window <= 0 {
		window = l.window
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := min(window, l.size)
	if n == 0 {
		return 0
	}
	failed := 0
	for i := 1; i <= n; i++ {
		if l.buf[(l.next-i+len(l.buf))%len(l.buf)].State.Failed() {
			failed++
		}
	}
	return float64(failed) / float64(n)
}
