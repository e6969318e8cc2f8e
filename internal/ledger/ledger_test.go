package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/leader"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/gagliardetto/solana-go"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(leaderKey solana.PublicKey, state domain.OutcomeState, at time.Time) domain.Outcome {
	return domain.Outcome{Leader: leaderKey, State: state, Attempts: 1, CompletedAt: at}
}

func TestAppend_UpdatesRegistryBeforeReturning(t *testing.T) {
	leaderKey := solana.NewWallet().PublicKey()
	registry := leader.New(leader.Config{RingSize: 8, MinSample: 1}, []solana.PublicKey{leaderKey})
	l := New(registry, Options{Capacity: 16})

	recorded := l.Append(outcome(leaderKey, domain.OutcomeLanded, time.Now()))
	assert.Equal(t, uint64(1), recorded.Seq)

	state := registry.Snapshot(leaderKey)
	assert.Equal(t, 1, state.Copies)
	assert.Equal(t, 1, state.Successful)

	l.Append(outcome(leaderKey, domain.OutcomeExpired, time.Now()))
	state = registry.Snapshot(leaderKey)
	assert.Equal(t, 2, state.Copies)
	assert.Equal(t, 1, state.Successful)
	assert.InDelta(t, 0.5, state.SuccessRate, 1e-9)
}

func TestAppend_RingKeepsNewest(t *testing.T) {
	l := New(nil, Options{Capacity: 3})
	key := solana.NewWallet().PublicKey()
	for range 5 {
		l.Append(outcome(key, domain.OutcomeLanded, time.Now()))
	}

	require.Equal(t, 3, l.Len())
	var seqs []uint64
	for _, o := range l.Recent(10) {
		seqs = append(seqs, o.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestViews(t *testing.T) {
	l := New(nil, Options{Capacity: 16})
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l.Append(outcome(a, domain.OutcomeLanded, base))
	l.Append(outcome(b, domain.OutcomeDropped, base.Add(time.Second)))
	l.Append(outcome(a, domain.OutcomeRejected, base.Add(2*time.Second)))
	l.Append(outcome(b, domain.OutcomeLanded, base.Add(3*time.Second)))

	assert.Len(t, l.ByLeader(a), 2)
	assert.Len(t, l.ByState(domain.OutcomeLanded), 2)

	since := l.Since(base.Add(2 * time.Second))
	require.Len(t, since, 2)
	assert.Equal(t, uint64(3), since[0].Seq)

	recent := l.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(4), recent[0].Seq)
	assert.Nil(t, l.Recent(0))

	filtered := l.Select(Query{Leader: b, State: domain.OutcomeLanded})
	require.Len(t, filtered, 1)
	assert.Equal(t, uint64(4), filtered[0].Seq)

	// Views hand out copies.
	filtered[0].State = domain.OutcomeError
	assert.Equal(t, domain.OutcomeLanded, l.Recent(1)[0].State)
}

func TestFailureRatio(t *testing.T) {
	m := metrics.NewMetrics("test")
	l := New(nil, Options{Capacity: 16, Window: 4, Metrics: m})
	key := solana.NewWallet().PublicKey()

	assert.Zero(t, l.FailureRatio(0))

	for _, state := range []domain.OutcomeState{
		domain.OutcomeError,
		domain.OutcomeError,
		domain.OutcomeLanded,
		domain.OutcomeLanded,
		domain.OutcomeExpired,
		domain.OutcomeLanded,
	} {
		l.Append(outcome(key, state, time.Now()))
	}

	// Newest four: landed, landed, expired, landed.
	assert.InDelta(t, 0.25, l.FailureRatio(0), 1e-9)
	assert.InDelta(t, 0.5, l.FailureRatio(2), 1e-9)
	assert.InDelta(t, 3.0/6.0, l.FailureRatio(100), 1e-9)

	var gauge dto.Metric
	require.NoError(t, m.FailureRatio.Write(&gauge))
	assert.InDelta(t, 0.25, gauge.GetGauge().GetValue(), 1e-9)
}

func TestAppend_ConcurrentSequencesAreUnique(t *testing.T) {
	l := New(nil, Options{Capacity: 1000})
	key := solana.NewWallet().PublicKey()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				l.Append(outcome(key, domain.OutcomeLanded, time.Now()))
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]struct{})
	for _, o := range l.Recent(1000) {
		seen[o.Seq] = struct{}{}
	}
	assert.Len(t, seen, 500)
}

type memorySink struct {
	mu      sync.Mutex
	written []domain.Outcome
	fail    error
}

func (s *memorySink) WriteOutcome(_ context.Context, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.written = append(s.written, o)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestAsyncSink_DeliversAppendedOutcomes(t *testing.T) {
	sink := &memorySink{}
	async := NewAsyncSink(sink, 8, nil, nil)
	l := New(nil, Options{Capacity: 8, Sink: async})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- async.Run(ctx) }()

	key := solana.NewWallet().PublicKey()
	for range 3 {
		l.Append(outcome(key, domain.OutcomeLanded, time.Now()))
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAsyncSink_FullQueueDropsWithoutBlocking(t *testing.T) {
	m := metrics.NewMetrics("test")
	async := NewAsyncSink(&memorySink{}, 2, nil, m)
	l := New(nil, Options{Capacity: 8, Sink: async})
	key := solana.NewWallet().PublicKey()

	for range 5 {
		l.Append(outcome(key, domain.OutcomeLanded, time.Now()))
	}

	assert.Equal(t, 5, l.Len())
	var counter dto.Metric
	require.NoError(t, m.SinkDropped.Write(&counter))
	assert.Equal(t, float64(3), counter.GetCounter().GetValue())
}

func TestAsyncSink_DrainsQueueOnShutdown(t *testing.T) {
	sink := &memorySink{}
	async := NewAsyncSink(sink, 8, nil, nil)
	for range 4 {
		require.True(t, async.Offer(domain.Outcome{State: domain.OutcomeLanded}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, async.Run(ctx))
	assert.Equal(t, 4, sink.count())
}

func TestAsyncSink_CountsWriteErrors(t *testing.T) {
	m := metrics.NewMetrics("test")
	sink := &memorySink{fail: errors.New("connection refused")}
	async := NewAsyncSink(sink, 4, nil, m)
	require.True(t, async.Offer(domain.Outcome{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, async.Run(ctx))

	var counter dto.Metric
	require.NoError(t, m.SinkErrors.Write(&counter))
	assert.Equal(t, float64(1), counter.GetCounter().GetValue())
}
