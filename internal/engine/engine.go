// Package engine turns accepted swaps into signed, prioritized transactions
// and drives each one to a single terminal outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/swapmirror/internal/chain"
	"github.com/coldbell/swapmirror/internal/config"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/coldbell/swapmirror/internal/priority"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/semaphore"
)

var ErrHalted = errors.New("engine halted")

// Chain is the part of the gateway the engine submits through.
type Chain interface {
	GetLatestBlockhash(ctx context.Context) (chain.Blockhash, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	GetSlot(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, payload []byte, minContextSlot uint64) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*chain.SignatureStatus, error)
}

type Quoter interface {
	Quote() domain.PriorityQuote
}

// Recorder appends a terminal outcome and returns it with its sequence number.
type Recorder interface {
	Append(outcome domain.Outcome) domain.Outcome
}

type Config struct {
	ProgramID            solana.PublicKey
	ComputeUnits         uint32
	FeeCeilingMultiplier uint64
	MaxRetries           int
	LandingTimeout       time.Duration
	PollInterval         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	GlobalConcurrency    int
	UseMinContextSlot    bool
	SlippageErrorCode    uint32
}

func ConfigFrom(cfg config.MirrorConfig) Config {
	return Config{
		ProgramID:            cfg.AMMProgramID,
		ComputeUnits:         cfg.ComputeUnits,
		FeeCeilingMultiplier: cfg.FeeCeilingMultiplier,
		MaxRetries:           cfg.MaxRetries,
		LandingTimeout:       cfg.LandingTimeout,
		PollInterval:         cfg.PollInterval,
		BackoffBase:          cfg.BackoffBase,
		BackoffCap:           cfg.BackoffCap,
		GlobalConcurrency:    cfg.GlobalConcurrency,
		UseMinContextSlot:    cfg.UseMinContextSlot,
		SlippageErrorCode:    cfg.SlippageErrorCode,
	}
}

type Engine struct {
	cfg      Config
	signer   solana.PrivateKey
	chain    Chain
	quoter   Quoter
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	global *semaphore.Weighted
	halted atomic.Bool

	mu      sync.Mutex
	leaders map[solana.PublicKey]chan struct{}

	now    func() time.Time
	jitter func() float64
}

func New(
	cfg Config,
	signer solana.PrivateKey,
	c Chain,
	quoter Quoter,
	recorder Recorder,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.FeeCeilingMultiplier == 0 {
		cfg.FeeCeilingMultiplier = 1
	}

	return &Engine{
		cfg:      cfg,
		signer:   signer,
		chain:    c,
		quoter:   quoter,
		recorder: recorder,
		logger:   logging.Component(logger, "engine"),
		metrics:  m,
		global:   semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		leaders:  make(map[solana.PublicKey]chan struct{}),
		now:      time.Now,
		jitter:   func() float64 { return 0.8 + 0.4*rand.Float64() },
	}
}

func (e *Engine) Payer() solana.PublicKey {
	return e.signer.PublicKey()
}

// Halt stops new submissions. Copies already holding permits finish their
// current attempt and are not retried.
func (e *Engine) Halt() {
	if e.halted.CompareAndSwap(false, true) {
		e.metrics.SetHalted()
		e.logger.Warn("emergency halt raised")
	}
}

func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// Drain blocks until every submission permit has been released.
func (e *Engine) Drain(ctx context.Context) error {
	weight := int64(e.cfg.GlobalConcurrency)
	if err := e.global.Acquire(ctx, weight); err != nil {
		return fmt.Errorf("drain engine: %w", err)
	}
	e.global.Release(weight)
	return nil
}

// InFlight reports whether a copy for leader currently holds its permit.
func (e *Engine) InFlight(leader solana.PublicKey) bool {
	e.mu.Lock()
	slot, ok := e.leaders[leader]
	e.mu.Unlock()
	return ok && len(slot) > 0
}

func (e *Engine) leaderSlot(leader solana.PublicKey) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.leaders[leader]
	if !ok {
		slot = make(chan struct{}, 1)
		e.leaders[leader] = slot
	}
	return slot
}

// acquire takes the leader permit, then a global one. Both are held until
// the returned release runs.
func (e *Engine) acquire(ctx context.Context, leader solana.PublicKey) (func(), error) {
	slot := e.leaderSlot(leader)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := e.global.Acquire(ctx, 1); err != nil {
		<-slot
		return nil, err
	}
	e.metrics.AddInFlight(1)
	return func() {
		e.metrics.AddInFlight(-1)
		e.global.Release(1)
		<-slot
	}, nil
}

// Submit blocks until swap reaches a terminal outcome, which is appended to
// the recorder before the permits are released. It returns ErrHalted, or
// the context error while waiting for permits, without drafting anything.
func (e *Engine) Submit(ctx context.Context, swap domain.SizedSwap) (domain.Outcome, error) {
	if e.halted.Load() {
		return domain.Outcome{}, ErrHalted
	}
	release, err := e.acquire(ctx, swap.Intent.Leader)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer release()
	if e.halted.Load() {
		return domain.Outcome{}, ErrHalted
	}

	outcome := e.execute(ctx, swap)
	if e.recorder != nil {
		outcome = e.recorder.Append(outcome)
	}
	e.metrics.ObserveOutcome(outcome)

	e.logger.Info(
		"copy finished",
		"leader", swap.Intent.Leader,
		"pool", swap.Intent.Pool,
		"signature", outcome.Signature,
		"state", outcome.State,
		"kind", outcome.Kind,
		"attempts", outcome.Attempts,
		"fee", outcome.PriorityFee,
		"latency", outcome.Latency,
	)
	return outcome, nil
}

// execute runs the retry loop. Per-attempt state travels as arguments.
func (e *Engine) execute(ctx context.Context, swap domain.SizedSwap) domain.Outcome {
	started := e.now()
	if !swap.AcceptedAt.IsZero() {
		started = swap.AcceptedAt
	}

	quote := e.quoter.Quote()
	ceiling := priority.Ceiling(quote, e.cfg.FeeCeilingMultiplier)
	fee := priority.InitialFee(quote, e.cfg.FeeCeilingMultiplier)

	outcome := domain.Outcome{
		Leader:          swap.Intent.Leader,
		Pool:            swap.Intent.Pool,
		SourceSignature: swap.Intent.Signature,
		AmountIn:        swap.OurAmountIn,
		MinOut:          swap.OurMinOut,
		ExpectedOut:     swap.ExpectedOut,
		Manual:          swap.Manual,
	}

	for number := 1; ; number++ {
		result := e.attempt(ctx, swap, number, fee)
		outcome.Attempts = number
		outcome.PriorityFee = fee
		if !result.signature.IsZero() {
			outcome.Signature = result.signature
		}
		outcome.State = result.state
		outcome.Kind = result.kind
		outcome.LandedSlot = result.slot
		outcome.Detail = result.detail()

		if result.state == domain.OutcomeLanded {
			break
		}
		if !result.kind.Retryable() || number >= e.cfg.MaxRetries || e.halted.Load() || ctx.Err() != nil {
			break
		}

		delay := e.backoff(number - 1)
		e.logger.Debug(
			"retrying copy",
			"leader", swap.Intent.Leader,
			"attempt", number,
			"kind", result.kind,
			"backoff", delay,
			"err", result.err,
		)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
		// A halt raised during the backoff keeps the last attempt as final.
		if e.halted.Load() {
			break
		}
		fee = priority.Escalate(fee, ceiling)
	}

	completed := e.now()
	outcome.CompletedAt = completed
	outcome.Latency = completed.Sub(started)
	return outcome
}

// backoff is min(base * 2^n, cap) with +-20% jitter.
func (e *Engine) backoff(n int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 0; i < n && delay < e.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if e.cfg.BackoffCap > 0 && delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	return time.Duration(float64(delay) * e.jitter())
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
