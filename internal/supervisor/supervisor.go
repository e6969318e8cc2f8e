// Package supervisor wires the copy pipeline together and owns its lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldbell/swapmirror/internal/amm"
	"github.com/coldbell/swapmirror/internal/chain"
	"github.com/coldbell/swapmirror/internal/config"
	"github.com/coldbell/swapmirror/internal/control"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/engine"
	"github.com/coldbell/swapmirror/internal/leader"
	"github.com/coldbell/swapmirror/internal/ledger"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/coldbell/swapmirror/internal/metrics"
	"github.com/coldbell/swapmirror/internal/priority"
	"github.com/coldbell/swapmirror/internal/risk"
	"github.com/gagliardetto/solana-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStartup       = errors.New("startup failed")
	ErrEmergencyHalt = errors.New("emergency halt")
)

const (
	commandBuffer     = 16
	handlerSlots      = 256
	seenCacheSize     = 16_384
	seenCacheTTL      = 5 * time.Minute
	mintCacheSize     = 4_096
	mintCacheTTL      = 30 * time.Minute
	poolCacheSize     = 1_024
	sweepInterval     = time.Minute
	finalDrainTimeout = 2 * time.Second
)

// Gateway is every chain call the pipeline makes.
type Gateway interface {
	engine.Chain
	priority.FeeSource
	GetAccount(ctx context.Context, key solana.PublicKey) (chain.Account, error)
	GetBalance(ctx context.Context, key solana.PublicKey) (uint64, error)
	SubscribeTransactions(ctx context.Context, filter chain.TxFilter) (<-chan chain.Event, error)
	SubscribeAccounts(ctx context.Context, filter chain.AccountFilter) (<-chan chain.Event, error)
	Close() error
}

// Executor submits accepted swaps. The signing key stays behind it.
type Executor interface {
	Submit(ctx context.Context, swap domain.SizedSwap) (domain.Outcome, error)
	Halt()
	Halted() bool
	Drain(ctx context.Context) error
	InFlight(leader solana.PublicKey) bool
	Payer() solana.PublicKey
}

// Deps are the assembled components. Sink, Control and Closers are optional.
type Deps struct {
	Gateway  Gateway
	Executor Executor
	Registry *leader.Registry
	Gate     *risk.Gate
	Ledger   *ledger.Ledger
	Oracle   *priority.Oracle
	Sink     *ledger.AsyncSink
	Control  *control.Server
	Commands chan domain.Command
	Metrics  *metrics.Metrics
	Closers  []func() error
}

type Supervisor struct {
	cfg      config.MirrorConfig
	deps     Deps
	logger   *slog.Logger
	leaders  amm.LeaderSet
	strategy domain.Strategy

	seen  *expirable.LRU[solana.Signature, struct{}]
	mints *expirable.LRU[solana.PublicKey, solana.PublicKey]
	pools *expirable.LRU[solana.PublicKey, domain.PoolSnapshot]

	// lastIntent is only touched by the dispatch loop.
	lastIntent map[solana.PublicKey]domain.SwapIntent

	slots    chan struct{}
	handlers sync.WaitGroup
	now      func() time.Time
}

// New validates cfg, loads the payer key and assembles every component.
func New(cfg config.MirrorConfig, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrStartup, err)
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.PayerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load payer key %q: %w", ErrStartup, cfg.PayerKeyPath, err)
	}

	m := metrics.NewMetrics("swapmirror")
	gateway, err := chain.New(chain.ConfigFrom(cfg), logger, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	closers := []func() error{gateway.Close}
	var sink *ledger.AsyncSink
	if cfg.DBDSN != "" {
		store, err := ledger.NewPostgresSink(context.Background(), cfg.DBDSN)
		if err != nil {
			_ = gateway.Close()
			return nil, fmt.Errorf("%w: init trade history store: %w", ErrStartup, err)
		}
		sink = ledger.NewAsyncSink(store, 0, logger, m)
		closers = append(closers, store.Close)
	}

	deps := wire(cfg, signer, gateway, sink, m, logger)
	deps.Closers = closers
	return build(cfg, deps, logger), nil
}

// wire connects the in-process components around a gateway.
func wire(
	cfg config.MirrorConfig,
	signer solana.PrivateKey,
	gateway Gateway,
	sink *ledger.AsyncSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) Deps {
	deps := Deps{
		Gateway:  gateway,
		Sink:     sink,
		Metrics:  m,
		Commands: make(chan domain.Command, commandBuffer),
	}

	var queue ledger.Queue
	if sink != nil {
		queue = sink
	}
	deps.Registry = leader.New(leader.Config{
		RingSize:       cfg.LeaderRingSize,
		MinSample:      cfg.MinSample,
		MinSuccessRate: cfg.MinSuccessRate,
		IdleTTL:        cfg.LeaderIdleTTL,
	}, cfg.TrackedLeaders)
	deps.Ledger = ledger.New(deps.Registry, ledger.Options{
		Capacity: cfg.LedgerCapacity,
		Window:   cfg.ReadinessWindow,
		Sink:     queue,
		Metrics:  m,
		Logger:   logger,
	})
	deps.Oracle = priority.NewOracle(
		cfg.PriorityFloor,
		cfg.FeeWindow,
		gateway,
		[]solana.PublicKey{signer.PublicKey()},
		logging.Component(logger, "priority"),
	)
	eng := engine.New(engine.ConfigFrom(cfg), signer, gateway, deps.Oracle, deps.Ledger, logger, m)
	deps.Executor = eng
	deps.Gate = risk.NewGate(risk.Config{
		FixedAmount:     cfg.FixedAmount,
		MaxPositionSize: cfg.MaxPositionSize,
		RiskPct:         cfg.RiskPct,
		MinTrade:        cfg.MinTrade,
		Reserve:         cfg.Reserve,
		MaxSlippage:     cfg.MaxSlippage,
		MinLiquidity:    cfg.MinLiquidity,
		SnapshotTTL:     cfg.PoolSnapshotTTL,
		Cooldown:        cfg.Cooldown,
	}, eng.InFlight)
	deps.Control = control.New(control.ConfigFrom(cfg), control.Deps{
		Ledger:   deps.Ledger,
		Registry: deps.Registry,
		Commands: deps.Commands,
		Halted:   eng.Halted,
		Metrics:  m.Handler(),
	}, logger)
	return deps
}

func build(cfg config.MirrorConfig, deps Deps, logger *slog.Logger) *Supervisor {
	if deps.Commands == nil {
		deps.Commands = make(chan domain.Command, commandBuffer)
	}
	poolTTL := cfg.PoolSnapshotTTL
	if poolTTL <= 0 {
		poolTTL = 2 * time.Second
	}
	return &Supervisor{
		cfg:        cfg,
		deps:       deps,
		logger:     logging.Component(logger, "supervisor"),
		leaders:    amm.NewLeaderSet(cfg.TrackedLeaders),
		strategy:   domain.Strategy{Kind: domain.StrategyKind(cfg.Strategy), MinVolume24h: cfg.MinLeaderVolume24h},
		seen:       expirable.NewLRU[solana.Signature, struct{}](seenCacheSize, nil, seenCacheTTL),
		mints:      expirable.NewLRU[solana.PublicKey, solana.PublicKey](mintCacheSize, nil, mintCacheTTL),
		pools:      expirable.NewLRU[solana.PublicKey, domain.PoolSnapshot](poolCacheSize, nil, 4*poolTTL),
		lastIntent: make(map[solana.PublicKey]domain.SwapIntent),
		slots:      make(chan struct{}, handlerSlots),
		now:        time.Now,
	}
}

// Commands is the bounded channel operators and outcome handling send on.
func (s *Supervisor) Commands() chan<- domain.Command {
	return s.deps.Commands
}

// Run probes the chain, subscribes and dispatches until ctx is cancelled or
// an emergency halt is raised. Shutdown lets in-flight copies finish before
// the gateway is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.close()

	if err := s.Probe(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	// In-flight copies and the sink outlive the signal; they are stopped
	// explicitly once the dispatch loop has exited.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()
	sinkDone := s.startSink(sinkCtx)

	g, gctx := errgroup.WithContext(ctx)

	txs, err := s.deps.Gateway.SubscribeTransactions(gctx, chain.TxFilter{
		Leaders:   s.cfg.TrackedLeaders,
		ProgramID: s.cfg.AMMProgramID,
		Mode:      s.cfg.SubscriptionMode,
	})
	if err != nil {
		stopSink()
		<-sinkDone
		return fmt.Errorf("%w: subscribe leader transactions: %w", ErrStartup, err)
	}
	accounts := s.subscribeAccounts(gctx)

	s.logger.Info("supervisor started",
		"payer", s.deps.Executor.Payer(),
		"leaders", len(s.cfg.TrackedLeaders),
		"mode", s.cfg.SubscriptionMode,
		"strategy", s.strategy.Kind,
	)

	g.Go(func() error {
		return s.dispatch(gctx, workCtx, txs, accounts)
	})
	g.Go(func() error {
		interval := s.cfg.FeeRefreshInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		return s.deps.Oracle.Run(gctx, interval)
	})
	g.Go(func() error {
		s.sweep(gctx)
		return nil
	})
	if s.deps.Control != nil {
		g.Go(func() error {
			return s.deps.Control.Run(gctx)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}

	s.drain(cancelWork)
	stopSink()
	<-sinkDone

	if runErr != nil {
		s.logger.Error("supervisor stopped", "err", runErr)
		return runErr
	}
	s.logger.Info("supervisor stopped")
	return nil
}

// Probe checks the chain is reachable and the payer can afford to trade.
func (s *Supervisor) Probe(ctx context.Context) error {
	if s.cfg.ComputeUnits == 0 || s.cfg.ComputeUnits > config.MaxComputeUnits {
		return fmt.Errorf("compute units %d outside (0, %d]", s.cfg.ComputeUnits, config.MaxComputeUnits)
	}
	if _, err := s.deps.Gateway.GetLatestBlockhash(ctx); err != nil {
		return fmt.Errorf("probe latest blockhash: %w", err)
	}
	slot, err := s.deps.Gateway.GetSlot(ctx)
	if err != nil {
		return fmt.Errorf("probe slot: %w", err)
	}
	if slot == 0 {
		return errors.New("probe slot: node reports slot 0")
	}
	payer := s.deps.Executor.Payer()
	balance, err := s.deps.Gateway.GetBalance(ctx, payer)
	if err != nil {
		return fmt.Errorf("probe payer balance: %w", err)
	}
	if balance < s.cfg.MinBalanceFloor {
		return fmt.Errorf("payer %s balance %d below floor %d", payer, balance, s.cfg.MinBalanceFloor)
	}
	s.logger.Info("probe passed", "slot", slot, "balance", balance)
	return nil
}

func (s *Supervisor) startSink(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if s.deps.Sink == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		_ = s.deps.Sink.Run(ctx)
	}()
	return done
}

// drain waits for running copies up to one landing window plus a backoff,
// then cancels whatever is left and waits for the engine permits.
func (s *Supervisor) drain(cancelWork context.CancelFunc) {
	budget := s.cfg.LandingTimeout + s.cfg.BackoffCap
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("in-flight copies did not finish in time; cancelling", "budget", budget)
		cancelWork()
		<-done
	}
	cancelWork()

	ctx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
	defer cancel()
	if err := s.deps.Executor.Drain(ctx); err != nil {
		s.logger.Warn("engine drain incomplete", "err", err)
	}
}

func (s *Supervisor) close() {
	for _, closeFn := range s.deps.Closers {
		if err := closeFn(); err != nil {
			s.logger.Warn("close failed", "err", err)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.deps.Registry.Sweep(); removed > 0 {
				s.logger.Debug("idle leaders removed", "count", removed)
			}
		}
	}
}

// ExitCode maps the result of New or Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrEmergencyHalt):
		return 3
	case errors.Is(err, ErrStartup):
		return 1
	default:
		return 2
	}
}
