// Package risk sizes leader swaps and decides which ones may be copied.
package risk

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/swapmirror/internal/amm"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go"
)

type Config struct {
	FixedAmount     uint64
	MaxPositionSize uint64
	RiskPct         float64
	MinTrade        uint64
	Reserve         uint64
	MaxSlippage     float64
	MinLiquidity    uint64
	SnapshotTTL     time.Duration
	Cooldown        time.Duration
}

// InFlightFunc reports whether a copy for leader is still being submitted.
type InFlightFunc func(leader solana.PublicKey) bool

// Gate is a pure sizing policy plus the per-leader cooldown clock.
type Gate struct {
	cfg         Config
	fixedAmount atomic.Uint64
	inFlight    InFlightFunc

	mu           sync.Mutex
	lastAccepted map[solana.PublicKey]time.Time
}

func NewGate(cfg Config, inFlight InFlightFunc) *Gate {
	if inFlight == nil {
		inFlight = func(solana.PublicKey) bool { return false }
	}
	g := &Gate{
		cfg:          cfg,
		inFlight:     inFlight,
		lastAccepted: make(map[solana.PublicKey]time.Time),
	}
	g.fixedAmount.Store(cfg.FixedAmount)
	return g
}

// SetFixedAmount switches sizing; zero restores balance-based sizing.
func (g *Gate) SetFixedAmount(amount uint64) {
	g.fixedAmount.Store(amount)
}

func (g *Gate) FixedAmount() uint64 {
	return g.fixedAmount.Load()
}

// Input is everything one evaluation looks at. Balance is denominated in
// the intent's input mint.
type Input struct {
	Intent  domain.SwapIntent
	Leader  domain.LeaderState
	Pool    *domain.PoolSnapshot
	Balance uint64
	Manual  bool
	Now     time.Time
	// StrategyDeclined is set when the active strategy does not follow
	// this leader right now.
	StrategyDeclined bool
}

// Evaluate accepts or rejects one intent. Manual requests skip the
// eligibility and cooldown checks. An accepted copy starts the leader's
// cooldown.
func (g *Gate) Evaluate(in Input) domain.Decision {
	if in.Pool != nil && in.Pool.Liquidity < g.cfg.MinLiquidity {
		return domain.Reject(domain.RejectPoolTooThin)
	}
	if in.Pool == nil || in.Pool.Stale(in.Now, g.cfg.SnapshotTTL) {
		return domain.Reject(domain.RejectStaleSnapshot)
	}
	reserveIn, reserveOut, ok := in.Pool.Reserves(in.Intent.MintIn, in.Intent.MintOut)
	if !ok {
		return domain.Reject(domain.RejectStaleSnapshot)
	}
	if !in.Manual && (!in.Leader.Eligible || in.StrategyDeclined) {
		return domain.Reject(domain.RejectLeaderIneligible)
	}
	if !in.Manual && g.coolingDown(in.Intent.Leader, in.Now) {
		return domain.Reject(domain.RejectCooldown)
	}
	if g.inFlight(in.Intent.Leader) {
		return domain.Reject(domain.RejectDuplicateInFlight)
	}

	amountIn, reason := g.size(in.Intent.MintIn, in.Balance)
	if reason != "" {
		return domain.Reject(reason)
	}

	expectedOut := amm.ExpectedOut(reserveIn, reserveOut, amountIn)
	impact := amm.PriceImpact(reserveIn, reserveOut, amountIn)
	if expectedOut == 0 || impact > g.cfg.MaxSlippage {
		return domain.Reject(domain.RejectPoolTooThin)
	}

	if !in.Manual && !g.startCooldown(in.Intent.Leader, in.Now) {
		return domain.Reject(domain.RejectCooldown)
	}

	return domain.Accept(domain.SizedSwap{
		Intent:       in.Intent,
		OurAmountIn:  amountIn,
		OurMinOut:    amm.MinOut(expectedOut, g.cfg.MaxSlippage),
		ExpectedOut:  expectedOut,
		PriceImpact:  impact,
		Manual:       in.Manual,
		AcceptedAt:   in.Now,
		PoolSnapshot: *in.Pool,
	})
}

// size applies the fixed or balance-proportional policy. The reserve is
// only held back from native balances.
func (g *Gate) size(mintIn solana.PublicKey, balance uint64) (uint64, domain.RejectReason) {
	spendable := balance
	if mintIn.Equals(amm.NativeMint) {
		if balance <= g.cfg.Reserve {
			return 0, domain.RejectInsufficientBalance
		}
		spendable = balance - g.cfg.Reserve
	}

	if fixed := g.fixedAmount.Load(); fixed > 0 {
		switch {
		case g.cfg.MaxPositionSize > 0 && fixed > g.cfg.MaxPositionSize:
			return 0, domain.RejectAmountAboveCap
		case fixed > spendable:
			return 0, domain.RejectInsufficientBalance
		}
		return fixed, ""
	}

	amount := uint64(math.Floor(g.cfg.RiskPct * float64(balance)))
	if g.cfg.MaxPositionSize > 0 {
		amount = min(amount, g.cfg.MaxPositionSize)
	}
	switch {
	case amount == 0 || amount < g.cfg.MinTrade:
		return 0, domain.RejectAmountBelowFloor
	case amount > spendable:
		return 0, domain.RejectInsufficientBalance
	}
	return amount, ""
}

func (g *Gate) coolingDown(leader solana.PublicKey, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastAccepted[leader]
	return ok && now.Sub(last) < g.cfg.Cooldown
}

// startCooldown re-checks under the lock so two racing intents for the same
// leader cannot both pass.
func (g *Gate) startCooldown(leader solana.PublicKey, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastAccepted[leader]; ok && now.Sub(last) < g.cfg.Cooldown {
		return false
	}
	g.lastAccepted[leader] = now
	return true
}
