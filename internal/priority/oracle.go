// Package priority tracks recent prioritization fees and turns them into quotes.
package priority

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go"
)

const (
	DefaultWindow = 64

	highLoadRatio   = 3.0
	mediumLoadRatio = 1.5
)

// FeeSource returns recent per-slot prioritization fees for the given accounts.
type FeeSource interface {
	GetRecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error)
}

type Oracle struct {
	floor    uint64
	accounts []solana.PublicKey
	source   FeeSource
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	window []uint64
	next   int
	full   bool
}

func NewOracle(floor uint64, size int, source FeeSource, accounts []solana.PublicKey, logger *slog.Logger) *Oracle {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Oracle{
		floor:    floor,
		accounts: accounts,
		source:   source,
		logger:   logger,
		now:      time.Now,
		window:   make([]uint64, size),
	}
}

// Observe pushes samples into the sliding window, oldest first.
func (o *Oracle) Observe(samples ...uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sample := range samples {
		o.window[o.next] = sample
		o.next = (o.next + 1) % len(o.window)
		if o.next == 0 {
			o.full = true
		}
	}
}

func (o *Oracle) samples() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.next
	if o.full {
		n = len(o.window)
	}
	return slices.Clone(o.window[:n])
}

// Quote derives the current fee quote from the window. An empty window
// quotes the floor at medium load.
func (o *Oracle) Quote() domain.PriorityQuote {
	samples := o.samples()
	now := o.now()
	if len(samples) == 0 {
		return domain.PriorityQuote{Base: o.floor, P75: o.floor, Tier: domain.LoadMedium, QuotedAt: now}
	}

	slices.Sort(samples)
	p50 := percentile(samples, 0.50)
	p75 := percentile(samples, 0.75)

	base := max(o.floor, p50)
	return domain.PriorityQuote{
		Base:     base,
		P75:      max(p75, base),
		Tier:     loadTier(p50, p75),
		Samples:  len(samples),
		QuotedAt: now,
	}
}

// Refresh pulls one batch of samples from the source.
func (o *Oracle) Refresh(ctx context.Context) error {
	fees, err := o.source.GetRecentPrioritizationFees(ctx, o.accounts)
	if err != nil {
		return err
	}
	o.Observe(fees...)
	return nil
}

// Run refreshes the window on a fixed cadence until ctx is done.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) error {
	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("priority fee refresh failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.Refresh(ctx); err != nil {
				o.logger.Warn("priority fee refresh failed", "err", err)
				continue
			}
			quote := o.Quote()
			o.logger.Debug("priority fee quote", "base", quote.Base, "p75", quote.P75, "tier", quote.Tier, "samples", quote.Samples)
		}
	}
}

// percentile uses the nearest-rank method over sorted samples.
func percentile(sorted []uint64, p float64) uint64 {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func loadTier(p50, p75 uint64) domain.LoadTier {
	if p50 == 0 {
		if p75 == 0 {
			return domain.LoadLow
		}
		return domain.LoadHigh
	}
	ratio := float64(p75) / float64(p50)
	switch {
	case ratio >= highLoadRatio:
		return domain.LoadHigh
	case ratio >= mediumLoadRatio:
		return domain.LoadMedium
	default:
		return domain.LoadLow
	}
}

// InitialFee is the first-attempt fee for a quote: base scaled by the load
// tier and clamped to the ceiling.
func InitialFee(quote domain.PriorityQuote, ceilingMultiplier uint64) uint64 {
	return min(mulSat(quote.Base, quote.Tier.Multiplier()), Ceiling(quote, ceilingMultiplier))
}

// Ceiling is the hard cap on any attempt's fee for a quote.
func Ceiling(quote domain.PriorityQuote, ceilingMultiplier uint64) uint64 {
	return mulSat(quote.Base, ceilingMultiplier)
}

// Escalate doubles a previous attempt's fee without passing the ceiling.
func Escalate(previous, ceiling uint64) uint64 {
	return min(mulSat(previous, 2), ceiling)
}

func mulSat(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}
