package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

type PoolSnapshot struct {
	Pool         solana.PublicKey
	BaseMint     solana.PublicKey
	QuoteMint    solana.PublicKey
	BaseReserve  uint64
	QuoteReserve uint64
	Liquidity    uint64
	FeeNum       uint64
	FeeDen       uint64
	RefreshedAt  time.Time
}

func (p PoolSnapshot) Stale(now time.Time, ttl time.Duration) bool {
	return p.RefreshedAt.IsZero() || now.Sub(p.RefreshedAt) > ttl
}

// Reserves orients the pool reserves for a swap that spends mintIn.
func (p PoolSnapshot) Reserves(mintIn, mintOut solana.PublicKey) (reserveIn, reserveOut uint64, ok bool) {
	switch {
	case mintIn.Equals(p.BaseMint) && mintOut.Equals(p.QuoteMint):
		return p.BaseReserve, p.QuoteReserve, true
	case mintIn.Equals(p.QuoteMint) && mintOut.Equals(p.BaseMint):
		return p.QuoteReserve, p.BaseReserve, true
	default:
		return 0, 0, false
	}
}

type LoadTier string

const (
	LoadLow    LoadTier = "low"
	LoadMedium LoadTier = "medium"
	LoadHigh   LoadTier = "high"
)

// Multiplier is the fee multiplier the engine applies for the tier.
func (t LoadTier) Multiplier() uint64 {
	switch t {
	case LoadLow:
		return 1
	case LoadHigh:
		return 3
	default:
		return 2
	}
}

type PriorityQuote struct {
	Base     uint64
	P75      uint64
	Tier     LoadTier
	Samples  int
	QuotedAt time.Time
}
