package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// LeaderState is a read-only copy of one leader's registry entry.
type LeaderState struct {
	Leader         solana.PublicKey
	Tracked        bool
	Trades         int
	Copies         int
	Successful     int
	SuccessRate    float64
	MeanAmountIn   float64
	Volume24h      uint64
	PoolHistogram  map[solana.PublicKey]int
	LastActiveSlot uint64
	LastSeen       time.Time
	Eligible       bool
	Recent         []Outcome
}

// Sighting is one observed leader swap.
type Sighting struct {
	Pool     solana.PublicKey
	AmountIn uint64
	Slot     uint64
	At       time.Time
}
