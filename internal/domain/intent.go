// Package domain holds the value types passed between pipeline stages.
package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// SwapIntent is the economic content of one leader swap.
//
// TokenIn and TokenOut are the leader's token accounts at instruction
// positions 3 and 4. MintIn and MintOut are filled in after decoding once the
// accounts have been resolved; the decoder leaves them zero.
type SwapIntent struct {
	Leader       solana.PublicKey
	Pool         solana.PublicKey
	TokenIn      solana.PublicKey
	TokenOut     solana.PublicKey
	AmountIn     uint64
	MinOut       uint64
	ObservedSlot uint64
	Signature    solana.Signature
	// Accounts is the AMM instruction account list in program order.
	Accounts []solana.AccountMeta

	MintIn  solana.PublicKey
	MintOut solana.PublicKey
}

func (i SwapIntent) Valid() bool {
	return i.AmountIn > 0 && !i.TokenIn.Equals(i.TokenOut)
}

// SizedSwap is an accepted intent with our own amounts attached.
type SizedSwap struct {
	Intent       SwapIntent
	OurAmountIn  uint64
	OurMinOut    uint64
	ExpectedOut  uint64
	PriceImpact  float64
	Manual       bool
	AcceptedAt   time.Time
	PoolSnapshot PoolSnapshot
}

// Submission is one signed attempt for a SizedSwap.
type Submission struct {
	Swap             SizedSwap
	Attempt          int
	ComputeUnitLimit uint32
	PriorityFee      uint64
	Blockhash        solana.Hash
	Signature        solana.Signature
	Payload          []byte
	SubmittedAt      time.Time
}
