package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

type OutcomeState string

const (
	OutcomeLanded   OutcomeState = "landed"
	OutcomeDropped  OutcomeState = "dropped"
	OutcomeExpired  OutcomeState = "expired"
	OutcomeRejected OutcomeState = "rejected"
	OutcomeError    OutcomeState = "error"
)

func (s OutcomeState) Failed() bool {
	return s != OutcomeLanded
}

// ErrorKind is the closed failure taxonomy shared by the gateway and the engine.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransient         ErrorKind = "transient"
	KindClientBad         ErrorKind = "client_bad"
	KindNotFound          ErrorKind = "not_found"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindBlockhashExpired  ErrorKind = "blockhash_expired"
	KindSlippageExceeded  ErrorKind = "slippage_exceeded"
	KindProgramError      ErrorKind = "program_error"
	KindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether the engine may resubmit after this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindBlockhashExpired
}

// Outcome is the terminal record of one SizedSwap.
type Outcome struct {
	Seq             uint64
	Leader          solana.PublicKey
	Pool            solana.PublicKey
	SourceSignature solana.Signature
	Signature       solana.Signature
	State           OutcomeState
	Kind            ErrorKind
	Attempts        int
	PriorityFee     uint64
	AmountIn        uint64
	MinOut          uint64
	ExpectedOut     uint64
	LandedSlot      uint64
	Latency         time.Duration
	Detail          string
	Manual          bool
	CompletedAt     time.Time
}
