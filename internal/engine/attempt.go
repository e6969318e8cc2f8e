package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldbell/swapmirror/internal/amm"
	"github.com/coldbell/swapmirror/internal/chain"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

// blockHeightEvery is how many status polls pass between block height checks.
const blockHeightEvery = 10

var (
	errLandingTimeout   = errors.New("not landed within landing timeout")
	errBlockhashExpired = errors.New("blockhash expired before landing")
	errDroppedAfterSeen = errors.New("transaction seen by the node and then dropped")
)

type attemptResult struct {
	state     domain.OutcomeState
	kind      domain.ErrorKind
	signature solana.Signature
	slot      uint64
	err       error
}

func (r attemptResult) detail() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

func failed(state domain.OutcomeState, kind domain.ErrorKind, signature solana.Signature, err error) attemptResult {
	return attemptResult{state: state, kind: kind, signature: signature, err: err}
}

// stateForKind maps a pre-landing failure onto the terminal state it would
// finalize as.
func stateForKind(kind domain.ErrorKind) domain.OutcomeState {
	switch kind {
	case domain.KindInsufficientFunds:
		return domain.OutcomeRejected
	case domain.KindBlockhashExpired:
		return domain.OutcomeExpired
	default:
		return domain.OutcomeError
	}
}

// attempt drafts, signs, submits and then watches one transaction.
func (e *Engine) attempt(ctx context.Context, swap domain.SizedSwap, number int, fee uint64) attemptResult {
	blockhash, err := e.chain.GetLatestBlockhash(ctx)
	if err != nil {
		kind := chain.KindOf(err)
		return failed(stateForKind(kind), kind, solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err))
	}

	var minContextSlot uint64
	if e.cfg.UseMinContextSlot {
		if slot, err := e.chain.GetSlot(ctx); err == nil {
			minContextSlot = slot + 1
		} else {
			e.logger.Debug("min context slot unavailable", "err", err)
		}
	}

	submission, err := e.draft(swap, number, fee, blockhash.Hash)
	if err != nil {
		return failed(domain.OutcomeError, domain.KindClientBad, solana.Signature{}, err)
	}

	submission.SubmittedAt = e.now()
	if _, err := e.chain.SendTransaction(ctx, submission.Payload, minContextSlot); err != nil {
		kind := chain.KindOf(err)
		return failed(stateForKind(kind), kind, submission.Signature, fmt.Errorf("send transaction: %w", err))
	}
	e.logger.Debug(
		"submitted copy",
		"leader", swap.Intent.Leader,
		"signature", submission.Signature,
		"attempt", number,
		"fee", fee,
		"min_context_slot", minContextSlot,
	)

	return e.awaitLanding(ctx, submission.Signature, blockhash.LastValidBlockHeight)
}

// draft builds and signs [CU limit, CU price, swap].
func (e *Engine) draft(swap domain.SizedSwap, number int, fee uint64, blockhash solana.Hash) (domain.Submission, error) {
	limitIx, err := computebudget.NewSetComputeUnitLimitInstruction(e.cfg.ComputeUnits).ValidateAndBuild()
	if err != nil {
		return domain.Submission{}, fmt.Errorf("build compute unit limit: %w", err)
	}
	priceIx, err := computebudget.NewSetComputeUnitPriceInstruction(fee).ValidateAndBuild()
	if err != nil {
		return domain.Submission{}, fmt.Errorf("build compute unit price: %w", err)
	}
	swapIx, err := amm.MirrorInstruction(e.cfg.ProgramID, swap.Intent, e.signer.PublicKey(), swap.OurAmountIn, swap.OurMinOut)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("build swap: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{limitIx, priceIx, swapIx},
		blockhash,
		solana.TransactionPayer(e.signer.PublicKey()),
	)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("build transaction: %w", err)
	}
	signatures, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if e.signer.PublicKey().Equals(key) {
			return &e.signer
		}
		return nil
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("sign transaction: %w", err)
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return domain.Submission{}, fmt.Errorf("encode transaction: %w", err)
	}

	return domain.Submission{
		Swap:             swap,
		Attempt:          number,
		ComputeUnitLimit: e.cfg.ComputeUnits,
		PriorityFee:      fee,
		Blockhash:        blockhash,
		Signature:        signatures[0],
		Payload:          payload,
	}, nil
}

// awaitLanding polls the signature until it lands, fails on chain, its
// blockhash expires, or the landing timeout passes. Poll errors are
// ignored; the timeout bounds them.
func (e *Engine) awaitLanding(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) attemptResult {
	deadline := time.NewTimer(e.cfg.LandingTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	seen := false
	expired := func(cause error) attemptResult {
		if seen {
			return failed(domain.OutcomeDropped, domain.KindTransient, signature, errDroppedAfterSeen)
		}
		return failed(domain.OutcomeExpired, domain.KindBlockhashExpired, signature, cause)
	}

	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			return failed(domain.OutcomeError, domain.KindTransient, signature, fmt.Errorf("await landing: %w", ctx.Err()))
		case <-deadline.C:
			return expired(errLandingTimeout)
		case <-ticker.C:
		}

		status, err := e.chain.GetSignatureStatus(ctx, signature)
		if err != nil {
			e.logger.Debug("signature status poll failed", "signature", signature, "err", err)
		} else if status != nil {
			seen = true
			if status.Err != nil {
				kind := chain.ClassifyTransactionError(status.Err, e.cfg.SlippageErrorCode)
				return failed(stateForKind(kind), kind, signature, fmt.Errorf("transaction failed: %v", status.Err))
			}
			if status.Landed() {
				return attemptResult{state: domain.OutcomeLanded, kind: domain.KindNone, signature: signature, slot: status.Slot}
			}
		}

		if lastValidBlockHeight > 0 && polls%blockHeightEvery == 0 {
			height, err := e.chain.GetBlockHeight(ctx)
			if err == nil && height > lastValidBlockHeight {
				return expired(errBlockhashExpired)
			}
		}
	}
}
