// Package amm decodes and builds swaps for a constant-product AMM program.
package amm

import (
	"bytes"
	"fmt"

	"github.com/coldbell/swapmirror/internal/domain"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	SwapDataSize     = 16
	MinSwapAccounts  = 5
	poolAccountIndex = 1
	tokenInIndex     = 3
	tokenOutIndex    = 4
)

type swapArgs struct {
	AmountIn     uint64
	MinAmountOut uint64
}

type LeaderSet map[solana.PublicKey]struct{}

func NewLeaderSet(leaders []solana.PublicKey) LeaderSet {
	out := make(LeaderSet, len(leaders))
	for _, leader := range leaders {
		out[leader] = struct{}{}
	}
	return out
}

func (s LeaderSet) Contains(key solana.PublicKey) bool {
	_, ok := s[key]
	return ok
}

// DecodeSwap extracts the leader's swap from tx. Only the first instruction
// addressed to programID is considered; later ones are ignored.
func DecodeSwap(tx *solana.Transaction, slot uint64, programID solana.PublicKey, leaders LeaderSet) (domain.SwapIntent, bool) {
	if tx == nil || len(tx.Signatures) == 0 {
		return domain.SwapIntent{}, false
	}
	msg := &tx.Message
	if msg.Header.NumRequiredSignatures == 0 || len(msg.AccountKeys) == 0 {
		return domain.SwapIntent{}, false
	}
	leader := msg.AccountKeys[0]
	if !leaders.Contains(leader) {
		return domain.SwapIntent{}, false
	}

	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			return domain.SwapIntent{}, false
		}
		if !msg.AccountKeys[ix.ProgramIDIndex].Equals(programID) {
			continue
		}
		return decodeSwapInstruction(msg, ix, leader, tx.Signatures[0], slot)
	}
	return domain.SwapIntent{}, false
}

func decodeSwapInstruction(
	msg *solana.Message,
	ix solana.CompiledInstruction,
	leader solana.PublicKey,
	signature solana.Signature,
	slot uint64,
) (domain.SwapIntent, bool) {
	if len(ix.Data) < SwapDataSize || len(ix.Accounts) < MinSwapAccounts {
		return domain.SwapIntent{}, false
	}

	var args swapArgs
	if err := bin.NewBorshDecoder(ix.Data).Decode(&args); err != nil {
		return domain.SwapIntent{}, false
	}

	accounts := make([]solana.AccountMeta, 0, len(ix.Accounts))
	for _, index := range ix.Accounts {
		meta, ok := staticAccountMeta(msg, index)
		if !ok {
			return domain.SwapIntent{}, false
		}
		accounts = append(accounts, meta)
	}

	intent := domain.SwapIntent{
		Leader:       leader,
		Pool:         accounts[poolAccountIndex].PublicKey,
		TokenIn:      accounts[tokenInIndex].PublicKey,
		TokenOut:     accounts[tokenOutIndex].PublicKey,
		AmountIn:     args.AmountIn,
		MinOut:       args.MinAmountOut,
		ObservedSlot: slot,
		Signature:    signature,
		Accounts:     accounts,
	}
	if !intent.Valid() {
		return domain.SwapIntent{}, false
	}
	return intent, true
}

// staticAccountMeta rebuilds signer and writable flags from the message
// header. Accounts loaded through lookup tables are not resolvable here.
func staticAccountMeta(msg *solana.Message, index uint16) (solana.AccountMeta, bool) {
	keys := msg.AccountKeys
	i := int(index)
	if i >= len(keys) {
		return solana.AccountMeta{}, false
	}

	signed := int(msg.Header.NumRequiredSignatures)
	meta := solana.AccountMeta{PublicKey: keys[i], IsSigner: i < signed}
	if meta.IsSigner {
		meta.IsWritable = i < signed-int(msg.Header.NumReadonlySignedAccounts)
	} else {
		meta.IsWritable = i < len(keys)-int(msg.Header.NumReadonlyUnsignedAccounts)
	}
	return meta, true
}

func EncodeSwapData(amountIn, minOut uint64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(swapArgs{AmountIn: amountIn, MinAmountOut: minOut}); err != nil {
		return nil, fmt.Errorf("encode swap args: %w", err)
	}
	return buf.Bytes(), nil
}

// NewSwapInstruction is the canonical swap layout: amount_in and
// min_amount_out as little-endian u64 over the given account list.
func NewSwapInstruction(programID solana.PublicKey, accounts []solana.AccountMeta, amountIn, minOut uint64) (solana.Instruction, error) {
	if len(accounts) < MinSwapAccounts {
		return nil, fmt.Errorf("swap needs at least %d accounts, got %d", MinSwapAccounts, len(accounts))
	}
	data, err := EncodeSwapData(amountIn, minOut)
	if err != nil {
		return nil, err
	}

	metas := make(solana.AccountMetaSlice, len(accounts))
	for i := range accounts {
		meta := accounts[i]
		metas[i] = &meta
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// IntentInstruction re-encodes an intent with its own amounts.
func IntentInstruction(programID solana.PublicKey, intent domain.SwapIntent) (solana.Instruction, error) {
	return NewSwapInstruction(programID, intent.Accounts, intent.AmountIn, intent.MinOut)
}

// MirrorInstruction builds our copy of intent: the leader is replaced by
// payer and the token accounts by payer's associated accounts for the
// resolved mints.
func MirrorInstruction(programID solana.PublicKey, intent domain.SwapIntent, payer solana.PublicKey, amountIn, minOut uint64) (solana.Instruction, error) {
	if intent.MintIn.IsZero() || intent.MintOut.IsZero() {
		return nil, fmt.Errorf("intent %s has unresolved mints", intent.Signature)
	}
	sourceATA, err := DeriveAssociatedTokenAccount(payer, intent.MintIn)
	if err != nil {
		return nil, err
	}
	destinationATA, err := DeriveAssociatedTokenAccount(payer, intent.MintOut)
	if err != nil {
		return nil, err
	}

	accounts := Retarget(intent.Accounts, intent.Leader, payer, sourceATA, destinationATA)
	return NewSwapInstruction(programID, accounts, amountIn, minOut)
}

// Retarget copies the account template with the leader swapped for payer
// and positions 3 and 4 replaced. Signer and writable flags are kept.
func Retarget(template []solana.AccountMeta, leader, payer, tokenIn, tokenOut solana.PublicKey) []solana.AccountMeta {
	out := make([]solana.AccountMeta, len(template))
	copy(out, template)
	for i := range out {
		if out[i].PublicKey.Equals(leader) {
			out[i].PublicKey = payer
		}
	}
	if len(out) > tokenOutIndex {
		out[tokenInIndex].PublicKey = tokenIn
		out[tokenOutIndex].PublicKey = tokenOut
	}
	return out
}
