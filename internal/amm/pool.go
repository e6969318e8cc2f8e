package amm

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// PoolAccountSize is the byte length of the pool state account.
const PoolAccountSize = 5*8 + 4*32

// DecodePool reads the pool state layout:
// liquidity, base_reserve, quote_reserve, fee_num, fee_den (u64 LE)
// followed by base_mint, quote_mint, base_vault, quote_vault.
func DecodePool(pool solana.PublicKey, data []byte, refreshedAt time.Time) (domain.PoolSnapshot, error) {
	if len(data) < PoolAccountSize {
		return domain.PoolSnapshot{}, fmt.Errorf("pool %s: account is %d bytes, want %d", pool, len(data), PoolAccountSize)
	}

	dec := bin.NewBorshDecoder(data)
	var amounts [5]uint64
	for i := range amounts {
		v, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return domain.PoolSnapshot{}, fmt.Errorf("pool %s: read field %d: %w", pool, i, err)
		}
		amounts[i] = v
	}
	var mints [2]solana.PublicKey
	for i := range mints {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return domain.PoolSnapshot{}, fmt.Errorf("pool %s: read mint %d: %w", pool, i, err)
		}
		mints[i] = solana.PublicKeyFromBytes(raw)
	}

	return domain.PoolSnapshot{
		Pool:         pool,
		Liquidity:    amounts[0],
		BaseReserve:  amounts[1],
		QuoteReserve: amounts[2],
		FeeNum:       amounts[3],
		FeeDen:       amounts[4],
		BaseMint:     mints[0],
		QuoteMint:    mints[1],
		RefreshedAt:  refreshedAt,
	}, nil
}

// EncodePool writes a snapshot in the pool state layout with zero vaults.
func EncodePool(snapshot domain.PoolSnapshot) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	for _, v := range []uint64{snapshot.Liquidity, snapshot.BaseReserve, snapshot.QuoteReserve, snapshot.FeeNum, snapshot.FeeDen} {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return nil, err
		}
	}
	var zero solana.PublicKey
	for _, key := range []solana.PublicKey{snapshot.BaseMint, snapshot.QuoteMint, zero, zero} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ExpectedOut is reserve_out - (reserve_in * reserve_out) / (reserve_in + amount_in),
// with the division rounded up so the estimate never favours us.
func ExpectedOut(reserveIn, reserveOut, amountIn uint64) uint64 {
	if reserveIn == 0 || reserveOut == 0 || amountIn == 0 {
		return 0
	}
	k := new(big.Int).Mul(new(big.Int).SetUint64(reserveIn), new(big.Int).SetUint64(reserveOut))
	denominator := new(big.Int).Add(new(big.Int).SetUint64(reserveIn), new(big.Int).SetUint64(amountIn))
	remaining, rem := new(big.Int).QuoRem(k, denominator, new(big.Int))
	if rem.Sign() > 0 {
		remaining.Add(remaining, big.NewInt(1))
	}
	if !remaining.IsUint64() || remaining.Uint64() >= reserveOut {
		return 0
	}
	return reserveOut - remaining.Uint64()
}

// PriceImpact is |price_before - price_after| / price_before for a swap of
// amountIn against the given reserves.
func PriceImpact(reserveIn, reserveOut, amountIn uint64) float64 {
	if reserveIn == 0 || reserveOut == 0 {
		return 1
	}
	out := ExpectedOut(reserveIn, reserveOut, amountIn)
	before := float64(reserveOut) / float64(reserveIn)
	after := float64(reserveOut-out) / (float64(reserveIn) + float64(amountIn))
	return math.Abs(before-after) / before
}

// MinOut applies a slippage budget to an expected output. The budget is
// resolved to parts per million so that decimal fractions round exactly.
func MinOut(expectedOut uint64, maxSlippage float64) uint64 {
	if expectedOut == 0 || maxSlippage >= 1 {
		return 0
	}
	if maxSlippage <= 0 {
		return expectedOut
	}
	keepPPM := ppm - uint64(math.Round(maxSlippage*ppm))
	out := new(big.Int).Mul(new(big.Int).SetUint64(expectedOut), new(big.Int).SetUint64(keepPPM))
	out.Quo(out, new(big.Int).SetUint64(ppm))
	return out.Uint64()
}

const ppm = 1_000_000
