package amm

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SPL token account layout.
const (
	TokenAccountSize  = 165
	TokenMintOffset   = 0
	TokenOwnerOffset  = 32
	TokenAmountOffset = 64
)

var NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

func DeriveAssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token account for %s/%s: %w", owner, mint, err)
	}
	return ata, nil
}

func TokenAccountMint(data []byte) (solana.PublicKey, error) {
	if len(data) < TokenAccountSize {
		return solana.PublicKey{}, fmt.Errorf("token account is %d bytes, want %d", len(data), TokenAccountSize)
	}
	return solana.PublicKeyFromBytes(data[TokenMintOffset : TokenMintOffset+solana.PublicKeyLength]), nil
}

func TokenAccountOwner(data []byte) (solana.PublicKey, error) {
	if len(data) < TokenAccountSize {
		return solana.PublicKey{}, fmt.Errorf("token account is %d bytes, want %d", len(data), TokenAccountSize)
	}
	return solana.PublicKeyFromBytes(data[TokenOwnerOffset : TokenOwnerOffset+solana.PublicKeyLength]), nil
}

func TokenAccountAmount(data []byte) (uint64, error) {
	if len(data) < TokenAccountSize {
		return 0, fmt.Errorf("token account is %d bytes, want %d", len(data), TokenAccountSize)
	}
	return binary.LittleEndian.Uint64(data[TokenAmountOffset : TokenAmountOffset+8]), nil
}

// EncodeTokenAccount writes the mint, owner and amount fields of an SPL
// token account; the remaining bytes are zero.
func EncodeTokenAccount(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, TokenAccountSize)
	copy(data[TokenMintOffset:], mint[:])
	copy(data[TokenOwnerOffset:], owner[:])
	binary.LittleEndian.PutUint64(data[TokenAmountOffset:], amount)
	return data
}
