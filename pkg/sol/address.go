package sol

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DeriveConfigPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedConfig)}, programID)
}

func DeriveTokenConfigPDA(programID, config solana.PublicKey, tokenID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedToken), config.Bytes(), u64LE(tokenID)}, programID)
}

func DeriveExTokenPDA(programID, config, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedExToken), config.Bytes(), mint.Bytes()}, programID)
}

func DeriveVaultTokenPDA(programID, config, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedVaultToken), config.Bytes(), mint.Bytes()}, programID)
}

func DeriveOfferPDA(programID, config solana.PublicKey, offerID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedOffer), config.Bytes(), u64LE(offerID)}, programID)
}

func DeriveOrderPDA(programID, config solana.PublicKey, orderID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedOrder), config.Bytes(), u64LE(orderID)}, programID)
}

func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address owner=%s mint=%s: %w", owner, mint, err)
	}
	return ata, nil
}

// Addresses holds every program-derived account touched by a single offer or order instruction.
type Addresses struct {
	Config      solana.PublicKey
	TokenConfig solana.PublicKey
	ExToken     solana.PublicKey
	Vault       solana.PublicKey
}

func deriveAddresses(programID solana.PublicKey, tokenID uint64, exMint solana.PublicKey) (Addresses, error) {
	config, _, err := DeriveConfigPDA(programID)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive config PDA: %w", err)
	}
	tokenConfig, _, err := DeriveTokenConfigPDA(programID, config, tokenID)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive token config PDA for token %d: %w", tokenID, err)
	}
	exToken, _, err := DeriveExTokenPDA(programID, config, exMint)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive ex token PDA for %s: %w", exMint, err)
	}
	vault, _, err := DeriveVaultTokenPDA(programID, config, exMint)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive vault PDA for %s: %w", exMint, err)
	}
	return Addresses{Config: config, TokenConfig: tokenConfig, ExToken: exToken, Vault: vault}, nil
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
