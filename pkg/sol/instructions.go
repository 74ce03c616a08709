package sol

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
)

type createOfferArgs struct {
	OfferType   OfferType
	Amount      uint64
	Value       uint64
	IsFullMatch bool
}

type amountArgs struct {
	Amount uint64
}

type CreateOfferAccounts struct {
	Authority        solana.PublicKey
	Config           solana.PublicKey
	TokenConfig      solana.PublicKey
	ExToken          solana.PublicKey
	ExTokenMint      solana.PublicKey
	UserTokenAccount solana.PublicKey
	Vault            solana.PublicKey
	Offer            solana.PublicKey
}

func NewCreateOfferInstruction(programID solana.PublicKey, accounts CreateOfferAccounts, offerType OfferType, amount, value uint64, fullMatch bool) (solana.Instruction, error) {
	data, err := encodeInstruction(createOfferDisc, createOfferArgs{
		OfferType:   offerType,
		Amount:      amount,
		Value:       value,
		IsFullMatch: fullMatch,
	})
	if err != nil {
		return nil, err
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.Config, true, false),
		solana.NewAccountMeta(accounts.TokenConfig, false, false),
		solana.NewAccountMeta(accounts.ExToken, false, false),
		solana.NewAccountMeta(accounts.ExTokenMint, false, false),
		solana.NewAccountMeta(accounts.UserTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.Offer, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

type FillOfferAccounts struct {
	User             solana.PublicKey
	Config           solana.PublicKey
	TokenConfig      solana.PublicKey
	Offer            solana.PublicKey
	Order            solana.PublicKey
	ExTokenMint      solana.PublicKey
	UserTokenAccount solana.PublicKey
	Vault            solana.PublicKey
}

func NewFillOfferInstruction(programID solana.PublicKey, accounts FillOfferAccounts, amount uint64) (solana.Instruction, error) {
	data, err := encodeInstruction(fillOfferDisc, amountArgs{Amount: amount})
	if err != nil {
		return nil, err
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Config, true, false),
		solana.NewAccountMeta(accounts.TokenConfig, false, false),
		solana.NewAccountMeta(accounts.Offer, true, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.ExTokenMint, false, false),
		solana.NewAccountMeta(accounts.UserTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

type CancelOfferAccounts struct {
	Authority             solana.PublicKey
	Config                solana.PublicKey
	Offer                 solana.PublicKey
	ExTokenMint           solana.PublicKey
	UserTokenAccount      solana.PublicKey
	Vault                 solana.PublicKey
	FeeWalletTokenAccount solana.PublicKey
}

func NewCancelOfferInstruction(programID solana.PublicKey, accounts CancelOfferAccounts) solana.Instruction {
	data := make([]byte, len(cancelOfferDisc))
	copy(data, cancelOfferDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.Config, false, false),
		solana.NewAccountMeta(accounts.Offer, true, false),
		solana.NewAccountMeta(accounts.ExTokenMint, false, false),
		solana.NewAccountMeta(accounts.UserTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.FeeWalletTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data)
}

type MatchOffersAccounts struct {
	Matcher     solana.PublicKey
	Config      solana.PublicKey
	TokenConfig solana.PublicKey
	BuyOffer    solana.PublicKey
	SellOffer   solana.PublicKey
	Order       solana.PublicKey
}

func NewMatchOffersInstruction(programID solana.PublicKey, accounts MatchOffersAccounts, amount uint64) (solana.Instruction, error) {
	data, err := encodeInstruction(matchOffersDisc, amountArgs{Amount: amount})
	if err != nil {
		return nil, err
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Matcher, true, true),
		solana.NewAccountMeta(accounts.Config, true, false),
		solana.NewAccountMeta(accounts.TokenConfig, false, false),
		solana.NewAccountMeta(accounts.BuyOffer, true, false),
		solana.NewAccountMeta(accounts.SellOffer, true, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

type SettleFilledAccounts struct {
	Seller                  solana.PublicKey
	Config                  solana.PublicKey
	TokenConfig             solana.PublicKey
	Offer                   solana.PublicKey
	Order                   solana.PublicKey
	TokenMint               solana.PublicKey
	SellerTokenAccount      solana.PublicKey
	Buyer                   solana.PublicKey
	BuyerTokenAccount       solana.PublicKey
	ExTokenMint             solana.PublicKey
	SellerExTokenAccount    solana.PublicKey
	Vault                   solana.PublicKey
	FeeWalletExTokenAccount solana.PublicKey
}

func NewSettleFilledInstruction(programID solana.PublicKey, accounts SettleFilledAccounts) solana.Instruction {
	data := make([]byte, len(settleFilledDisc))
	copy(data, settleFilledDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Seller, true, true),
		solana.NewAccountMeta(accounts.Config, false, false),
		solana.NewAccountMeta(accounts.TokenConfig, false, false),
		solana.NewAccountMeta(accounts.Offer, false, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.TokenMint, false, false),
		solana.NewAccountMeta(accounts.SellerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Buyer, false, false),
		solana.NewAccountMeta(accounts.BuyerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.ExTokenMint, false, false),
		solana.NewAccountMeta(accounts.SellerExTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.FeeWalletExTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data)
}

type SettleCancelledAccounts struct {
	Buyer                   solana.PublicKey
	Config                  solana.PublicKey
	TokenConfig             solana.PublicKey
	Offer                   solana.PublicKey
	Order                   solana.PublicKey
	ExTokenMint             solana.PublicKey
	BuyerExTokenAccount     solana.PublicKey
	Vault                   solana.PublicKey
	FeeWalletExTokenAccount solana.PublicKey
}

func NewSettleCancelledInstruction(programID solana.PublicKey, accounts SettleCancelledAccounts) solana.Instruction {
	data := make([]byte, len(settleCancelledDisc))
	copy(data, settleCancelledDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Buyer, true, true),
		solana.NewAccountMeta(accounts.Config, false, false),
		solana.NewAccountMeta(accounts.TokenConfig, false, false),
		solana.NewAccountMeta(accounts.Offer, false, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.ExTokenMint, false, false),
		solana.NewAccountMeta(accounts.BuyerExTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.FeeWalletExTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data)
}

func newCreateATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ix, err := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build create ATA instruction owner=%s mint=%s: %w", owner, mint, err)
	}
	return ix, nil
}

func encodeInstruction(disc [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", err)
	}
	return buf.Bytes(), nil
}
