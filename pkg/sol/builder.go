package sol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/coldbell/premarket/pkg/units"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

type CreateOfferParams struct {
	Authority   solana.PublicKey
	OfferType   OfferType
	TokenID     uint64
	ExTokenMint solana.PublicKey
	// Amount is in raw points; Value in raw ex token units.
	Amount    uint64
	Value     uint64
	FullMatch bool
}

type FillOfferParams struct {
	User    solana.PublicKey
	OfferID uint64
	Amount  uint64
}

type CancelOfferParams struct {
	Authority solana.PublicKey
	OfferID   uint64
}

type MatchOffersParams struct {
	Matcher     solana.PublicKey
	BuyOfferID  uint64
	SellOfferID uint64
	Amount      uint64
}

type SettleParams struct {
	Signer  solana.PublicKey
	OrderID uint64
}

// BuildResult is an unsigned transaction plus the accounts it will create.
type BuildResult struct {
	Transaction  *solana.Transaction
	Instructions []solana.Instruction
	Deposit      uint64
	DepositMint  solana.PublicKey
	OfferID      uint64
	OfferAddress solana.PublicKey
	OrderID      uint64
	OrderAddress solana.PublicKey
}

func (c *Client) BuildCreateOffer(ctx context.Context, p CreateOfferParams) (*BuildResult, error) {
	if p.Amount == 0 || p.Value == 0 {
		return nil, fmt.Errorf("create offer amount=%d value=%d: %w", p.Amount, p.Value, ErrInvalidAmount)
	}
	if p.OfferType != OfferTypeBuy && p.OfferType != OfferTypeSell {
		return nil, fmt.Errorf("unknown offer type %d: %w", p.OfferType, ErrInvalidAmount)
	}

	addrs, err := deriveAddresses(c.cfg.ProgramID, p.TokenID, p.ExTokenMint)
	if err != nil {
		return nil, err
	}
	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}
	tokenConfig, err := c.TokenConfigAt(ctx, addrs.TokenConfig)
	if err != nil {
		return nil, err
	}
	if tokenConfig.Status != TokenStatusActive {
		return nil, fmt.Errorf("token %d: %w", p.TokenID, ErrTokenNotActive)
	}
	exToken, err := c.ExToken(ctx, p.ExTokenMint)
	if err != nil {
		return nil, err
	}
	if !exToken.IsAccepted {
		return nil, fmt.Errorf("mint %s: %w", p.ExTokenMint, ErrExTokenNotAccepted)
	}

	offerID := config.LastOfferID + 1
	offerKey, _, err := DeriveOfferPDA(c.cfg.ProgramID, addrs.Config, offerID)
	if err != nil {
		return nil, fmt.Errorf("derive offer PDA: %w", err)
	}

	deposit := p.Value
	if p.OfferType == OfferTypeSell {
		deposit, err = units.MulDivFloorU64(p.Value, config.PledgeRate, units.RateScale)
		if err != nil {
			return nil, fmt.Errorf("compute collateral: %w", err)
		}
	}

	userATA, err := DeriveAssociatedTokenAddress(p.Authority, p.ExTokenMint)
	if err != nil {
		return nil, err
	}

	var plan txPlan
	if err := c.planDeposit(ctx, &plan, p.Authority, userATA, p.ExTokenMint, deposit); err != nil {
		return nil, err
	}

	ix, err := NewCreateOfferInstruction(c.cfg.ProgramID, CreateOfferAccounts{
		Authority:        p.Authority,
		Config:           addrs.Config,
		TokenConfig:      addrs.TokenConfig,
		ExToken:          addrs.ExToken,
		ExTokenMint:      p.ExTokenMint,
		UserTokenAccount: userATA,
		Vault:            addrs.Vault,
		Offer:            offerKey,
	}, p.OfferType, p.Amount, p.Value, p.FullMatch)
	if err != nil {
		return nil, fmt.Errorf("build create_offer instruction: %w", err)
	}

	result, err := c.assemble(ctx, p.Authority, plan.instructions(ix))
	if err != nil {
		return nil, err
	}
	result.Deposit = deposit
	result.DepositMint = p.ExTokenMint
	result.OfferID = offerID
	result.OfferAddress = offerKey
	return result, nil
}

func (c *Client) BuildFillOffer(ctx context.Context, p FillOfferParams) (*BuildResult, error) {
	offer, offerKey, err := c.Offer(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	if err := checkFillable(offer, p.Amount); err != nil {
		return nil, fmt.Errorf("fill offer %d: %w", p.OfferID, err)
	}

	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}
	tokenConfig, err := c.TokenConfigAt(ctx, offer.TokenConfig)
	if err != nil {
		return nil, err
	}
	if tokenConfig.Status != TokenStatusActive {
		return nil, fmt.Errorf("token %d: %w", tokenConfig.ID, ErrTokenNotActive)
	}

	orderID := config.LastOrderID + 1
	orderKey, _, err := DeriveOrderPDA(c.cfg.ProgramID, c.configKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("derive order PDA: %w", err)
	}

	deposit, err := FillDeposit(offer, p.Amount)
	if err != nil {
		return nil, err
	}

	vault, _, err := DeriveVaultTokenPDA(c.cfg.ProgramID, c.configKey, offer.ExToken)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}
	userATA, err := DeriveAssociatedTokenAddress(p.User, offer.ExToken)
	if err != nil {
		return nil, err
	}

	var plan txPlan
	if err := c.planDeposit(ctx, &plan, p.User, userATA, offer.ExToken, deposit); err != nil {
		return nil, err
	}

	ix, err := NewFillOfferInstruction(c.cfg.ProgramID, FillOfferAccounts{
		User:             p.User,
		Config:           c.configKey,
		TokenConfig:      offer.TokenConfig,
		Offer:            offerKey,
		Order:            orderKey,
		ExTokenMint:      offer.ExToken,
		UserTokenAccount: userATA,
		Vault:            vault,
	}, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("build fill_offer instruction: %w", err)
	}

	result, err := c.assemble(ctx, p.User, plan.instructions(ix))
	if err != nil {
		return nil, err
	}
	result.Deposit = deposit
	result.DepositMint = offer.ExToken
	result.OfferID = p.OfferID
	result.OfferAddress = offerKey
	result.OrderID = orderID
	result.OrderAddress = orderKey
	return result, nil
}

func (c *Client) BuildCancelOffer(ctx context.Context, p CancelOfferParams) (*BuildResult, error) {
	offer, offerKey, err := c.Offer(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferStatusOpen {
		return nil, fmt.Errorf("cancel offer %d: %w", p.OfferID, ErrOfferNotOpen)
	}
	if !offer.Authority.Equals(p.Authority) {
		return nil, fmt.Errorf("cancel offer %d by %s: %w", p.OfferID, p.Authority, ErrNotOfferOwner)
	}
	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}

	vault, _, err := DeriveVaultTokenPDA(c.cfg.ProgramID, c.configKey, offer.ExToken)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}
	userATA, err := DeriveAssociatedTokenAddress(p.Authority, offer.ExToken)
	if err != nil {
		return nil, err
	}
	feeATA, err := DeriveAssociatedTokenAddress(config.FeeWallet, offer.ExToken)
	if err != nil {
		return nil, err
	}

	var plan txPlan
	if err := c.planWithdrawal(ctx, &plan, p.Authority, userATA, offer.ExToken, config.FeeWallet, feeATA); err != nil {
		return nil, err
	}

	ix := NewCancelOfferInstruction(c.cfg.ProgramID, CancelOfferAccounts{
		Authority:             p.Authority,
		Config:                c.configKey,
		Offer:                 offerKey,
		ExTokenMint:           offer.ExToken,
		UserTokenAccount:      userATA,
		Vault:                 vault,
		FeeWalletTokenAccount: feeATA,
	})

	result, err := c.assemble(ctx, p.Authority, plan.instructions(ix))
	if err != nil {
		return nil, err
	}
	result.OfferID = p.OfferID
	result.OfferAddress = offerKey
	return result, nil
}

func (c *Client) BuildMatchOffers(ctx context.Context, p MatchOffersParams) (*BuildResult, error) {
	offers, err := c.Offers(ctx, []uint64{p.BuyOfferID, p.SellOfferID})
	if err != nil {
		return nil, err
	}
	buy, sell := offers[0], offers[1]
	if buy == nil {
		return nil, fmt.Errorf("buy offer %d: %w", p.BuyOfferID, ErrNotFound)
	}
	if sell == nil {
		return nil, fmt.Errorf("sell offer %d: %w", p.SellOfferID, ErrNotFound)
	}
	if err := CheckMatchable(buy, sell, p.Amount); err != nil {
		return nil, fmt.Errorf("match offers %d/%d: %w", p.BuyOfferID, p.SellOfferID, err)
	}

	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}
	orderID := config.LastOrderID + 1
	orderKey, _, err := DeriveOrderPDA(c.cfg.ProgramID, c.configKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("derive order PDA: %w", err)
	}
	buyKey, _, err := DeriveOfferPDA(c.cfg.ProgramID, c.configKey, p.BuyOfferID)
	if err != nil {
		return nil, fmt.Errorf("derive buy offer PDA: %w", err)
	}
	sellKey, _, err := DeriveOfferPDA(c.cfg.ProgramID, c.configKey, p.SellOfferID)
	if err != nil {
		return nil, fmt.Errorf("derive sell offer PDA: %w", err)
	}

	ix, err := NewMatchOffersInstruction(c.cfg.ProgramID, MatchOffersAccounts{
		Matcher:     p.Matcher,
		Config:      c.configKey,
		TokenConfig: buy.TokenConfig,
		BuyOffer:    buyKey,
		SellOffer:   sellKey,
		Order:       orderKey,
	}, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("build match_offers instruction: %w", err)
	}

	result, err := c.assemble(ctx, p.Matcher, []solana.Instruction{ix})
	if err != nil {
		return nil, err
	}
	result.OrderID = orderID
	result.OrderAddress = orderKey
	return result, nil
}

func (c *Client) BuildSettleFilled(ctx context.Context, p SettleParams) (*BuildResult, error) {
	order, orderKey, offer, tokenConfig, err := c.loadSettlement(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Seller.Equals(p.Signer) {
		return nil, fmt.Errorf("settle filled order %d by %s: %w", p.OrderID, p.Signer, ErrNotOrderParty)
	}
	if tokenConfig.Status != TokenStatusSettling || tokenConfig.Token.IsZero() {
		return nil, fmt.Errorf("token %d: %w", tokenConfig.ID, ErrTokenNotSettling)
	}
	if now := c.ClusterTime(ctx); now > tokenConfig.SettleDeadline() {
		return nil, fmt.Errorf("order %d deadline %d now %d: %w", p.OrderID, tokenConfig.SettleDeadline(), now, ErrSettleWindowClosed)
	}
	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}

	vault, _, err := DeriveVaultTokenPDA(c.cfg.ProgramID, c.configKey, offer.ExToken)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}
	sellerTokenATA, err := DeriveAssociatedTokenAddress(order.Seller, tokenConfig.Token)
	if err != nil {
		return nil, err
	}
	buyerTokenATA, err := DeriveAssociatedTokenAddress(order.Buyer, tokenConfig.Token)
	if err != nil {
		return nil, err
	}
	sellerExATA, err := DeriveAssociatedTokenAddress(order.Seller, offer.ExToken)
	if err != nil {
		return nil, err
	}
	feeATA, err := DeriveAssociatedTokenAddress(config.FeeWallet, offer.ExToken)
	if err != nil {
		return nil, err
	}

	exists, err := c.accountsExist(ctx, buyerTokenATA)
	if err != nil {
		return nil, err
	}
	var plan txPlan
	if err := plan.ensureATA(order.Seller, order.Buyer, tokenConfig.Token, exists[0]); err != nil {
		return nil, err
	}
	if err := c.planWithdrawal(ctx, &plan, order.Seller, sellerExATA, offer.ExToken, config.FeeWallet, feeATA); err != nil {
		return nil, err
	}

	ix := NewSettleFilledInstruction(c.cfg.ProgramID, SettleFilledAccounts{
		Seller:                  order.Seller,
		Config:                  c.configKey,
		TokenConfig:             offer.TokenConfig,
		Offer:                   order.Offer,
		Order:                   orderKey,
		TokenMint:               tokenConfig.Token,
		SellerTokenAccount:      sellerTokenATA,
		Buyer:                   order.Buyer,
		BuyerTokenAccount:       buyerTokenATA,
		ExTokenMint:             offer.ExToken,
		SellerExTokenAccount:    sellerExATA,
		Vault:                   vault,
		FeeWalletExTokenAccount: feeATA,
	})

	result, err := c.assemble(ctx, order.Seller, plan.instructions(ix))
	if err != nil {
		return nil, err
	}
	result.Deposit, err = SettleAmount(order, tokenConfig)
	if err != nil {
		return nil, err
	}
	result.DepositMint = tokenConfig.Token
	result.OrderID = p.OrderID
	result.OrderAddress = orderKey
	return result, nil
}

func (c *Client) BuildSettleCancelled(ctx context.Context, p SettleParams) (*BuildResult, error) {
	order, orderKey, offer, tokenConfig, err := c.loadSettlement(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Buyer.Equals(p.Signer) {
		return nil, fmt.Errorf("settle cancelled order %d by %s: %w", p.OrderID, p.Signer, ErrNotOrderParty)
	}
	// a zero settle time would put the deadline at the epoch
	if tokenConfig.Status != TokenStatusSettling || tokenConfig.SettleTime == 0 {
		return nil, fmt.Errorf("token %d: %w", tokenConfig.ID, ErrTokenNotSettling)
	}
	if now := c.ClusterTime(ctx); now <= tokenConfig.SettleDeadline() {
		return nil, fmt.Errorf("order %d deadline %d now %d: %w", p.OrderID, tokenConfig.SettleDeadline(), now, ErrSettleWindowOpen)
	}
	config, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}

	vault, _, err := DeriveVaultTokenPDA(c.cfg.ProgramID, c.configKey, offer.ExToken)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}
	buyerExATA, err := DeriveAssociatedTokenAddress(order.Buyer, offer.ExToken)
	if err != nil {
		return nil, err
	}
	feeATA, err := DeriveAssociatedTokenAddress(config.FeeWallet, offer.ExToken)
	if err != nil {
		return nil, err
	}

	var plan txPlan
	if err := c.planWithdrawal(ctx, &plan, order.Buyer, buyerExATA, offer.ExToken, config.FeeWallet, feeATA); err != nil {
		return nil, err
	}

	ix := NewSettleCancelledInstruction(c.cfg.ProgramID, SettleCancelledAccounts{
		Buyer:                   order.Buyer,
		Config:                  c.configKey,
		TokenConfig:             offer.TokenConfig,
		Offer:                   order.Offer,
		Order:                   orderKey,
		ExTokenMint:             offer.ExToken,
		BuyerExTokenAccount:     buyerExATA,
		Vault:                   vault,
		FeeWalletExTokenAccount: feeATA,
	})

	result, err := c.assemble(ctx, order.Buyer, plan.instructions(ix))
	if err != nil {
		return nil, err
	}
	result.OrderID = p.OrderID
	result.OrderAddress = orderKey
	return result, nil
}

// FillDeposit is what a filler locks: the buyer pays a share of value, the seller a share of collateral.
func FillDeposit(offer *OfferAccount, amount uint64) (uint64, error) {
	base := offer.Collateral
	if offer.OfferType == OfferTypeSell {
		base = offer.Value
	}
	deposit, err := units.MulDivFloorU64(base, amount, offer.Amount)
	if err != nil {
		return 0, fmt.Errorf("compute fill deposit: %w", err)
	}
	return deposit, nil
}

// SettleAmount is the raw settlement-token amount the seller delivers for an order.
func SettleAmount(order *OrderAccount, tokenConfig *TokenConfigAccount) (uint64, error) {
	out, err := units.MulDivFloorU64(order.Amount, tokenConfig.SettleRate, units.RateScale)
	if err != nil {
		return 0, fmt.Errorf("compute settle amount: %w", err)
	}
	return out, nil
}

func checkFillable(offer *OfferAccount, amount uint64) error {
	if offer.Status != OfferStatusOpen {
		return ErrOfferNotOpen
	}
	remaining := offer.Remaining()
	if amount == 0 || amount > remaining {
		return fmt.Errorf("amount %d remaining %d: %w", amount, remaining, ErrInvalidAmount)
	}
	if offer.IsFullMatch && amount != remaining {
		return ErrFullMatchRequired
	}
	return nil
}

// CheckMatchable reports whether amount points of buy and sell can be crossed.
// The sell price must not exceed the buy price.
func CheckMatchable(buy, sell *OfferAccount, amount uint64) error {
	if buy.OfferType != OfferTypeBuy || sell.OfferType != OfferTypeSell {
		return fmt.Errorf("offer types %s/%s: %w", buy.OfferType, sell.OfferType, ErrIncompatibleOffers)
	}
	if !buy.TokenConfig.Equals(sell.TokenConfig) || !buy.ExToken.Equals(sell.ExToken) {
		return fmt.Errorf("token or exchange token differs: %w", ErrIncompatibleOffers)
	}
	if err := checkFillable(buy, amount); err != nil {
		return fmt.Errorf("buy side: %w", err)
	}
	if err := checkFillable(sell, amount); err != nil {
		return fmt.Errorf("sell side: %w", err)
	}

	sellSide := new(big.Int).Mul(new(big.Int).SetUint64(sell.Value), new(big.Int).SetUint64(buy.Amount))
	buySide := new(big.Int).Mul(new(big.Int).SetUint64(buy.Value), new(big.Int).SetUint64(sell.Amount))
	if sellSide.Cmp(buySide) > 0 {
		return fmt.Errorf("sell price above buy price: %w", ErrIncompatibleOffers)
	}
	return nil
}

func (c *Client) loadSettlement(ctx context.Context, orderID uint64) (*OrderAccount, solana.PublicKey, *OfferAccount, *TokenConfigAccount, error) {
	order, orderKey, err := c.Order(ctx, orderID)
	if err != nil {
		return nil, orderKey, nil, nil, err
	}
	if order.Status != OrderStatusOpen {
		return nil, orderKey, nil, nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotOpen)
	}
	offer, err := c.OfferAt(ctx, order.Offer)
	if err != nil {
		return nil, orderKey, nil, nil, err
	}
	tokenConfig, err := c.TokenConfigAt(ctx, offer.TokenConfig)
	if err != nil {
		return nil, orderKey, nil, nil, err
	}
	return order, orderKey, offer, tokenConfig, nil
}

// planDeposit wraps SOL when the exchange token is the native mint.
func (c *Client) planDeposit(ctx context.Context, plan *txPlan, owner, ownerATA, mint solana.PublicKey, deposit uint64) error {
	if !isWrappedSOL(mint) {
		return nil
	}
	exists, err := c.accountsExist(ctx, ownerATA)
	if err != nil {
		return err
	}
	if err := plan.ensureATA(owner, owner, mint, exists[0]); err != nil {
		return err
	}
	if err := plan.wrapSOL(owner, ownerATA, deposit); err != nil {
		return err
	}
	return plan.unwrapSOL(owner, ownerATA)
}

// planWithdrawal makes sure the receiving and fee accounts exist, and unwraps SOL afterwards.
func (c *Client) planWithdrawal(ctx context.Context, plan *txPlan, owner, ownerATA, mint, feeWallet, feeATA solana.PublicKey) error {
	exists, err := c.accountsExist(ctx, ownerATA, feeATA)
	if err != nil {
		return err
	}
	if err := plan.ensureATA(owner, owner, mint, exists[0]); err != nil {
		return err
	}
	if !feeATA.Equals(ownerATA) {
		if err := plan.ensureATA(owner, feeWallet, mint, exists[1]); err != nil {
			return err
		}
	}
	if isWrappedSOL(mint) {
		return plan.unwrapSOL(owner, ownerATA)
	}
	return nil
}

func (c *Client) computeBudgetInstructions() ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 2)
	if c.cfg.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	return instructions, nil
}

func (c *Client) assemble(ctx context.Context, payer solana.PublicKey, body []solana.Instruction) (*BuildResult, error) {
	budget, err := c.computeBudgetInstructions()
	if err != nil {
		return nil, err
	}
	instructions := append(budget, body...)

	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return &BuildResult{Transaction: tx, Instructions: instructions}, nil
}
