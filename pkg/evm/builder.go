package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/coldbell/premarket/pkg/units"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type CreateOfferParams struct {
	From      common.Address
	OfferType OfferType
	TokenID   [32]byte
	ExToken   common.Address
	// Amount is in raw points; Value in raw ex token units.
	Amount    *big.Int
	Value     *big.Int
	FullMatch bool
}

type FillOfferParams struct {
	From    common.Address
	OfferID *big.Int
	Amount  *big.Int
}

type CancelOfferParams struct {
	From    common.Address
	OfferID *big.Int
}

type MatchOffersParams struct {
	From        common.Address
	BuyOfferID  *big.Int
	SellOfferID *big.Int
	Amount      *big.Int
}

type SettleParams struct {
	From    common.Address
	OrderID *big.Int
}

type LabeledTx struct {
	Label string
	Tx    *types.Transaction
}

// BuildResult is an ordered list of unsigned transactions from one sender.
// An approval, when present, comes first.
type BuildResult struct {
	From         common.Address
	Transactions []LabeledTx
	Deposit      *big.Int
	DepositToken common.Address
}

type txRequest struct {
	label     string
	to        common.Address
	value     *big.Int
	data      []byte
	dependent bool
}

func (c *Client) BuildCreateOffer(ctx context.Context, p CreateOfferParams) (*BuildResult, error) {
	if !positive(p.Amount) || !positive(p.Value) {
		return nil, fmt.Errorf("create offer amount=%v value=%v: %w", p.Amount, p.Value, ErrInvalidAmount)
	}
	if p.OfferType != OfferTypeBuy && p.OfferType != OfferTypeSell {
		return nil, fmt.Errorf("unknown offer type %d: %w", p.OfferType, ErrInvalidAmount)
	}

	token, err := c.Token(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}
	if token.Status != TokenStatusActive {
		return nil, fmt.Errorf("token %x: %w", p.TokenID, ErrTokenNotActive)
	}
	accepted, err := c.IsAcceptedToken(ctx, p.ExToken)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, fmt.Errorf("exchange token %s: %w", p.ExToken, ErrExTokenNotAccepted)
	}
	config, err := c.MarketConfig(ctx)
	if err != nil {
		return nil, err
	}

	deposit := new(big.Int).Set(p.Value)
	if p.OfferType == OfferTypeSell {
		if deposit, err = units.Collateral(p.Value, config.PledgeRate); err != nil {
			return nil, err
		}
	}

	var requests []txRequest
	if p.ExToken == NativeToken {
		data, err := preMarketABI.Pack("newOfferETH", uint8(p.OfferType), p.TokenID, p.Amount, p.Value, p.FullMatch)
		if err != nil {
			return nil, fmt.Errorf("failed to pack newOfferETH: %w", err)
		}
		requests = append(requests, txRequest{label: "create_offer", to: c.cfg.ContractAddress, value: deposit, data: data})
	} else {
		requests, err = c.withApproval(ctx, p.From, p.ExToken, deposit)
		if err != nil {
			return nil, err
		}
		data, err := preMarketABI.Pack("newOffer", uint8(p.OfferType), p.TokenID, p.Amount, p.Value, p.ExToken, p.FullMatch)
		if err != nil {
			return nil, fmt.Errorf("failed to pack newOffer: %w", err)
		}
		requests = append(requests, txRequest{label: "create_offer", to: c.cfg.ContractAddress, data: data, dependent: len(requests) > 0})
	}

	return c.assemble(ctx, p.From, p.ExToken, deposit, requests)
}

func (c *Client) BuildFillOffer(ctx context.Context, p FillOfferParams) (*BuildResult, error) {
	offer, err := c.Offer(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	if err := checkFillable(offer, p.Amount); err != nil {
		return nil, fmt.Errorf("fill offer %s: %w", p.OfferID, err)
	}
	token, err := c.Token(ctx, offer.TokenID)
	if err != nil {
		return nil, err
	}
	if token.Status != TokenStatusActive {
		return nil, fmt.Errorf("token %x: %w", offer.TokenID, ErrTokenNotActive)
	}

	deposit, err := FillDeposit(offer, p.Amount)
	if err != nil {
		return nil, err
	}

	var requests []txRequest
	if offer.ExToken == NativeToken {
		data, err := preMarketABI.Pack("fillOfferETH", p.OfferID, p.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to pack fillOfferETH: %w", err)
		}
		requests = append(requests, txRequest{label: "fill_offer", to: c.cfg.ContractAddress, value: deposit, data: data})
	} else {
		requests, err = c.withApproval(ctx, p.From, offer.ExToken, deposit)
		if err != nil {
			return nil, err
		}
		data, err := preMarketABI.Pack("fillOffer", p.OfferID, p.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to pack fillOffer: %w", err)
		}
		requests = append(requests, txRequest{label: "fill_offer", to: c.cfg.ContractAddress, data: data, dependent: len(requests) > 0})
	}

	return c.assemble(ctx, p.From, offer.ExToken, deposit, requests)
}

func (c *Client) BuildCancelOffer(ctx context.Context, p CancelOfferParams) (*BuildResult, error) {
	offer, err := c.Offer(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferStatusOpen {
		return nil, fmt.Errorf("cancel offer %s: %w", p.OfferID, ErrOfferNotOpen)
	}
	if offer.OfferedBy != p.From {
		return nil, fmt.Errorf("cancel offer %s by %s: %w", p.OfferID, p.From, ErrNotOfferOwner)
	}

	data, err := preMarketABI.Pack("cancelOffer", p.OfferID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack cancelOffer: %w", err)
	}
	return c.assemble(ctx, p.From, common.Address{}, new(big.Int), []txRequest{{label: "cancel_offer", to: c.cfg.ContractAddress, data: data}})
}

func (c *Client) BuildMatchOffers(ctx context.Context, p MatchOffersParams) (*BuildResult, error) {
	buy, err := c.Offer(ctx, p.BuyOfferID)
	if err != nil {
		return nil, err
	}
	sell, err := c.Offer(ctx, p.SellOfferID)
	if err != nil {
		return nil, err
	}
	if err := CheckMatchable(buy, sell, p.Amount); err != nil {
		return nil, fmt.Errorf("match offers %s/%s: %w", p.BuyOfferID, p.SellOfferID, err)
	}

	data, err := preMarketABI.Pack("matchOffers", p.BuyOfferID, p.SellOfferID, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack matchOffers: %w", err)
	}
	return c.assemble(ctx, p.From, common.Address{}, new(big.Int), []txRequest{{label: "match_offers", to: c.cfg.ContractAddress, data: data}})
}

func (c *Client) BuildSettleFilled(ctx context.Context, p SettleParams) (*BuildResult, error) {
	order, token, err := c.loadSettlement(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Seller != p.From {
		return nil, fmt.Errorf("settle filled order %s by %s: %w", p.OrderID, p.From, ErrNotOrderParty)
	}
	if token.Status != TokenStatusSettling || token.Token == (common.Address{}) {
		return nil, fmt.Errorf("token %x: %w", token.ID, ErrTokenNotSettling)
	}
	now, err := c.ChainTime(ctx)
	if err != nil {
		return nil, err
	}
	if big.NewInt(now).Cmp(token.SettleDeadline()) > 0 {
		return nil, fmt.Errorf("order %s deadline %s now %d: %w", p.OrderID, token.SettleDeadline(), now, ErrSettleWindowClosed)
	}

	settleAmount, err := SettleAmount(order, token)
	if err != nil {
		return nil, err
	}
	requests, err := c.withApproval(ctx, p.From, token.Token, settleAmount)
	if err != nil {
		return nil, err
	}
	data, err := preMarketABI.Pack("settleFilled", p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack settleFilled: %w", err)
	}
	requests = append(requests, txRequest{label: "settle_filled", to: c.cfg.ContractAddress, data: data, dependent: len(requests) > 0})
	return c.assemble(ctx, p.From, token.Token, settleAmount, requests)
}

func (c *Client) BuildSettleCancelled(ctx context.Context, p SettleParams) (*BuildResult, error) {
	order, token, err := c.loadSettlement(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Buyer != p.From {
		return nil, fmt.Errorf("settle cancelled order %s by %s: %w", p.OrderID, p.From, ErrNotOrderParty)
	}
	if token.Status != TokenStatusSettling || token.SettleTime.Sign() == 0 {
		return nil, fmt.Errorf("token %x: %w", token.ID, ErrTokenNotSettling)
	}
	now, err := c.ChainTime(ctx)
	if err != nil {
		return nil, err
	}
	if big.NewInt(now).Cmp(token.SettleDeadline()) <= 0 {
		return nil, fmt.Errorf("order %s deadline %s now %d: %w", p.OrderID, token.SettleDeadline(), now, ErrSettleWindowOpen)
	}

	data, err := preMarketABI.Pack("settleCancelled", p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack settleCancelled: %w", err)
	}
	return c.assemble(ctx, p.From, common.Address{}, new(big.Int), []txRequest{{label: "settle_cancelled", to: c.cfg.ContractAddress, data: data}})
}

// FillDeposit is what a filler locks: the buyer pays a share of value, the seller a share of collateral.
func FillDeposit(offer *Offer, amount *big.Int) (*big.Int, error) {
	base := offer.Collateral
	if offer.OfferType == OfferTypeSell {
		base = offer.Value
	}
	deposit, err := units.MulDivFloor(base, amount, offer.Amount)
	if err != nil {
		return nil, fmt.Errorf("compute fill deposit: %w", err)
	}
	return deposit, nil
}

// SettleAmount is the raw settlement-token amount the seller delivers for an order.
func SettleAmount(order *Order, token *Token) (*big.Int, error) {
	out, err := units.MulDivFloor(order.Amount, token.SettleRate, big.NewInt(units.RateScale))
	if err != nil {
		return nil, fmt.Errorf("compute settle amount: %w", err)
	}
	return out, nil
}

func checkFillable(offer *Offer, amount *big.Int) error {
	if offer.Status != OfferStatusOpen {
		return ErrOfferNotOpen
	}
	remaining := offer.Remaining()
	if !positive(amount) || amount.Cmp(remaining) > 0 {
		return fmt.Errorf("amount %v remaining %s: %w", amount, remaining, ErrInvalidAmount)
	}
	if offer.FullMatch && amount.Cmp(remaining) != 0 {
		return ErrFullMatchRequired
	}
	return nil
}

// CheckMatchable reports whether amount points of buy and sell can be crossed.
// The sell price must not exceed the buy price.
func CheckMatchable(buy, sell *Offer, amount *big.Int) error {
	if buy.OfferType != OfferTypeBuy || sell.OfferType != OfferTypeSell {
		return fmt.Errorf("offer types %d/%d: %w", buy.OfferType, sell.OfferType, ErrIncompatibleOffers)
	}
	if buy.TokenID != sell.TokenID || buy.ExToken != sell.ExToken {
		return fmt.Errorf("token or exchange token differs: %w", ErrIncompatibleOffers)
	}
	if err := checkFillable(buy, amount); err != nil {
		return fmt.Errorf("buy side: %w", err)
	}
	if err := checkFillable(sell, amount); err != nil {
		return fmt.Errorf("sell side: %w", err)
	}
	sellSide := new(big.Int).Mul(sell.Value, buy.Amount)
	buySide := new(big.Int).Mul(buy.Value, sell.Amount)
	if sellSide.Cmp(buySide) > 0 {
		return fmt.Errorf("sell price above buy price: %w", ErrIncompatibleOffers)
	}
	return nil
}

func (c *Client) loadSettlement(ctx context.Context, orderID *big.Int) (*Order, *Token, error) {
	order, err := c.Order(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != OrderStatusOpen {
		return nil, nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotOpen)
	}
	offer, err := c.Offer(ctx, order.OfferID)
	if err != nil {
		return nil, nil, err
	}
	token, err := c.Token(ctx, offer.TokenID)
	if err != nil {
		return nil, nil, err
	}
	return order, token, nil
}

// withApproval returns an approve request when the contract's allowance is below amount.
func (c *Client) withApproval(ctx context.Context, owner, token common.Address, amount *big.Int) ([]txRequest, error) {
	allowance, err := c.Allowance(ctx, token, owner)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	data, err := erc20ABI.Pack("approve", c.cfg.ContractAddress, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return []txRequest{{label: "approve", to: token, data: data}}, nil
}

func (c *Client) assemble(ctx context.Context, from, depositToken common.Address, deposit *big.Int, requests []txRequest) (*BuildResult, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	fees, err := c.suggestFees(ctx)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{From: from, Deposit: deposit, DepositToken: depositToken}
	for i, req := range requests {
		value := req.value
		if value == nil {
			value = new(big.Int)
		}

		gasLimit := c.cfg.FallbackGasLimit
		if !req.dependent {
			estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
				From:  from,
				To:    &req.to,
				Value: value,
				Data:  req.data,
			})
			if err != nil {
				return nil, fmt.Errorf("%s would revert: %w", req.label, err)
			}
			gasLimit = estimated * (100 + c.cfg.GasMarginPercent) / 100
		}

		to := req.to
		result.Transactions = append(result.Transactions, LabeledTx{
			Label: req.label,
			Tx:    fees.newTx(c.cfg.ChainID, nonce+uint64(i), &to, value, gasLimit, req.data),
		})
	}
	return result, nil
}

type feeQuote struct {
	gasPrice  *big.Int
	gasTipCap *big.Int
	gasFeeCap *big.Int
}

// suggestFees prefers EIP-1559 pricing and falls back to a legacy gas price
// when the chain reports no base fee.
func (c *Client) suggestFees(ctx context.Context) (*feeQuote, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if header.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return &feeQuote{gasPrice: gasPrice}, nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return &feeQuote{gasTipCap: tip, gasFeeCap: feeCap}, nil
}

func (q *feeQuote) newTx(chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) *types.Transaction {
	if q.gasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       to,
			Value:    value,
			Gas:      gas,
			GasPrice: q.gasPrice,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		To:        to,
		Value:     value,
		Gas:       gas,
		GasTipCap: q.gasTipCap,
		GasFeeCap: q.gasFeeCap,
		Data:      data,
	})
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
