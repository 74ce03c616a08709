package premarket

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/coldbell/premarket/pkg/evm"
	"github.com/coldbell/premarket/pkg/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// EVMClient is the subset of *evm.Client the EVM market uses.
type EVMClient interface {
	ContractAddress() common.Address
	Signer() common.Address
	Offer(ctx context.Context, offerID *big.Int) (*evm.Offer, error)
	Order(ctx context.Context, orderID *big.Int) (*evm.Order, error)
	Token(ctx context.Context, tokenID [32]byte) (*evm.Token, error)
	MarketConfig(ctx context.Context) (*evm.MarketConfig, error)
	LastOfferID(ctx context.Context) (*big.Int, error)
	LastOrderID(ctx context.Context) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)

	BuildCreateOffer(ctx context.Context, p evm.CreateOfferParams) (*evm.BuildResult, error)
	BuildFillOffer(ctx context.Context, p evm.FillOfferParams) (*evm.BuildResult, error)
	BuildCancelOffer(ctx context.Context, p evm.CancelOfferParams) (*evm.BuildResult, error)
	BuildMatchOffers(ctx context.Context, p evm.MatchOffersParams) (*evm.BuildResult, error)
	BuildSettleFilled(ctx context.Context, p evm.SettleParams) (*evm.BuildResult, error)
	BuildSettleCancelled(ctx context.Context, p evm.SettleParams) (*evm.BuildResult, error)

	Submit(ctx context.Context, result *evm.BuildResult) ([]*types.Receipt, error)
}

type EVMMarket struct {
	client EVMClient
}

var _ Market = (*EVMMarket)(nil)

func NewEVMMarket(client EVMClient) *EVMMarket {
	return &EVMMarket{client: client}
}

func (m *EVMMarket) Chain() Chain {
	return ChainEVM
}

func (m *EVMMarket) Signer() string {
	signer := m.client.Signer()
	if signer == (common.Address{}) {
		return ""
	}
	return signer.Hex()
}

func (m *EVMMarket) CreateOffer(ctx context.Context, p CreateOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	tokenID, err := evm.ParseTokenID(p.TokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	exToken, err := parseEVMAddress("ex token", p.ExToken, true)
	if err != nil {
		return nil, err
	}
	exDecimals, err := m.client.Decimals(ctx, exToken)
	if err != nil {
		return nil, fmt.Errorf("resolve ex token decimals: %w", translateErr(err))
	}
	amount, err := units.ToRaw(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	value, err := units.ToRaw(p.Value, exDecimals)
	if err != nil {
		return nil, fmt.Errorf("value: %w: %w", ErrInvalidParams, err)
	}
	offerType := evm.OfferTypeBuy
	if p.Type == OfferTypeSell {
		offerType = evm.OfferTypeSell
	}

	result, err := m.client.BuildCreateOffer(ctx, evm.CreateOfferParams{
		From:      from,
		OfferType: offerType,
		TokenID:   tokenID,
		ExToken:   exToken,
		Amount:    amount,
		Value:     value,
		FullMatch: p.FullMatch,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "create_offer", result)
}

func (m *EVMMarket) FillOffer(ctx context.Context, p FillOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	amount, err := units.ToRaw(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	result, err := m.client.BuildFillOffer(ctx, evm.FillOfferParams{
		From:    from,
		OfferID: new(big.Int).SetUint64(p.OfferID),
		Amount:  amount,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	out, err := m.bundle(ctx, "fill_offer", result)
	if err != nil {
		return nil, err
	}
	out.OfferID = p.OfferID
	return out, nil
}

func (m *EVMMarket) CancelOffer(ctx context.Context, p CancelOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	result, err := m.client.BuildCancelOffer(ctx, evm.CancelOfferParams{
		From:    from,
		OfferID: new(big.Int).SetUint64(p.OfferID),
	})
	if err != nil {
		return nil, translateErr(err)
	}
	out, err := m.bundle(ctx, "cancel_offer", result)
	if err != nil {
		return nil, err
	}
	out.OfferID = p.OfferID
	return out, nil
}

func (m *EVMMarket) MatchOffers(ctx context.Context, p MatchOffersParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	amount, err := units.ToRaw(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	result, err := m.client.BuildMatchOffers(ctx, evm.MatchOffersParams{
		From:        from,
		BuyOfferID:  new(big.Int).SetUint64(p.BuyOfferID),
		SellOfferID: new(big.Int).SetUint64(p.SellOfferID),
		Amount:      amount,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "match_offers", result)
}

func (m *EVMMarket) SettleFilled(ctx context.Context, p SettleParams) (*TxBundle, error) {
	return m.settle(ctx, "settle_filled", p, m.client.BuildSettleFilled)
}

func (m *EVMMarket) SettleCancelled(ctx context.Context, p SettleParams) (*TxBundle, error) {
	return m.settle(ctx, "settle_cancelled", p, m.client.BuildSettleCancelled)
}

func (m *EVMMarket) settle(
	ctx context.Context,
	operation string,
	p SettleParams,
	build func(context.Context, evm.SettleParams) (*evm.BuildResult, error),
) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	result, err := build(ctx, evm.SettleParams{From: from, OrderID: new(big.Int).SetUint64(p.OrderID)})
	if err != nil {
		return nil, translateErr(err)
	}
	out, err := m.bundle(ctx, operation, result)
	if err != nil {
		return nil, err
	}
	out.OrderID = p.OrderID
	return out, nil
}

func (m *EVMMarket) GetOffer(ctx context.Context, id uint64) (*Offer, error) {
	offer, err := m.client.Offer(ctx, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, translateErr(err)
	}
	return m.normalizeOffer(ctx, offer)
}

func (m *EVMMarket) GetOffers(ctx context.Context, ids []uint64) ([]*Offer, error) {
	out := make([]*Offer, 0, len(ids))
	for _, id := range ids {
		offer, err := m.GetOffer(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, offer)
	}
	return out, nil
}

func (m *EVMMarket) GetOrder(ctx context.Context, id uint64) (*Order, error) {
	order, err := m.client.Order(ctx, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, translateErr(err)
	}
	return normalizeEVMOrder(order), nil
}

func (m *EVMMarket) GetOrders(ctx context.Context, ids []uint64) ([]*Order, error) {
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		order, err := m.GetOrder(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (m *EVMMarket) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	id, err := evm.ParseTokenID(tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	token, err := m.client.Token(ctx, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &Token{
		Chain:          ChainEVM,
		ID:             hexutil.Encode(token.ID[:]),
		Token:          token.Token.Hex(),
		SettleTime:     unixTime(token.SettleTime.Int64()),
		SettleDuration: time.Duration(token.SettleDuration.Int64()) * time.Second,
		SettleRate:     decimal.NewFromBigInt(token.SettleRate, 0).Div(decimal.NewFromInt(units.RateScale)),
		Status:         evmTokenStatus(token.Status),
	}, nil
}

func (m *EVMMarket) GetConfig(ctx context.Context) (*MarketConfig, error) {
	cfg, err := m.client.MarketConfig(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	lastOffer, err := m.client.LastOfferID(ctx)
	if err != nil {
		return nil, fmt.Errorf("last offer id: %w", err)
	}
	lastOrder, err := m.client.LastOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("last order id: %w", err)
	}
	return &MarketConfig{
		Chain:       ChainEVM,
		PledgeRate:  decimal.NewFromBigInt(cfg.PledgeRate, 0).Div(decimal.NewFromInt(units.RateScale)),
		FeeRefund:   decimal.NewFromBigInt(cfg.FeeRefund, 0).Div(decimal.NewFromInt(units.FeeScale)),
		FeeSettle:   decimal.NewFromBigInt(cfg.FeeSettle, 0).Div(decimal.NewFromInt(units.FeeScale)),
		FeeWallet:   cfg.FeeWallet.Hex(),
		LastOfferID: lastOffer.Uint64(),
		LastOrderID: lastOrder.Uint64(),
	}, nil
}

func (m *EVMMarket) Submit(ctx context.Context, b *TxBundle) (*SubmitResult, error) {
	if b == nil || len(b.Txs) == 0 {
		return nil, fmt.Errorf("empty bundle: %w", ErrInvalidParams)
	}
	if b.Chain != ChainEVM {
		return nil, fmt.Errorf("%s bundle on %s market: %w", b.Chain, ChainEVM, ErrWrongChain)
	}
	if !common.IsHexAddress(b.Sender) {
		return nil, fmt.Errorf("bundle sender %q: %w", b.Sender, ErrInvalidParams)
	}

	result := &evm.BuildResult{From: common.HexToAddress(b.Sender)}
	for _, tx := range b.Txs {
		if tx.EVM == nil {
			return nil, fmt.Errorf("%s has no EVM transaction: %w", tx.Label, ErrInvalidParams)
		}
		result.Transactions = append(result.Transactions, evm.LabeledTx{Label: tx.Label, Tx: tx.EVM})
	}

	receipts, err := m.client.Submit(ctx, result)
	out := &SubmitResult{Chain: ChainEVM, TxIDs: make([]string, 0, len(receipts))}
	for _, receipt := range receipts {
		out.TxIDs = append(out.TxIDs, receipt.TxHash.Hex())
	}
	if err != nil {
		return out, translateErr(err)
	}

	last := receipts[len(receipts)-1]
	contract := m.client.ContractAddress()
	if id, err := evm.OfferIDFromReceipt(last, contract); err == nil && b.Operation == "create_offer" {
		out.OfferID = id.Uint64()
	}
	if id, err := evm.OrderIDFromReceipt(last, contract); err == nil {
		out.OrderID = id.Uint64()
	}
	return out, nil
}

func (m *EVMMarket) sender(raw string) (common.Address, error) {
	if raw == "" {
		signer := m.client.Signer()
		if signer == (common.Address{}) {
			return common.Address{}, fmt.Errorf("sender is required without a signer: %w", ErrInvalidParams)
		}
		return signer, nil
	}
	return parseEVMAddress("sender", raw, false)
}

func (m *EVMMarket) bundle(ctx context.Context, operation string, result *evm.BuildResult) (*TxBundle, error) {
	out := &TxBundle{
		Chain:     ChainEVM,
		Operation: operation,
		Sender:    result.From.Hex(),
		Txs:       make([]Tx, 0, len(result.Transactions)),
		Deposit:   decimal.Zero,
	}
	for _, item := range result.Transactions {
		encoded, err := evm.EncodeUnsigned(item.Tx)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", item.Label, err)
		}
		out.Txs = append(out.Txs, Tx{Chain: ChainEVM, Label: item.Label, Encoded: encoded, EVM: item.Tx})
	}
	if result.Deposit != nil && result.Deposit.Sign() > 0 {
		decimals, err := m.client.Decimals(ctx, result.DepositToken)
		if err != nil {
			return nil, fmt.Errorf("resolve deposit token decimals: %w", err)
		}
		out.Deposit = units.FromRaw(result.Deposit, decimals)
		out.DepositToken = result.DepositToken.Hex()
	}
	return out, nil
}

func (m *EVMMarket) normalizeOffer(ctx context.Context, offer *evm.Offer) (*Offer, error) {
	decimals, err := m.client.Decimals(ctx, offer.ExToken)
	if err != nil {
		return nil, fmt.Errorf("resolve ex token decimals: %w", err)
	}
	out := &Offer{
		Chain:           ChainEVM,
		ID:              offer.ID.Uint64(),
		Type:            OfferTypeBuy,
		TokenID:         hexutil.Encode(offer.TokenID[:]),
		ExToken:         offer.ExToken.Hex(),
		ExTokenDecimals: decimals,
		Amount:          units.FromRaw(offer.Amount, units.AmountDecimals),
		Value:           units.FromRaw(offer.Value, decimals),
		Collateral:      units.FromRaw(offer.Collateral, decimals),
		FilledAmount:    units.FromRaw(offer.FilledAmount, units.AmountDecimals),
		Status:          evmOfferStatus(offer.Status),
		OfferedBy:       offer.OfferedBy.Hex(),
		FullMatch:       offer.FullMatch,
	}
	if offer.OfferType == evm.OfferTypeSell {
		out.Type = OfferTypeSell
	}
	return out, nil
}

func normalizeEVMOrder(order *evm.Order) *Order {
	return &Order{
		Chain:   ChainEVM,
		ID:      order.ID.Uint64(),
		OfferID: order.OfferID.Uint64(),
		Amount:  units.FromRaw(order.Amount, units.AmountDecimals),
		Seller:  order.Seller.Hex(),
		Buyer:   order.Buyer.Hex(),
		Status:  evmOrderStatus(order.Status),
	}
}

func parseEVMAddress(field, raw string, allowEmpty bool) (common.Address, error) {
	if raw == "" && allowEmpty {
		return evm.NativeToken, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address: %w", field, raw, ErrInvalidParams)
	}
	return common.HexToAddress(raw), nil
}

func evmOfferStatus(s evm.OfferStatus) OfferStatus {
	switch s {
	case evm.OfferStatusOpen:
		return OfferStatusOpen
	case evm.OfferStatusFilled:
		return OfferStatusFilled
	case evm.OfferStatusCancelled:
		return OfferStatusCancelled
	default:
		return OfferStatusUnknown
	}
}

func evmOrderStatus(s evm.OrderStatus) OrderStatus {
	switch s {
	case evm.OrderStatusOpen:
		return OrderStatusOpen
	case evm.OrderStatusSettleFilled:
		return OrderStatusSettleFilled
	case evm.OrderStatusSettleCancelled:
		return OrderStatusSettleCancelled
	case evm.OrderStatusCancelled:
		return OrderStatusCancelled
	default:
		return OrderStatusUnknown
	}
}

func evmTokenStatus(s evm.TokenStatus) TokenStatus {
	switch s {
	case evm.TokenStatusActive:
		return TokenStatusActive
	case evm.TokenStatusInactive:
		return TokenStatusInactive
	case evm.TokenStatusSettling:
		return TokenStatusSettling
	default:
		return TokenStatusUnknown
	}
}
