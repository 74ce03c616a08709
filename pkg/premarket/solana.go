package premarket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coldbell/premarket/pkg/sol"
	"github.com/coldbell/premarket/pkg/units"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// SolanaClient is the subset of *sol.Client the Solana market uses.
type SolanaClient interface {
	ProgramID() solana.PublicKey
	ConfigAddress() solana.PublicKey
	Signer() solana.PublicKey
	Config(ctx context.Context) (*sol.ConfigAccount, error)
	TokenConfig(ctx context.Context, tokenID uint64) (*sol.TokenConfigAccount, error)
	TokenConfigsAt(ctx context.Context, keys []solana.PublicKey) ([]*sol.TokenConfigAccount, error)
	Offers(ctx context.Context, offerIDs []uint64) ([]*sol.OfferAccount, error)
	OffersAt(ctx context.Context, keys []solana.PublicKey) ([]*sol.OfferAccount, error)
	Orders(ctx context.Context, orderIDs []uint64) ([]*sol.OrderAccount, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)

	BuildCreateOffer(ctx context.Context, p sol.CreateOfferParams) (*sol.BuildResult, error)
	BuildFillOffer(ctx context.Context, p sol.FillOfferParams) (*sol.BuildResult, error)
	BuildCancelOffer(ctx context.Context, p sol.CancelOfferParams) (*sol.BuildResult, error)
	BuildMatchOffers(ctx context.Context, p sol.MatchOffersParams) (*sol.BuildResult, error)
	BuildSettleFilled(ctx context.Context, p sol.SettleParams) (*sol.BuildResult, error)
	BuildSettleCancelled(ctx context.Context, p sol.SettleParams) (*sol.BuildResult, error)

	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

type SolanaMarket struct {
	client SolanaClient
}

var _ Market = (*SolanaMarket)(nil)

func NewSolanaMarket(client SolanaClient) *SolanaMarket {
	return &SolanaMarket{client: client}
}

func (m *SolanaMarket) Chain() Chain {
	return ChainSolana
}

func (m *SolanaMarket) Signer() string {
	signer := m.client.Signer()
	if signer.IsZero() {
		return ""
	}
	return signer.String()
}

func (m *SolanaMarket) CreateOffer(ctx context.Context, p CreateOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	authority, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	tokenID, err := parseSolanaTokenID(p.TokenID)
	if err != nil {
		return nil, err
	}
	mint := sol.WrappedSOLMint
	if p.ExToken != "" {
		if mint, err = parsePublicKey("ex token", p.ExToken); err != nil {
			return nil, err
		}
	}
	exDecimals, err := m.client.MintDecimals(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("resolve ex token decimals: %w", translateErr(err))
	}
	amount, err := units.ToUint64(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	value, err := units.ToUint64(p.Value, exDecimals)
	if err != nil {
		return nil, fmt.Errorf("value: %w: %w", ErrInvalidParams, err)
	}
	offerType := sol.OfferTypeBuy
	if p.Type == OfferTypeSell {
		offerType = sol.OfferTypeSell
	}

	result, err := m.client.BuildCreateOffer(ctx, sol.CreateOfferParams{
		Authority:   authority,
		OfferType:   offerType,
		TokenID:     tokenID,
		ExTokenMint: mint,
		Amount:      amount,
		Value:       value,
		FullMatch:   p.FullMatch,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "create_offer", authority, result)
}

func (m *SolanaMarket) FillOffer(ctx context.Context, p FillOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	user, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	amount, err := units.ToUint64(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	result, err := m.client.BuildFillOffer(ctx, sol.FillOfferParams{User: user, OfferID: p.OfferID, Amount: amount})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "fill_offer", user, result)
}

func (m *SolanaMarket) CancelOffer(ctx context.Context, p CancelOfferParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	authority, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	result, err := m.client.BuildCancelOffer(ctx, sol.CancelOfferParams{Authority: authority, OfferID: p.OfferID})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "cancel_offer", authority, result)
}

func (m *SolanaMarket) MatchOffers(ctx context.Context, p MatchOffersParams) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	matcher, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	amount, err := units.ToUint64(p.Amount, units.AmountDecimals)
	if err != nil {
		return nil, fmt.Errorf("amount: %w: %w", ErrInvalidParams, err)
	}
	result, err := m.client.BuildMatchOffers(ctx, sol.MatchOffersParams{
		Matcher:     matcher,
		BuyOfferID:  p.BuyOfferID,
		SellOfferID: p.SellOfferID,
		Amount:      amount,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, "match_offers", matcher, result)
}

func (m *SolanaMarket) SettleFilled(ctx context.Context, p SettleParams) (*TxBundle, error) {
	return m.settle(ctx, "settle_filled", p, m.client.BuildSettleFilled)
}

func (m *SolanaMarket) SettleCancelled(ctx context.Context, p SettleParams) (*TxBundle, error) {
	return m.settle(ctx, "settle_cancelled", p, m.client.BuildSettleCancelled)
}

func (m *SolanaMarket) settle(
	ctx context.Context,
	operation string,
	p SettleParams,
	build func(context.Context, sol.SettleParams) (*sol.BuildResult, error),
) (*TxBundle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	signer, err := m.sender(p.Sender)
	if err != nil {
		return nil, err
	}
	result, err := build(ctx, sol.SettleParams{Signer: signer, OrderID: p.OrderID})
	if err != nil {
		return nil, translateErr(err)
	}
	return m.bundle(ctx, operation, signer, result)
}

func (m *SolanaMarket) GetOffer(ctx context.Context, id uint64) (*Offer, error) {
	offers, err := m.GetOffers(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("offer %d: %w", id, ErrNotFound)
	}
	return offers[0], nil
}

// GetOffers loads the offers, then their token configs in one batch so the
// token id can be reported.
func (m *SolanaMarket) GetOffers(ctx context.Context, ids []uint64) ([]*Offer, error) {
	accounts, err := m.client.Offers(ctx, ids)
	if err != nil {
		return nil, translateErr(err)
	}

	tokenKeys := make([]solana.PublicKey, 0, len(accounts))
	seen := make(map[solana.PublicKey]int)
	for _, account := range accounts {
		if account == nil {
			continue
		}
		if _, ok := seen[account.TokenConfig]; !ok {
			seen[account.TokenConfig] = len(tokenKeys)
			tokenKeys = append(tokenKeys, account.TokenConfig)
		}
	}
	tokenConfigs, err := m.client.TokenConfigsAt(ctx, tokenKeys)
	if err != nil {
		return nil, translateErr(err)
	}

	out := make([]*Offer, 0, len(accounts))
	for i, account := range accounts {
		if account == nil {
			continue
		}
		address, _, err := sol.DeriveOfferPDA(m.client.ProgramID(), m.client.ConfigAddress(), ids[i])
		if err != nil {
			return nil, fmt.Errorf("derive offer PDA %d: %w", ids[i], err)
		}
		offer, err := m.normalizeOffer(ctx, address, account, tokenConfigs[seen[account.TokenConfig]])
		if err != nil {
			return nil, err
		}
		out = append(out, offer)
	}
	return out, nil
}

func (m *SolanaMarket) GetOrder(ctx context.Context, id uint64) (*Order, error) {
	orders, err := m.GetOrders(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return orders[0], nil
}

// GetOrders resolves each order's offer account to report the numeric offer id.
func (m *SolanaMarket) GetOrders(ctx context.Context, ids []uint64) ([]*Order, error) {
	accounts, err := m.client.Orders(ctx, ids)
	if err != nil {
		return nil, translateErr(err)
	}

	offerKeys := make([]solana.PublicKey, 0, len(accounts))
	for _, account := range accounts {
		if account != nil {
			offerKeys = append(offerKeys, account.Offer)
		}
	}
	offers, err := m.client.OffersAt(ctx, offerKeys)
	if err != nil {
		return nil, translateErr(err)
	}

	out := make([]*Order, 0, len(accounts))
	next := 0
	for i, account := range accounts {
		if account == nil {
			continue
		}
		offer := offers[next]
		next++

		address, _, err := sol.DeriveOrderPDA(m.client.ProgramID(), m.client.ConfigAddress(), ids[i])
		if err != nil {
			return nil, fmt.Errorf("derive order PDA %d: %w", ids[i], err)
		}
		order := &Order{
			Chain:   ChainSolana,
			ID:      account.ID,
			Address: address.String(),
			Amount:  units.FromUint64(account.Amount, units.AmountDecimals),
			Seller:  account.Seller.String(),
			Buyer:   account.Buyer.String(),
			Status:  solanaOrderStatus(account.Status),
		}
		if offer != nil {
			order.OfferID = offer.ID
		}
		out = append(out, order)
	}
	return out, nil
}

func (m *SolanaMarket) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	id, err := parseSolanaTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	account, err := m.client.TokenConfig(ctx, id)
	if err != nil {
		return nil, translateErr(err)
	}
	address, _, err := sol.DeriveTokenConfigPDA(m.client.ProgramID(), m.client.ConfigAddress(), id)
	if err != nil {
		return nil, fmt.Errorf("derive token config PDA: %w", err)
	}
	return &Token{
		Chain:          ChainSolana,
		ID:             strconv.FormatUint(account.ID, 10),
		Address:        address.String(),
		Token:          account.Token.String(),
		SettleTime:     unixTime(account.SettleTime),
		SettleDuration: time.Duration(account.SettleDuration) * time.Second,
		SettleRate:     decimal.NewFromUint64(account.SettleRate).Div(decimal.NewFromInt(units.RateScale)),
		Status:         solanaTokenStatus(account.Status),
	}, nil
}

func (m *SolanaMarket) GetConfig(ctx context.Context) (*MarketConfig, error) {
	cfg, err := m.client.Config(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return &MarketConfig{
		Chain:       ChainSolana,
		PledgeRate:  decimal.NewFromUint64(cfg.PledgeRate).Div(decimal.NewFromInt(units.RateScale)),
		FeeRefund:   decimal.NewFromUint64(cfg.FeeRefund).Div(decimal.NewFromInt(units.FeeScale)),
		FeeSettle:   decimal.NewFromUint64(cfg.FeeSettle).Div(decimal.NewFromInt(units.FeeScale)),
		FeeWallet:   cfg.FeeWallet.String(),
		LastOfferID: cfg.LastOfferID,
		LastOrderID: cfg.LastOrderID,
	}, nil
}

func (m *SolanaMarket) Submit(ctx context.Context, b *TxBundle) (*SubmitResult, error) {
	if b == nil || len(b.Txs) == 0 {
		return nil, fmt.Errorf("empty bundle: %w", ErrInvalidParams)
	}
	if b.Chain != ChainSolana {
		return nil, fmt.Errorf("%s bundle on %s market: %w", b.Chain, ChainSolana, ErrWrongChain)
	}

	out := &SubmitResult{Chain: ChainSolana, OfferID: b.OfferID, OrderID: b.OrderID}
	for _, tx := range b.Txs {
		if tx.Solana == nil {
			return out, fmt.Errorf("%s has no Solana transaction: %w", tx.Label, ErrInvalidParams)
		}
		sig, err := m.client.Submit(ctx, tx.Solana)
		if !sig.IsZero() {
			out.TxIDs = append(out.TxIDs, sig.String())
		}
		if err != nil {
			return out, fmt.Errorf("submit %s: %w", tx.Label, translateErr(err))
		}
	}
	return out, nil
}

func (m *SolanaMarket) sender(raw string) (solana.PublicKey, error) {
	if raw == "" {
		signer := m.client.Signer()
		if signer.IsZero() {
			return solana.PublicKey{}, fmt.Errorf("sender is required without a signer: %w", ErrInvalidParams)
		}
		return signer, nil
	}
	return parsePublicKey("sender", raw)
}

func (m *SolanaMarket) bundle(ctx context.Context, operation string, sender solana.PublicKey, result *sol.BuildResult) (*TxBundle, error) {
	encoded, err := sol.EncodeUnsigned(result.Transaction)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", operation, err)
	}
	out := &TxBundle{
		Chain:     ChainSolana,
		Operation: operation,
		Sender:    sender.String(),
		Txs:       []Tx{{Chain: ChainSolana, Label: operation, Encoded: encoded, Solana: result.Transaction}},
		Deposit:   decimal.Zero,
		OfferID:   result.OfferID,
		OrderID:   result.OrderID,
	}
	if !result.OfferAddress.IsZero() {
		out.OfferAddress = result.OfferAddress.String()
	}
	if !result.OrderAddress.IsZero() {
		out.OrderAddress = result.OrderAddress.String()
	}
	if result.Deposit > 0 {
		decimals, err := m.client.MintDecimals(ctx, result.DepositMint)
		if err != nil {
			return nil, fmt.Errorf("resolve deposit mint decimals: %w", err)
		}
		out.Deposit = units.FromUint64(result.Deposit, decimals)
		out.DepositToken = result.DepositMint.String()
	}
	return out, nil
}

func (m *SolanaMarket) normalizeOffer(ctx context.Context, address solana.PublicKey, account *sol.OfferAccount, tokenConfig *sol.TokenConfigAccount) (*Offer, error) {
	decimals, err := m.client.MintDecimals(ctx, account.ExToken)
	if err != nil {
		return nil, fmt.Errorf("resolve ex token decimals: %w", err)
	}
	out := &Offer{
		Chain:           ChainSolana,
		ID:              account.ID,
		Address:         address.String(),
		Type:            OfferTypeBuy,
		ExToken:         account.ExToken.String(),
		ExTokenDecimals: decimals,
		Amount:          units.FromUint64(account.Amount, units.AmountDecimals),
		Value:           units.FromUint64(account.Value, decimals),
		Collateral:      units.FromUint64(account.Collateral, decimals),
		FilledAmount:    units.FromUint64(account.FilledAmount, units.AmountDecimals),
		Status:          solanaOfferStatus(account.Status),
		OfferedBy:       account.Authority.String(),
		FullMatch:       account.IsFullMatch,
	}
	if account.OfferType == sol.OfferTypeSell {
		out.Type = OfferTypeSell
	}
	if tokenConfig != nil {
		out.TokenID = strconv.FormatUint(tokenConfig.ID, 10)
	}
	return out, nil
}

func parseSolanaTokenID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token id %q: %w", raw, ErrInvalidParams)
	}
	return id, nil
}

func parsePublicKey(field, raw string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s %q: %w: %w", field, raw, ErrInvalidParams, err)
	}
	return key, nil
}

func solanaOfferStatus(s sol.OfferStatus) OfferStatus {
	switch s {
	case sol.OfferStatusOpen:
		return OfferStatusOpen
	case sol.OfferStatusFilled:
		return OfferStatusFilled
	case sol.OfferStatusCancelled:
		return OfferStatusCancelled
	default:
		return OfferStatusUnknown
	}
}

func solanaOrderStatus(s sol.OrderStatus) OrderStatus {
	switch s {
	case sol.OrderStatusOpen:
		return OrderStatusOpen
	case sol.OrderStatusSettleFilled:
		return OrderStatusSettleFilled
	case sol.OrderStatusSettleCancelled:
		return OrderStatusSettleCancelled
	case sol.OrderStatusCancelled:
		return OrderStatusCancelled
	default:
		return OrderStatusUnknown
	}
}

func solanaTokenStatus(s sol.TokenStatus) TokenStatus {
	switch s {
	case sol.TokenStatusActive:
		return TokenStatusActive
	case sol.TokenStatusInactive:
		return TokenStatusInactive
	case sol.TokenStatusSettling:
		return TokenStatusSettling
	default:
		return TokenStatusUnknown
	}
}
