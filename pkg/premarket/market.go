// Package premarket exposes one Market interface over the EVM pre-market
// contract and the Solana pre-market program.
package premarket

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/premarket/pkg/evm"
	"github.com/coldbell/premarket/pkg/sol"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidParams      = errors.New("invalid params")
	ErrWrongChain         = errors.New("bundle belongs to another chain")
	ErrTokenNotActive     = errors.New("token is not active")
	ErrTokenNotSettling   = errors.New("token is not in settlement")
	ErrExTokenNotAccepted = errors.New("exchange token is not accepted")
	ErrOfferNotOpen       = errors.New("offer is not open")
	ErrOrderNotOpen       = errors.New("order is not open")
	ErrNotOfferOwner      = errors.New("sender does not own the offer")
	ErrNotOrderParty      = errors.New("sender is not the expected order party")
	ErrSettleWindowClosed = errors.New("settlement window has closed")
	ErrSettleWindowOpen   = errors.New("settlement window is still open")
	ErrFullMatchRequired  = errors.New("offer requires a full match")
	ErrIncompatibleOffers = errors.New("offers cannot be matched")
	ErrMissingSigner      = errors.New("no signer configured")
	ErrSignerMismatch     = errors.New("signer does not match bundle sender")
	ErrTxFailed           = errors.New("transaction failed")
)

// Market builds, submits and reads pre-market state on one chain.
type Market interface {
	Chain() Chain
	// Signer is the configured signing address, or "" for a read/build-only market.
	Signer() string

	CreateOffer(ctx context.Context, p CreateOfferParams) (*TxBundle, error)
	FillOffer(ctx context.Context, p FillOfferParams) (*TxBundle, error)
	CancelOffer(ctx context.Context, p CancelOfferParams) (*TxBundle, error)
	MatchOffers(ctx context.Context, p MatchOffersParams) (*TxBundle, error)
	SettleFilled(ctx context.Context, p SettleParams) (*TxBundle, error)
	SettleCancelled(ctx context.Context, p SettleParams) (*TxBundle, error)

	GetOffer(ctx context.Context, id uint64) (*Offer, error)
	// GetOffers returns the offers that exist, in id order; missing ids are skipped.
	GetOffers(ctx context.Context, ids []uint64) ([]*Offer, error)
	GetOrder(ctx context.Context, id uint64) (*Order, error)
	GetOrders(ctx context.Context, ids []uint64) ([]*Order, error)
	GetToken(ctx context.Context, tokenID string) (*Token, error)
	GetConfig(ctx context.Context) (*MarketConfig, error)

	// Submit signs and sends every transaction of b in order.
	Submit(ctx context.Context, b *TxBundle) (*SubmitResult, error)
}

// CreateOfferParams are in human units. An empty ExToken selects the chain's
// native asset (ETH, or wrapped SOL). An empty Sender uses the market signer.
type CreateOfferParams struct {
	Sender    string
	Type      OfferType
	TokenID   string
	ExToken   string
	Amount    decimal.Decimal
	Value     decimal.Decimal
	FullMatch bool
}

func (p CreateOfferParams) Validate() error {
	if p.Type != OfferTypeBuy && p.Type != OfferTypeSell {
		return fmt.Errorf("offer type %q: %w", p.Type, ErrInvalidParams)
	}
	if p.TokenID == "" {
		return fmt.Errorf("token id is required: %w", ErrInvalidParams)
	}
	if err := positive("amount", p.Amount); err != nil {
		return err
	}
	return positive("value", p.Value)
}

type FillOfferParams struct {
	Sender  string
	OfferID uint64
	Amount  decimal.Decimal
}

func (p FillOfferParams) Validate() error {
	if p.OfferID == 0 {
		return fmt.Errorf("offer id is required: %w", ErrInvalidParams)
	}
	return positive("amount", p.Amount)
}

type CancelOfferParams struct {
	Sender  string
	OfferID uint64
}

func (p CancelOfferParams) Validate() error {
	if p.OfferID == 0 {
		return fmt.Errorf("offer id is required: %w", ErrInvalidParams)
	}
	return nil
}

type MatchOffersParams struct {
	Sender      string
	BuyOfferID  uint64
	SellOfferID uint64
	Amount      decimal.Decimal
}

func (p MatchOffersParams) Validate() error {
	if p.BuyOfferID == 0 || p.SellOfferID == 0 {
		return fmt.Errorf("buy and sell offer ids are required: %w", ErrInvalidParams)
	}
	if p.BuyOfferID == p.SellOfferID {
		return fmt.Errorf("offer %d matched with itself: %w", p.BuyOfferID, ErrInvalidParams)
	}
	return positive("amount", p.Amount)
}

type SettleParams struct {
	Sender  string
	OrderID uint64
}

func (p SettleParams) Validate() error {
	if p.OrderID == 0 {
		return fmt.Errorf("order id is required: %w", ErrInvalidParams)
	}
	return nil
}

func positive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%s must be positive, got %s: %w", field, d, ErrInvalidParams)
	}
	return nil
}

// chainError keeps the chain package error in the chain while also matching
// the shared sentinel.
type chainError struct {
	kind error
	err  error
}

func (e *chainError) Error() string   { return e.err.Error() }
func (e *chainError) Unwrap() []error { return []error{e.kind, e.err} }

var errorKinds = []struct {
	kind  error
	chain []error
}{
	{ErrNotFound, []error{evm.ErrNotFound, sol.ErrNotFound}},
	{ErrInvalidParams, []error{evm.ErrInvalidAmount, sol.ErrInvalidAmount}},
	{ErrTokenNotActive, []error{evm.ErrTokenNotActive, sol.ErrTokenNotActive}},
	{ErrTokenNotSettling, []error{evm.ErrTokenNotSettling, sol.ErrTokenNotSettling}},
	{ErrExTokenNotAccepted, []error{evm.ErrExTokenNotAccepted, sol.ErrExTokenNotAccepted}},
	{ErrOfferNotOpen, []error{evm.ErrOfferNotOpen, sol.ErrOfferNotOpen}},
	{ErrOrderNotOpen, []error{evm.ErrOrderNotOpen, sol.ErrOrderNotOpen}},
	{ErrNotOfferOwner, []error{evm.ErrNotOfferOwner, sol.ErrNotOfferOwner}},
	{ErrNotOrderParty, []error{evm.ErrNotOrderParty, sol.ErrNotOrderParty}},
	{ErrSettleWindowClosed, []error{evm.ErrSettleWindowClosed, sol.ErrSettleWindowClosed}},
	{ErrSettleWindowOpen, []error{evm.ErrSettleWindowOpen, sol.ErrSettleWindowOpen}},
	{ErrFullMatchRequired, []error{evm.ErrFullMatchRequired, sol.ErrFullMatchRequired}},
	{ErrIncompatibleOffers, []error{evm.ErrIncompatibleOffers, sol.ErrIncompatibleOffers}},
	{ErrMissingSigner, []error{evm.ErrMissingSigner, sol.ErrMissingSigner}},
	{ErrSignerMismatch, []error{evm.ErrSignerMismatch, sol.ErrSignerPayerMismatch}},
	{ErrTxFailed, []error{evm.ErrReverted, sol.ErrTransactionFailed}},
}

// translateErr tags chain package errors with the matching shared sentinel.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			return err
		}
		for _, target := range k.chain {
			if errors.Is(err, target) {
				return &chainError{kind: k.kind, err: err}
			}
		}
	}
	return err
}
