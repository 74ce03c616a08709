package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTokenNotActive     = errors.New("token is not active")
	ErrTokenNotSettling   = errors.New("token is not in settlement")
	ErrExTokenNotAccepted = errors.New("exchange token is not accepted")
	ErrOfferNotOpen       = errors.New("offer is not open")
	ErrOrderNotOpen       = errors.New("order is not open")
	ErrNotOfferOwner      = errors.New("sender does not own the offer")
	ErrNotOrderParty      = errors.New("sender is not the expected order party")
	ErrSettleWindowClosed = errors.New("settlement window has closed")
	ErrSettleWindowOpen   = errors.New("settlement window is still open")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrFullMatchRequired  = errors.New("offer requires a full match")
	ErrIncompatibleOffers = errors.New("offers cannot be matched")
	ErrMissingSigner      = errors.New("no signer configured")
	ErrSignerMismatch     = errors.New("signer does not match transaction sender")
	ErrReverted           = errors.New("transaction reverted")
)

// NativeToken is the exchange-token address used for ETH deposits.
var NativeToken = common.Address{}

const NativeDecimals uint8 = 18

type OfferType uint8

const (
	OfferTypeBuy  OfferType = 1
	OfferTypeSell OfferType = 2
)

type OfferStatus uint8

const (
	OfferStatusOpen      OfferStatus = 1
	OfferStatusFilled    OfferStatus = 2
	OfferStatusCancelled OfferStatus = 3
)

type OrderStatus uint8

const (
	OrderStatusOpen            OrderStatus = 1
	OrderStatusSettleFilled    OrderStatus = 2
	OrderStatusSettleCancelled OrderStatus = 3
	OrderStatusCancelled       OrderStatus = 4
)

type TokenStatus uint8

const (
	TokenStatusActive   TokenStatus = 1
	TokenStatusInactive TokenStatus = 2
	TokenStatusSettling TokenStatus = 3
)

type Offer struct {
	ID           *big.Int
	OfferType    OfferType
	TokenID      [32]byte
	ExToken      common.Address
	Amount       *big.Int
	Value        *big.Int
	Collateral   *big.Int
	FilledAmount *big.Int
	Status       OfferStatus
	OfferedBy    common.Address
	FullMatch    bool
}

func (o *Offer) Remaining() *big.Int {
	out := new(big.Int).Sub(o.Amount, o.FilledAmount)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

type Order struct {
	ID      *big.Int
	OfferID *big.Int
	Amount  *big.Int
	Seller  common.Address
	Buyer   common.Address
	Status  OrderStatus
}

type Token struct {
	ID             [32]byte
	Token          common.Address
	SettleTime     *big.Int
	SettleDuration *big.Int
	SettleRate     *big.Int
	Status         TokenStatus
}

func (t *Token) SettleDeadline() *big.Int {
	return new(big.Int).Add(t.SettleTime, t.SettleDuration)
}

type MarketConfig struct {
	PledgeRate *big.Int
	FeeRefund  *big.Int
	FeeSettle  *big.Int
	FeeWallet  common.Address
}

// ParseTokenID accepts a 0x-prefixed 32-byte hex id.
func ParseTokenID(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return out, fmt.Errorf("token id %q: %w", raw, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("token id %q: expected 32 bytes, got %d", raw, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
