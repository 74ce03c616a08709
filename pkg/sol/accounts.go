package sol

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type OfferType uint8

const (
	OfferTypeBuy OfferType = iota
	OfferTypeSell
)

func (t OfferType) String() string {
	switch t {
	case OfferTypeBuy:
		return "buy"
	case OfferTypeSell:
		return "sell"
	default:
		return fmt.Sprintf("offer_type(%d)", uint8(t))
	}
}

type OfferStatus uint8

const (
	OfferStatusOpen OfferStatus = iota
	OfferStatusFilled
	OfferStatusCancelled
)

type OrderStatus uint8

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusSettleFilled
	OrderStatusSettleCancelled
	OrderStatusCancelled
)

type TokenStatus uint8

const (
	TokenStatusActive TokenStatus = iota
	TokenStatusInactive
	TokenStatusSettling
)

type ConfigAccount struct {
	Authority   solana.PublicKey
	FeeWallet   solana.PublicKey
	FeeRefund   uint64
	FeeSettle   uint64
	PledgeRate  uint64
	LastOfferID uint64
	LastOrderID uint64
	Bump        uint8
}

type TokenConfigAccount struct {
	ID             uint64
	Token          solana.PublicKey
	SettleTime     int64
	SettleDuration int64
	SettleRate     uint64
	Status         TokenStatus
	Config         solana.PublicKey
	Bump           uint8
}

// SettleDeadline is the unix time after which a filled order can only be settled as cancelled.
func (t *TokenConfigAccount) SettleDeadline() int64 {
	return t.SettleTime + t.SettleDuration
}

type ExTokenAccount struct {
	Token      solana.PublicKey
	IsAccepted bool
	Config     solana.PublicKey
	Bump       uint8
}

type OfferAccount struct {
	ID           uint64
	OfferType    OfferType
	TokenConfig  solana.PublicKey
	ExToken      solana.PublicKey
	Amount       uint64
	Value        uint64
	Collateral   uint64
	FilledAmount uint64
	Status       OfferStatus
	Authority    solana.PublicKey
	IsFullMatch  bool
	Config       solana.PublicKey
	Bump         uint8
}

func (o *OfferAccount) Remaining() uint64 {
	if o.FilledAmount >= o.Amount {
		return 0
	}
	return o.Amount - o.FilledAmount
}

type OrderAccount struct {
	ID     uint64
	Offer  solana.PublicKey
	Amount uint64
	Seller solana.PublicKey
	Buyer  solana.PublicKey
	Status OrderStatus
	Config solana.PublicKey
	Bump   uint8
}

func ParseConfigAccount(data []byte) (*ConfigAccount, error) {
	out := new(ConfigAccount)
	if err := decodeAccount(data, configAccountDisc, out); err != nil {
		return nil, fmt.Errorf("decode config account: %w", err)
	}
	return out, nil
}

func ParseTokenConfigAccount(data []byte) (*TokenConfigAccount, error) {
	out := new(TokenConfigAccount)
	if err := decodeAccount(data, tokenConfigAccountDisc, out); err != nil {
		return nil, fmt.Errorf("decode token config account: %w", err)
	}
	return out, nil
}

func ParseExTokenAccount(data []byte) (*ExTokenAccount, error) {
	out := new(ExTokenAccount)
	if err := decodeAccount(data, exTokenAccountDisc, out); err != nil {
		return nil, fmt.Errorf("decode ex token account: %w", err)
	}
	return out, nil
}

func ParseOfferAccount(data []byte) (*OfferAccount, error) {
	out := new(OfferAccount)
	if err := decodeAccount(data, offerAccountDisc, out); err != nil {
		return nil, fmt.Errorf("decode offer account: %w", err)
	}
	return out, nil
}

func ParseOrderAccount(data []byte) (*OrderAccount, error) {
	out := new(OrderAccount)
	if err := decodeAccount(data, orderAccountDisc, out); err != nil {
		return nil, fmt.Errorf("decode order account: %w", err)
	}
	return out, nil
}

func decodeAccount(data []byte, disc [8]byte, out any) error {
	if len(data) < len(disc) {
		return fmt.Errorf("account data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], disc[:]) {
		return ErrDiscriminator
	}
	return bin.NewBorshDecoder(data[8:]).Decode(out)
}

// EncodeAccount serializes an account the way the program stores it. Used by
// fixtures and local validators seeded from snapshots.
func EncodeAccount(v any) ([]byte, error) {
	var disc [8]byte
	switch v.(type) {
	case *ConfigAccount, ConfigAccount:
		disc = configAccountDisc
	case *TokenConfigAccount, TokenConfigAccount:
		disc = tokenConfigAccountDisc
	case *ExTokenAccount, ExTokenAccount:
		disc = exTokenAccountDisc
	case *OfferAccount, OfferAccount:
		disc = offerAccountDisc
	case *OrderAccount, OrderAccount:
		disc = orderAccountDisc
	default:
		return nil, fmt.Errorf("unsupported account type %T", v)
	}

	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}
