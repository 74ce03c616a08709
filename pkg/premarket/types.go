package premarket

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

func (c Chain) Valid() bool {
	return c == ChainEVM || c == ChainSolana
}

type OfferType string

const (
	OfferTypeBuy  OfferType = "buy"
	OfferTypeSell OfferType = "sell"
)

type OfferStatus string

const (
	OfferStatusOpen      OfferStatus = "open"
	OfferStatusFilled    OfferStatus = "filled"
	OfferStatusCancelled OfferStatus = "cancelled"
	OfferStatusUnknown   OfferStatus = "unknown"
)

type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusSettleFilled    OrderStatus = "settle_filled"
	OrderStatusSettleCancelled OrderStatus = "settle_cancelled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusUnknown         OrderStatus = "unknown"
)

type TokenStatus string

const (
	TokenStatusActive   TokenStatus = "active"
	TokenStatusInactive TokenStatus = "inactive"
	TokenStatusSettling TokenStatus = "settling"
	TokenStatusUnknown  TokenStatus = "unknown"
)

// Offer is a chain-independent view of an on-chain offer. Amount and
// FilledAmount are points; Value and Collateral are in ExToken units.
type Offer struct {
	Chain           Chain           `json:"chain"`
	ID              uint64          `json:"id"`
	Address         string          `json:"address,omitempty"`
	Type            OfferType       `json:"type"`
	TokenID         string          `json:"token_id"`
	ExToken         string          `json:"ex_token"`
	ExTokenDecimals uint8           `json:"ex_token_decimals"`
	Amount          decimal.Decimal `json:"amount"`
	Value           decimal.Decimal `json:"value"`
	Collateral      decimal.Decimal `json:"collateral"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	Status          OfferStatus     `json:"status"`
	OfferedBy       string          `json:"offered_by"`
	FullMatch       bool            `json:"full_match"`
}

func (o *Offer) Remaining() decimal.Decimal {
	out := o.Amount.Sub(o.FilledAmount)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Price is the ex-token value of one point.
func (o *Offer) Price() decimal.Decimal {
	if o.Amount.IsZero() {
		return decimal.Zero
	}
	return o.Value.DivRound(o.Amount, 18)
}

type Order struct {
	Chain   Chain           `json:"chain"`
	ID      uint64          `json:"id"`
	Address string          `json:"address,omitempty"`
	OfferID uint64          `json:"offer_id"`
	Amount  decimal.Decimal `json:"amount"`
	Seller  string          `json:"seller"`
	Buyer   string          `json:"buyer"`
	Status  OrderStatus     `json:"status"`
}

// Token is the settlement configuration of a pre-market token. SettleRate is
// raw settlement-token units per raw point, as a fraction of 1e6. SettleTime
// is zero until settlement has been scheduled.
type Token struct {
	Chain          Chain           `json:"chain"`
	ID             string          `json:"id"`
	Address        string          `json:"address,omitempty"`
	Token          string          `json:"token"`
	SettleTime     time.Time       `json:"settle_time"`
	SettleDuration time.Duration   `json:"settle_duration"`
	SettleRate     decimal.Decimal `json:"settle_rate"`
	Status         TokenStatus     `json:"status"`
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (t *Token) SettleDeadline() time.Time {
	return t.SettleTime.Add(t.SettleDuration)
}

// MarketConfig holds protocol parameters. PledgeRate and the fees are fractions.
type MarketConfig struct {
	Chain       Chain           `json:"chain"`
	PledgeRate  decimal.Decimal `json:"pledge_rate"`
	FeeRefund   decimal.Decimal `json:"fee_refund"`
	FeeSettle   decimal.Decimal `json:"fee_settle"`
	FeeWallet   string          `json:"fee_wallet"`
	LastOfferID uint64          `json:"last_offer_id"`
	LastOrderID uint64          `json:"last_order_id"`
}

// Tx is one unsigned transaction. Exactly one of EVM and Solana is set,
// matching Chain. Encoded is hex typed-tx bytes on EVM and base64 wire bytes
// on Solana.
type Tx struct {
	Chain   Chain               `json:"chain"`
	Label   string              `json:"label"`
	Encoded string              `json:"encoded"`
	EVM     *types.Transaction  `json:"-"`
	Solana  *solana.Transaction `json:"-"`
}

// TxBundle is the ordered set of transactions one operation needs. Deposit is
// what Sender transfers in, in DepositToken units.
type TxBundle struct {
	Chain        Chain           `json:"chain"`
	Operation    string          `json:"operation"`
	Sender       string          `json:"sender"`
	Txs          []Tx            `json:"txs"`
	Deposit      decimal.Decimal `json:"deposit"`
	DepositToken string          `json:"deposit_token,omitempty"`
	OfferID      uint64          `json:"offer_id,omitempty"`
	OfferAddress string          `json:"offer_address,omitempty"`
	OrderID      uint64          `json:"order_id,omitempty"`
	OrderAddress string          `json:"order_address,omitempty"`
}

type SubmitResult struct {
	Chain   Chain    `json:"chain"`
	TxIDs   []string `json:"tx_ids"`
	OfferID uint64   `json:"offer_id,omitempty"`
	OrderID uint64   `json:"order_id,omitempty"`
}
