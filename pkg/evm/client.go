// Package evm builds and reads transactions for the EVM pre-market contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/coldbell/premarket/pkg/tokencache"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const ChainName = "evm"

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ContractAddress  common.Address
	ChainID          *big.Int
	GasMarginPercent uint64
	// FallbackGasLimit is used for a transaction that depends on an earlier
	// approval in the same bundle, where estimation would revert.
	FallbackGasLimit uint64
	ReceiptTimeout   time.Duration
	ReceiptInterval  time.Duration
}

type Client struct {
	cfg      Config
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	decimals tokencache.Cache
	logger   *slog.Logger
}

type Option func(*Client)

func WithPrivateKey(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDecimalsCache(cache tokencache.Cache) Option {
	return func(c *Client) {
		c.decimals = cache
	}
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func NewClient(backend Backend, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("evm backend is nil")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, errors.New("pre-market contract address is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.GasMarginPercent == 0 {
		cfg.GasMarginPercent = 20
	}
	if cfg.FallbackGasLimit == 0 {
		cfg.FallbackGasLimit = 500_000
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = 2 * time.Second
	}

	c := &Client{
		cfg:      cfg,
		backend:  backend,
		decimals: tokencache.NewMemory(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ContractAddress() common.Address {
	return c.cfg.ContractAddress
}

// Signer returns the configured signer's address, or the zero address.
func (c *Client) Signer() common.Address {
	return c.from
}

func (c *Client) Offer(ctx context.Context, offerID *big.Int) (*Offer, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, "offers", offerID)
	if err != nil {
		return nil, err
	}
	offer := &Offer{
		ID:           new(big.Int).Set(offerID),
		OfferType:    OfferType(*abi.ConvertType(out[0], new(uint8)).(*uint8)),
		TokenID:      *abi.ConvertType(out[1], new([32]byte)).(*[32]byte),
		ExToken:      *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Amount:       *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Value:        *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
		Collateral:   *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		FilledAmount: *abi.ConvertType(out[6], new(*big.Int)).(**big.Int),
		Status:       OfferStatus(*abi.ConvertType(out[7], new(uint8)).(*uint8)),
		OfferedBy:    *abi.ConvertType(out[8], new(common.Address)).(*common.Address),
		FullMatch:    *abi.ConvertType(out[9], new(bool)).(*bool),
	}
	if offer.OfferType == 0 {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	return offer, nil
}

func (c *Client) Order(ctx context.Context, orderID *big.Int) (*Order, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, "orders", orderID)
	if err != nil {
		return nil, err
	}
	order := &Order{
		ID:      new(big.Int).Set(orderID),
		OfferID: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		Amount:  *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Seller:  *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Buyer:   *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
		Status:  OrderStatus(*abi.ConvertType(out[4], new(uint8)).(*uint8)),
	}
	if order.Status == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return order, nil
}

func (c *Client) Token(ctx context.Context, tokenID [32]byte) (*Token, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, "tokens", tokenID)
	if err != nil {
		return nil, err
	}
	token := &Token{
		ID:             tokenID,
		Token:          *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		SettleTime:     *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		SettleDuration: *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		SettleRate:     *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Status:         TokenStatus(*abi.ConvertType(out[4], new(uint8)).(*uint8)),
	}
	if token.Status == 0 {
		return nil, fmt.Errorf("token %x: %w", tokenID, ErrNotFound)
	}
	return token, nil
}

func (c *Client) MarketConfig(ctx context.Context) (*MarketConfig, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, "config")
	if err != nil {
		return nil, err
	}
	return &MarketConfig{
		PledgeRate: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		FeeRefund:  *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		FeeSettle:  *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		FeeWallet:  *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
	}, nil
}

func (c *Client) LastOfferID(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "lastOfferId")
}

func (c *Client) LastOrderID(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "lastOrderId")
}

func (c *Client) IsAcceptedToken(ctx context.Context, token common.Address) (bool, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, "isAcceptedToken", token)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if token == NativeToken {
		return NativeDecimals, nil
	}
	return tokencache.Resolve(ctx, c.decimals, ChainName, token.Hex(), func(ctx context.Context) (uint8, error) {
		out, err := c.call(ctx, erc20ABI, token, "decimals")
		if err != nil {
			return 0, err
		}
		return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
	})
}

func (c *Client) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, erc20ABI, token, "allowance", owner, c.cfg.ContractAddress)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ChainTime returns the latest block timestamp.
func (c *Client) ChainTime(ctx context.Context) (int64, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("get latest header: %w", err)
	}
	return int64(header.Time), nil
}

func (c *Client) callUint(ctx context.Context, method string) (*big.Int, error) {
	out, err := c.call(ctx, preMarketABI, c.cfg.ContractAddress, method)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}
