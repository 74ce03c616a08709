package sol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coldbell/premarket/pkg/tokencache"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

const ChainName = "solana"

// RPC is the subset of *rpc.Client used by Client.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockTime(ctx context.Context, block uint64) (*solana.UnixTimeSeconds, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Config struct {
	ProgramID                     solana.PublicKey
	Commitment                    rpc.CommitmentType
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	SkipPreflight                 bool
	MaxRetries                    *uint
	TxTimeout                     time.Duration
	ConfirmInterval               time.Duration
}

type Client struct {
	cfg       Config
	rpc       RPC
	configKey solana.PublicKey
	signer    *solana.PrivateKey
	decimals  tokencache.Cache
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Client)

func WithSigner(key solana.PrivateKey) Option {
	return func(c *Client) {
		c.signer = &key
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

func NewClient(rpcClient RPC, cfg Config, opts ...Option) (*Client, error) {
	if rpcClient == nil {
		return nil, errors.New("solana rpc client is nil")
	}
	if cfg.ProgramID.IsZero() {
		return nil, errors.New("pre-market program id is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 45 * time.Second
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 700 * time.Millisecond
	}

	configKey, _, err := DeriveConfigPDA(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive config PDA: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		rpc:       rpcClient,
		configKey: configKey,
		decimals:  tokencache.NewMemory(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ProgramID() solana.PublicKey {
	return c.cfg.ProgramID
}

func (c *Client) ConfigAddress() solana.PublicKey {
	return c.configKey
}

// Signer returns the configured signer's public key, or the zero key.
func (c *Client) Signer() solana.PublicKey {
	if c.signer == nil {
		return solana.PublicKey{}
	}
	return c.signer.PublicKey()
}

func (c *Client) Config(ctx context.Context) (*ConfigAccount, error) {
	data, err := c.accountData(ctx, c.configKey)
	if err != nil {
		return nil, fmt.Errorf("fetch config %s: %w", c.configKey, err)
	}
	return ParseConfigAccount(data)
}

func (c *Client) TokenConfig(ctx context.Context, tokenID uint64) (*TokenConfigAccount, error) {
	key, _, err := DeriveTokenConfigPDA(c.cfg.ProgramID, c.configKey, tokenID)
	if err != nil {
		return nil, fmt.Errorf("derive token config PDA: %w", err)
	}
	return c.TokenConfigAt(ctx, key)
}

func (c *Client) TokenConfigAt(ctx context.Context, key solana.PublicKey) (*TokenConfigAccount, error) {
	data, err := c.accountData(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch token config %s: %w", key, err)
	}
	return ParseTokenConfigAccount(data)
}

// TokenConfigsAt fetches token configs in one round trip. Missing accounts are nil.
func (c *Client) TokenConfigsAt(ctx context.Context, keys []solana.PublicKey) ([]*TokenConfigAccount, error) {
	datas, err := c.multipleAccountData(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch token configs: %w", err)
	}
	out := make([]*TokenConfigAccount, len(keys))
	for i, data := range datas {
		if data == nil {
			continue
		}
		if out[i], err = ParseTokenConfigAccount(data); err != nil {
			return nil, fmt.Errorf("token config %s: %w", keys[i], err)
		}
	}
	return out, nil
}

func (c *Client) ExToken(ctx context.Context, mint solana.PublicKey) (*ExTokenAccount, error) {
	key, _, err := DeriveExTokenPDA(c.cfg.ProgramID, c.configKey, mint)
	if err != nil {
		return nil, fmt.Errorf("derive ex token PDA: %w", err)
	}
	data, err := c.accountData(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch ex token %s: %w", key, err)
	}
	return ParseExTokenAccount(data)
}

func (c *Client) Offer(ctx context.Context, offerID uint64) (*OfferAccount, solana.PublicKey, error) {
	key, _, err := DeriveOfferPDA(c.cfg.ProgramID, c.configKey, offerID)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive offer PDA: %w", err)
	}
	data, err := c.accountData(ctx, key)
	if err != nil {
		return nil, key, fmt.Errorf("fetch offer %d (%s): %w", offerID, key, err)
	}
	offer, err := ParseOfferAccount(data)
	return offer, key, err
}

func (c *Client) OfferAt(ctx context.Context, key solana.PublicKey) (*OfferAccount, error) {
	data, err := c.accountData(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch offer %s: %w", key, err)
	}
	return ParseOfferAccount(data)
}

// Offers fetches offers by id in one round trip. Missing offers are nil.
func (c *Client) Offers(ctx context.Context, offerIDs []uint64) ([]*OfferAccount, error) {
	keys := make([]solana.PublicKey, len(offerIDs))
	for i, id := range offerIDs {
		key, _, err := DeriveOfferPDA(c.cfg.ProgramID, c.configKey, id)
		if err != nil {
			return nil, fmt.Errorf("derive offer PDA %d: %w", id, err)
		}
		keys[i] = key
	}
	return c.OffersAt(ctx, keys)
}

// OffersAt fetches offers by account address. Missing offers are nil.
func (c *Client) OffersAt(ctx context.Context, keys []solana.PublicKey) ([]*OfferAccount, error) {
	datas, err := c.multipleAccountData(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch offers: %w", err)
	}
	out := make([]*OfferAccount, len(keys))
	for i, data := range datas {
		if data == nil {
			continue
		}
		if out[i], err = ParseOfferAccount(data); err != nil {
			return nil, fmt.Errorf("offer %s: %w", keys[i], err)
		}
	}
	return out, nil
}

func (c *Client) Order(ctx context.Context, orderID uint64) (*OrderAccount, solana.PublicKey, error) {
	key, _, err := DeriveOrderPDA(c.cfg.ProgramID, c.configKey, orderID)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive order PDA: %w", err)
	}
	data, err := c.accountData(ctx, key)
	if err != nil {
		return nil, key, fmt.Errorf("fetch order %d (%s): %w", orderID, key, err)
	}
	order, err := ParseOrderAccount(data)
	return order, key, err
}

// Orders fetches orders by id in one round trip. Missing orders are nil.
func (c *Client) Orders(ctx context.Context, orderIDs []uint64) ([]*OrderAccount, error) {
	keys := make([]solana.PublicKey, len(orderIDs))
	for i, id := range orderIDs {
		key, _, err := DeriveOrderPDA(c.cfg.ProgramID, c.configKey, id)
		if err != nil {
			return nil, fmt.Errorf("derive order PDA %d: %w", id, err)
		}
		keys[i] = key
	}
	datas, err := c.multipleAccountData(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	out := make([]*OrderAccount, len(keys))
	for i, data := range datas {
		if data == nil {
			continue
		}
		if out[i], err = ParseOrderAccount(data); err != nil {
			return nil, fmt.Errorf("order %d: %w", orderIDs[i], err)
		}
	}
	return out, nil
}

type KeyedOffer struct {
	Address solana.PublicKey
	Offer   *OfferAccount
}

type KeyedOrder struct {
	Address solana.PublicKey
	Order   *OrderAccount
}

// AllOffers scans every offer account owned by the program.
func (c *Client) AllOffers(ctx context.Context) ([]KeyedOffer, error) {
	items, err := c.programAccounts(ctx, offerAccountDisc)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts offers: %w", err)
	}
	out := make([]KeyedOffer, 0, len(items))
	for _, item := range items {
		offer, err := ParseOfferAccount(item.Account.Data.GetBinary())
		if err != nil {
			c.logger.Warn("failed to parse offer account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		out = append(out, KeyedOffer{Address: item.Pubkey, Offer: offer})
	}
	return out, nil
}

// AllOrders scans every order account owned by the program.
func (c *Client) AllOrders(ctx context.Context) ([]KeyedOrder, error) {
	items, err := c.programAccounts(ctx, orderAccountDisc)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts orders: %w", err)
	}
	out := make([]KeyedOrder, 0, len(items))
	for _, item := range items {
		order, err := ParseOrderAccount(item.Account.Data.GetBinary())
		if err != nil {
			c.logger.Warn("failed to parse order account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		out = append(out, KeyedOrder{Address: item.Pubkey, Order: order})
	}
	return out, nil
}

func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if isWrappedSOL(mint) {
		return NativeSOLDecimals, nil
	}
	return tokencache.Resolve(ctx, c.decimals, ChainName, mint.String(), func(ctx context.Context) (uint8, error) {
		data, err := c.accountData(ctx, mint)
		if err != nil {
			return 0, fmt.Errorf("fetch mint %s: %w", mint, err)
		}
		var decoded token.Mint
		if err := bin.NewBinDecoder(data).Decode(&decoded); err != nil {
			return 0, fmt.Errorf("decode mint %s: %w", mint, err)
		}
		return decoded.Decimals, nil
	})
}

// ClusterTime returns the block time of the latest slot, falling back to the local clock.
func (c *Client) ClusterTime(ctx context.Context) int64 {
	slot, err := c.rpc.GetSlot(ctx, c.cfg.Commitment)
	if err != nil {
		c.logger.Warn("using local clock because getSlot failed", "err", err)
		return c.now().Unix()
	}

	blockTime, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil || blockTime == nil {
		c.logger.Warn("using local clock because getBlockTime unavailable", "slot", slot, "err", err)
		return c.now().Unix()
	}
	return int64(*blockTime)
}

func (c *Client) accountData(ctx context.Context, key solana.PublicKey) ([]byte, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if resp == nil || resp.Value == nil || resp.Value.Data == nil {
		return nil, ErrNotFound
	}
	return resp.Value.Data.GetBinary(), nil
}

func (c *Client) multipleAccountData(ctx context.Context, keys []solana.PublicKey) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	resp, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Value) != len(keys) {
		return nil, fmt.Errorf("expected %d accounts in response", len(keys))
	}
	for i, account := range resp.Value {
		if account == nil || account.Data == nil {
			continue
		}
		out[i] = account.Data.GetBinary()
	}
	return out, nil
}

func (c *Client) accountsExist(ctx context.Context, keys ...solana.PublicKey) ([]bool, error) {
	datas, err := c.multipleAccountData(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("check accounts exist: %w", err)
	}
	out := make([]bool, len(keys))
	for i, data := range datas {
		out[i] = data != nil
	}
	return out, nil
}

func (c *Client) programAccounts(ctx context.Context, disc [8]byte) (rpc.GetProgramAccountsResult, error) {
	items, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(disc[:])}},
		},
	})
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		if item == nil || item.Account == nil || item.Account.Data == nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
