package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coldbell/premarket/internal/config"
	"github.com/coldbell/premarket/pkg/premarket"
	"github.com/coldbell/premarket/pkg/tokencache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarket struct {
	premarket.Market

	chain       premarket.Chain
	config      *premarket.MarketConfig
	offers      map[uint64]*premarket.Offer
	orders      map[uint64]*premarket.Order
	tokens      map[string]*premarket.Token
	offerBatch  [][]uint64
	orderBatch  [][]uint64
	tokenCalls  []string
	configFails int
}

func (f *fakeMarket) Chain() premarket.Chain { return f.chain }

func (f *fakeMarket) GetConfig(context.Context) (*premarket.MarketConfig, error) {
	if f.configFails > 0 {
		f.configFails--
		return nil, errors.New("rpc: 429 too many requests")
	}
	return f.config, nil
}

func (f *fakeMarket) GetOffers(_ context.Context, ids []uint64) ([]*premarket.Offer, error) {
	f.offerBatch = append(f.offerBatch, append([]uint64(nil), ids...))
	var out []*premarket.Offer
	for _, id := range ids {
		if offer, ok := f.offers[id]; ok {
			out = append(out, offer)
		}
	}
	return out, nil
}

func (f *fakeMarket) GetOrders(_ context.Context, ids []uint64) ([]*premarket.Order, error) {
	f.orderBatch = append(f.orderBatch, append([]uint64(nil), ids...))
	var out []*premarket.Order
	for _, id := range ids {
		if order, ok := f.orders[id]; ok {
			out = append(out, order)
		}
	}
	return out, nil
}

func (f *fakeMarket) GetToken(_ context.Context, tokenID string) (*premarket.Token, error) {
	f.tokenCalls = append(f.tokenCalls, tokenID)
	token, ok := f.tokens[tokenID]
	if !ok {
		return nil, premarket.ErrNotFound
	}
	return token, nil
}

func testSyncer(market premarket.Market, batchSize, maxRetries int) *chainSyncer {
	return newChainSyncer(market, syncOptions{
		batchSize:  batchSize,
		maxRetries: maxRetries,
		baseDelay:  time.Millisecond,
		maxDelay:   4 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders(`SELECT * FROM premarket_offers WHERE chain = ? AND note = 'who?' AND q = 'it''s ?' AND id > ?`)
	assert.Equal(t, `SELECT * FROM premarket_offers WHERE chain = $1 AND note = 'who?' AND q = 'it''s ?' AND id > $2`, got)
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, -4)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(1000, 10)
	assert.Equal(t, maxPageLimit, limit)
	assert.Equal(t, 10, offset)
}

func TestMergeAndChunkIDs(t *testing.T) {
	ids := mergeIDs([]uint64{7, 2, 7}, 6, 9)
	assert.Equal(t, []uint64{2, 6, 7, 8, 9}, ids)
	assert.Empty(t, mergeIDs(nil, 4, 3))

	assert.Equal(t, [][]uint64{{2, 6}, {7, 8}, {9}}, chunkIDs(ids, 2))
	assert.Nil(t, chunkIDs(nil, 2))
}

func TestRetryDelayIsCapped(t *testing.T) {
	s := testSyncer(&fakeMarket{}, 10, 3)
	assert.Equal(t, time.Millisecond, s.retryDelay(0))
	assert.Equal(t, 2*time.Millisecond, s.retryDelay(1))
	assert.Equal(t, 4*time.Millisecond, s.retryDelay(2))
	assert.Equal(t, 4*time.Millisecond, s.retryDelay(8))
}

func TestWithRetry(t *testing.T) {
	market := &fakeMarket{config: &premarket.MarketConfig{LastOfferID: 1}, configFails: 2}
	s := testSyncer(market, 10, 3)

	cfg, err := withRetry(context.Background(), s, "get config", market.GetConfig)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.LastOfferID)

	market.configFails = 5
	_, err = withRetry(context.Background(), s, "get config", market.GetConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get config")

	calls := 0
	_, err = withRetry(context.Background(), s, "get token", func(context.Context) (int, error) {
		calls++
		return 0, premarket.ErrNotFound
	})
	require.ErrorIs(t, err, premarket.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestCollectFetchesNewAndPendingRecords(t *testing.T) {
	market := &fakeMarket{
		chain:  premarket.ChainSolana,
		config: &premarket.MarketConfig{Chain: premarket.ChainSolana, LastOfferID: 5, LastOrderID: 2},
		offers: map[uint64]*premarket.Offer{
			1: {ID: 1, TokenID: "7", Status: premarket.OfferStatusOpen},
			4: {ID: 4, TokenID: "7", Status: premarket.OfferStatusOpen},
			5: {ID: 5, TokenID: "9", Status: premarket.OfferStatusOpen, Amount: decimal.NewFromInt(3)},
		},
		orders: map[uint64]*premarket.Order{
			2: {ID: 2, OfferID: 4, Status: premarket.OrderStatusOpen},
		},
		tokens: map[string]*premarket.Token{
			"7": {ID: "7", Status: premarket.TokenStatusActive},
		},
	}
	s := testSyncer(market, 2, 0)

	snap, err := s.collect(context.Background(), SyncState{LastOfferID: 3, LastOrderID: 1}, []uint64{1}, nil, []string{"7"})
	require.NoError(t, err)

	assert.Equal(t, [][]uint64{{1, 4}, {5}}, market.offerBatch)
	assert.Equal(t, [][]uint64{{2}}, market.orderBatch)
	assert.Len(t, snap.offers, 3)
	assert.Len(t, snap.orders, 1)

	assert.ElementsMatch(t, []string{"7", "9"}, market.tokenCalls)
	require.Len(t, snap.tokens, 1)
	assert.Equal(t, "7", snap.tokens[0].ID)

	assert.Equal(t, uint64(5), snap.lastOfferID)
	assert.Equal(t, uint64(2), snap.lastOrderID)
}

func TestCollectKeepsCursorWhenChainIsBehind(t *testing.T) {
	market := &fakeMarket{
		chain:  premarket.ChainEVM,
		config: &premarket.MarketConfig{LastOfferID: 2, LastOrderID: 0},
	}
	s := testSyncer(market, 50, 0)

	snap, err := s.collect(context.Background(), SyncState{LastOfferID: 4, LastOrderID: 1}, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, market.offerBatch)
	assert.Equal(t, uint64(4), snap.lastOfferID)
	assert.Equal(t, uint64(1), snap.lastOrderID)
}

func TestDialConfigsCarryEnabledChains(t *testing.T) {
	retries := uint(2)
	chains := config.ChainsConfig{
		EVM: config.EVMConfig{
			Enabled:         true,
			RPCURL:          "http://node:8545",
			ContractAddress: common.HexToAddress("0xc0"),
			ChainID:         1,
			PrivateKey:      "0xdeadbeef",
		},
		Solana: config.SolanaConfig{
			Enabled:    true,
			RPCURL:     rpc.DevNet_RPC,
			ProgramID:  solana.SystemProgramID,
			Commitment: rpc.CommitmentFinalized,
			MaxRetries: &retries,
		},
	}
	cache := tokencache.NewMemory()

	out := DialConfigs(chains, cache, nil)
	require.Len(t, out, 2)
	assert.Equal(t, premarket.ChainEVM, out[0].Chain)
	assert.Equal(t, common.HexToAddress("0xc0").Hex(), out[0].EVM.ContractAddress)
	assert.Empty(t, out[0].EVM.PrivateKey)
	assert.Equal(t, premarket.ChainSolana, out[1].Chain)
	assert.Equal(t, "finalized", out[1].Solana.Commitment)
	assert.Equal(t, solana.SystemProgramID.String(), out[1].Solana.ProgramID)
	assert.Equal(t, &retries, out[1].Solana.MaxRetries)
	assert.Same(t, cache, out[1].Decimals)

	chains.EVM.Enabled = false
	assert.Len(t, DialConfigs(chains, cache, nil), 1)
}
