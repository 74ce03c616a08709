package evm

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testUSDC     = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testSettle   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testTokenID  = [32]byte{0: 0x01, 31: 0x42}
	testUser     = common.HexToAddress("0x0000000000000000000000000000000000000111")
)

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend(testContract)
	backend.accepted[NativeToken] = true
	backend.accepted[testUSDC] = true
	backend.decimals[testUSDC] = 6
	backend.tokens[testTokenID] = &Token{
		Token:          testSettle,
		SettleTime:     new(big.Int),
		SettleDuration: new(big.Int),
		SettleRate:     big.NewInt(2_000_000),
		Status:         TokenStatusActive,
	}

	client, err := NewClient(backend, Config{
		ContractAddress: testContract,
		ChainID:         big.NewInt(31337),
		ReceiptInterval: 5 * time.Millisecond,
		ReceiptTimeout:  time.Second,
	}, opts...)
	require.NoError(t, err)
	return client, backend
}

func putOffer(b *fakeBackend, id uint64, offer Offer) {
	if offer.TokenID == ([32]byte{}) {
		offer.TokenID = testTokenID
	}
	if offer.FilledAmount == nil {
		offer.FilledAmount = new(big.Int)
	}
	if offer.Collateral == nil {
		offer.Collateral = new(big.Int)
	}
	if offer.Status == 0 {
		offer.Status = OfferStatusOpen
	}
	b.offers[id] = &offer
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, Config{})
	require.Error(t, err)

	_, err = NewClient(newFakeBackend(testContract), Config{ContractAddress: testContract})
	require.ErrorContains(t, err, "chain id")
}

func TestReadOffer(t *testing.T) {
	client, backend := newTestClient(t)
	putOffer(backend, 3, Offer{
		OfferType:  OfferTypeSell,
		ExToken:    testUSDC,
		Amount:     big.NewInt(5_000_000),
		Value:      big.NewInt(10_000_000),
		Collateral: big.NewInt(5_000_000),
		OfferedBy:  testUser,
		FullMatch:  true,
	})

	offer, err := client.Offer(context.Background(), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, OfferTypeSell, offer.OfferType)
	assert.Equal(t, testTokenID, offer.TokenID)
	assert.Equal(t, testUSDC, offer.ExToken)
	assert.Equal(t, int64(10_000_000), offer.Value.Int64())
	assert.Equal(t, testUser, offer.OfferedBy)
	assert.True(t, offer.FullMatch)
	assert.Equal(t, int64(5_000_000), offer.Remaining().Int64())

	_, err = client.Offer(context.Background(), big.NewInt(99))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.Order(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadConfigAndCounters(t *testing.T) {
	client, backend := newTestClient(t)
	backend.lastOfferID = 12

	config, err := client.MarketConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), config.PledgeRate.Int64())

	last, err := client.LastOfferID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), last.Int64())
}

func TestDecimalsAreCached(t *testing.T) {
	client, backend := newTestClient(t)

	for i := 0; i < 2; i++ {
		decimals, err := client.Decimals(context.Background(), testUSDC)
		require.NoError(t, err)
		assert.Equal(t, uint8(6), decimals)
	}
	assert.Equal(t, 1, backend.decimalsCalls)

	decimals, err := client.Decimals(context.Background(), NativeToken)
	require.NoError(t, err)
	assert.Equal(t, NativeDecimals, decimals)
}

func TestBuildCreateOfferNativeSell(t *testing.T) {
	client, _ := newTestClient(t)

	result, err := client.BuildCreateOffer(context.Background(), CreateOfferParams{
		From:      testUser,
		OfferType: OfferTypeSell,
		TokenID:   testTokenID,
		ExToken:   NativeToken,
		Amount:    big.NewInt(1_000_000),
		Value:     big.NewInt(4_000_000_000),
	})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)

	tx := result.Transactions[0].Tx
	assert.Equal(t, "create_offer", result.Transactions[0].Label)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, int64(2_000_000_000), tx.Value().Int64())
	assert.Equal(t, int64(2_000_000_000), result.Deposit.Int64())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, int64(22), tx.GasFeeCap().Int64())
	assert.Equal(t, int64(2), tx.GasTipCap().Int64())

	method, err := preMarketABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "newOfferETH", method.Name)
}

func TestBuildCreateOfferERC20NeedsApproval(t *testing.T) {
	client, backend := newTestClient(t)

	result, err := client.BuildCreateOffer(context.Background(), CreateOfferParams{
		From:      testUser,
		OfferType: OfferTypeBuy,
		TokenID:   testTokenID,
		ExToken:   testUSDC,
		Amount:    big.NewInt(1_000_000),
		Value:     big.NewInt(3_000_000),
	})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 2)

	approve := result.Transactions[0]
	assert.Equal(t, "approve", approve.Label)
	assert.Equal(t, testUSDC, *approve.Tx.To())
	assert.Equal(t, uint64(4), approve.Tx.Nonce())

	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(approve.Tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testContract, args[0].(common.Address))
	assert.Equal(t, int64(3_000_000), args[1].(*big.Int).Int64())

	create := result.Transactions[1]
	assert.Equal(t, uint64(5), create.Tx.Nonce())
	assert.Equal(t, uint64(500_000), create.Tx.Gas())
	assert.Equal(t, 0, create.Tx.Value().Sign())
	assert.Len(t, backend.estimates, 1)
}

func TestBuildCreateOfferWithAllowanceAndLegacyFees(t *testing.T) {
	client, backend := newTestClient(t)
	backend.allowances[testUSDC] = big.NewInt(10_000_000)
	backend.baseFee = nil

	result, err := client.BuildCreateOffer(context.Background(), CreateOfferParams{
		From:      testUser,
		OfferType: OfferTypeBuy,
		TokenID:   testTokenID,
		ExToken:   testUSDC,
		Amount:    big.NewInt(1_000_000),
		Value:     big.NewInt(3_000_000),
	})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	tx := result.Transactions[0].Tx
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, int64(7), tx.GasPrice().Int64())
}

func TestBuildCreateOfferRejects(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	_, err := client.BuildCreateOffer(ctx, CreateOfferParams{From: testUser, OfferType: OfferTypeBuy, TokenID: testTokenID, Amount: big.NewInt(0), Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = client.BuildCreateOffer(ctx, CreateOfferParams{From: testUser, OfferType: OfferTypeBuy, TokenID: testTokenID, ExToken: testSettle, Amount: big.NewInt(1), Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrExTokenNotAccepted)

	backend.tokens[testTokenID].Status = TokenStatusSettling
	_, err = client.BuildCreateOffer(ctx, CreateOfferParams{From: testUser, OfferType: OfferTypeBuy, TokenID: testTokenID, ExToken: testUSDC, Amount: big.NewInt(1), Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrTokenNotActive)

	_, err = client.BuildCreateOffer(ctx, CreateOfferParams{From: testUser, OfferType: OfferTypeBuy, TokenID: [32]byte{9}, ExToken: testUSDC, Amount: big.NewInt(1), Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildFillOffer(t *testing.T) {
	client, backend := newTestClient(t)
	putOffer(backend, 1, Offer{OfferType: OfferTypeBuy, ExToken: NativeToken, Amount: big.NewInt(4_000_000), Value: big.NewInt(8_000), Collateral: big.NewInt(4_000)})
	putOffer(backend, 2, Offer{OfferType: OfferTypeSell, ExToken: NativeToken, Amount: big.NewInt(4), Value: big.NewInt(8), FullMatch: true})

	result, err := client.BuildFillOffer(context.Background(), FillOfferParams{From: testUser, OfferID: big.NewInt(1), Amount: big.NewInt(1_000_000)})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), result.Deposit.Int64())
	assert.Equal(t, int64(1_000), result.Transactions[0].Tx.Value().Int64())

	_, err = client.BuildFillOffer(context.Background(), FillOfferParams{From: testUser, OfferID: big.NewInt(2), Amount: big.NewInt(1)})
	require.ErrorIs(t, err, ErrFullMatchRequired)

	_, err = client.BuildFillOffer(context.Background(), FillOfferParams{From: testUser, OfferID: big.NewInt(1), Amount: big.NewInt(5_000_000)})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBuildCancelOffer(t *testing.T) {
	client, backend := newTestClient(t)
	putOffer(backend, 1, Offer{OfferType: OfferTypeBuy, ExToken: testUSDC, Amount: big.NewInt(4), Value: big.NewInt(8), OfferedBy: testUser})
	putOffer(backend, 2, Offer{OfferType: OfferTypeBuy, ExToken: testUSDC, Amount: big.NewInt(4), Value: big.NewInt(8), OfferedBy: testUser, Status: OfferStatusFilled})

	_, err := client.BuildCancelOffer(context.Background(), CancelOfferParams{From: testContract, OfferID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrNotOfferOwner)

	_, err = client.BuildCancelOffer(context.Background(), CancelOfferParams{From: testUser, OfferID: big.NewInt(2)})
	require.ErrorIs(t, err, ErrOfferNotOpen)

	result, err := client.BuildCancelOffer(context.Background(), CancelOfferParams{From: testUser, OfferID: big.NewInt(1)})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, "cancel_offer", result.Transactions[0].Label)
}

func TestCheckMatchable(t *testing.T) {
	buy := &Offer{OfferType: OfferTypeBuy, TokenID: testTokenID, ExToken: testUSDC, Amount: big.NewInt(10), Value: big.NewInt(100), FilledAmount: new(big.Int), Status: OfferStatusOpen}
	sell := &Offer{OfferType: OfferTypeSell, TokenID: testTokenID, ExToken: testUSDC, Amount: big.NewInt(10), Value: big.NewInt(100), FilledAmount: new(big.Int), Status: OfferStatusOpen}

	require.NoError(t, CheckMatchable(buy, sell, big.NewInt(10)))
	require.ErrorIs(t, CheckMatchable(sell, buy, big.NewInt(10)), ErrIncompatibleOffers)

	sell.Value = big.NewInt(101)
	require.ErrorIs(t, CheckMatchable(buy, sell, big.NewInt(10)), ErrIncompatibleOffers)
}

func TestBuildMatchOffers(t *testing.T) {
	client, backend := newTestClient(t)
	putOffer(backend, 1, Offer{OfferType: OfferTypeBuy, ExToken: testUSDC, Amount: big.NewInt(10), Value: big.NewInt(100)})
	putOffer(backend, 2, Offer{OfferType: OfferTypeSell, ExToken: testUSDC, Amount: big.NewInt(20), Value: big.NewInt(150)})

	result, err := client.BuildMatchOffers(context.Background(), MatchOffersParams{
		From: testUser, BuyOfferID: big.NewInt(1), SellOfferID: big.NewInt(2), Amount: big.NewInt(10),
	})
	require.NoError(t, err)
	args, err := preMarketABI.Methods["matchOffers"].Inputs.Unpack(result.Transactions[0].Tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(2), args[1].(*big.Int).Int64())
}

func TestBuildSettleWindows(t *testing.T) {
	client, backend := newTestClient(t)
	buyer := common.HexToAddress("0x0000000000000000000000000000000000000222")
	token := backend.tokens[testTokenID]
	token.Status = TokenStatusSettling
	token.SettleTime = big.NewInt(int64(backend.headerTime) - 100)
	token.SettleDuration = big.NewInt(3600)
	putOffer(backend, 1, Offer{OfferType: OfferTypeSell, ExToken: testUSDC, Amount: big.NewInt(10), Value: big.NewInt(100), OfferedBy: testUser})
	backend.orders[1] = &Order{OfferID: big.NewInt(1), Amount: big.NewInt(3_000_000), Seller: testUser, Buyer: buyer, Status: OrderStatusOpen}

	result, err := client.BuildSettleFilled(context.Background(), SettleParams{From: testUser, OrderID: big.NewInt(1)})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 2)
	assert.Equal(t, testSettle, *result.Transactions[0].Tx.To())
	assert.Equal(t, int64(6_000_000), result.Deposit.Int64())

	_, err = client.BuildSettleFilled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrNotOrderParty)

	_, err = client.BuildSettleCancelled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrSettleWindowOpen)

	backend.headerTime += 7200
	_, err = client.BuildSettleFilled(context.Background(), SettleParams{From: testUser, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrSettleWindowClosed)

	result, err = client.BuildSettleCancelled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "settle_cancelled", result.Transactions[0].Label)

	backend.orders[1].Status = OrderStatusSettleCancelled
	_, err = client.BuildSettleCancelled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrOrderNotOpen)
}

func TestSettleAmount(t *testing.T) {
	order := &Order{Amount: big.NewInt(3_000_000)}
	got, err := SettleAmount(order, &Token{SettleRate: big.NewInt(2_000_000)})
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), got.Int64())

	_, err = SettleAmount(order, &Token{})
	require.Error(t, err)
}

func TestBuildSettleCancelledRequiresScheduledSettlement(t *testing.T) {
	client, backend := newTestClient(t)
	buyer := common.HexToAddress("0x0000000000000000000000000000000000000222")
	token := backend.tokens[testTokenID]
	token.SettleDuration = big.NewInt(3600)
	putOffer(backend, 1, Offer{OfferType: OfferTypeSell, ExToken: testUSDC, Amount: big.NewInt(10), Value: big.NewInt(100), OfferedBy: testUser})
	backend.orders[1] = &Order{OfferID: big.NewInt(1), Amount: big.NewInt(3_000_000), Seller: testUser, Buyer: buyer, Status: OrderStatusOpen}

	_, err := client.BuildSettleCancelled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrTokenNotSettling)

	token.Status = TokenStatusSettling
	_, err = client.BuildSettleCancelled(context.Background(), SettleParams{From: buyer, OrderID: big.NewInt(1)})
	require.ErrorIs(t, err, ErrTokenNotSettling)
	assert.Empty(t, backend.sent)
}

func TestSubmit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	unsigned, _ := newTestClient(t)
	result, err := unsigned.BuildCreateOffer(context.Background(), CreateOfferParams{
		From: from, OfferType: OfferTypeBuy, TokenID: testTokenID, ExToken: testUSDC,
		Amount: big.NewInt(1), Value: big.NewInt(1),
	})
	require.NoError(t, err)

	_, err = unsigned.Submit(context.Background(), result)
	require.ErrorIs(t, err, ErrMissingSigner)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	mismatched, _ := newTestClient(t, WithPrivateKey(other))
	_, err = mismatched.Submit(context.Background(), result)
	require.ErrorIs(t, err, ErrSignerMismatch)

	signed, backend := newTestClient(t, WithPrivateKey(key))
	receipts, err := signed.Submit(context.Background(), result)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.Len(t, backend.sent, 2)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), backend.sent[0])
	require.NoError(t, err)
	assert.Equal(t, from, sender)

	reverting, backend := newTestClient(t, WithPrivateKey(key))
	backend.receiptStatus = types.ReceiptStatusFailed
	receipts, err = reverting.Submit(context.Background(), result)
	require.ErrorIs(t, err, ErrReverted)
	assert.Len(t, receipts, 1)
}

func TestIDsFromReceipt(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: testUSDC, Topics: []common.Hash{preMarketABI.Events["NewOffer"].ID, common.BigToHash(big.NewInt(1))}},
		{Address: testContract, Topics: []common.Hash{preMarketABI.Events["NewOffer"].ID, common.BigToHash(big.NewInt(42))}},
		{Address: testContract, Topics: []common.Hash{preMarketABI.Events["NewOrder"].ID, common.BigToHash(big.NewInt(7)), common.BigToHash(big.NewInt(42))}},
	}}

	offerID, err := OfferIDFromReceipt(receipt, testContract)
	require.NoError(t, err)
	assert.Equal(t, int64(42), offerID.Int64())

	orderID, err := OrderIDFromReceipt(receipt, testContract)
	require.NoError(t, err)
	assert.Equal(t, int64(7), orderID.Int64())

	_, err = OrderIDFromReceipt(&types.Receipt{}, testContract)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseTokenID(t *testing.T) {
	id, err := ParseTokenID("0x" + strings.Repeat("00", 31) + "2a")
	require.NoError(t, err)
	assert.Equal(t, byte(0x2a), id[31])

	_, err = ParseTokenID("0x1234")
	require.Error(t, err)

	_, err = ParseTokenID(strings.Repeat("00", 32))
	require.Error(t, err)
}

func TestEncodeUnsigned(t *testing.T) {
	client, _ := newTestClient(t)
	result, err := client.BuildCreateOffer(context.Background(), CreateOfferParams{
		From: testUser, OfferType: OfferTypeBuy, TokenID: testTokenID, ExToken: NativeToken,
		Amount: big.NewInt(1), Value: big.NewInt(1),
	})
	require.NoError(t, err)

	encoded, err := EncodeUnsigned(result.Transactions[0].Tx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "0x02"), encoded)
}
