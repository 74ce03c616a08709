package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	mu            sync.Mutex
	contract      common.Address
	offers        map[uint64]*Offer
	orders        map[uint64]*Order
	tokens        map[[32]byte]*Token
	config        MarketConfig
	accepted      map[common.Address]bool
	allowances    map[common.Address]*big.Int
	decimals      map[common.Address]uint8
	decimalsCalls int
	lastOfferID   int64
	headerTime    uint64
	baseFee       *big.Int
	nonce         uint64
	estimates     []ethereum.CallMsg
	sent          []*types.Transaction
	receiptStatus uint64
	receiptLogs   []*types.Log
}

func newFakeBackend(contract common.Address) *fakeBackend {
	return &fakeBackend{
		contract:      contract,
		offers:        make(map[uint64]*Offer),
		orders:        make(map[uint64]*Order),
		tokens:        make(map[[32]byte]*Token),
		accepted:      make(map[common.Address]bool),
		allowances:    make(map[common.Address]*big.Int),
		decimals:      make(map[common.Address]uint8),
		headerTime:    1_700_000_000,
		baseFee:       big.NewInt(10),
		nonce:         4,
		receiptStatus: types.ReceiptStatusSuccessful,
		config: MarketConfig{
			PledgeRate: big.NewInt(500_000),
			FeeRefund:  big.NewInt(50),
			FeeSettle:  big.NewInt(250),
		},
	}
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if *call.To != f.contract {
		return f.callToken(*call.To, call.Data)
	}

	method, err := preMarketABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	zero := new(big.Int)
	switch method.Name {
	case "offers":
		o, ok := f.offers[args[0].(*big.Int).Uint64()]
		if !ok {
			return method.Outputs.Pack(uint8(0), [32]byte{}, common.Address{}, zero, zero, zero, zero, uint8(0), common.Address{}, false)
		}
		return method.Outputs.Pack(uint8(o.OfferType), o.TokenID, o.ExToken, o.Amount, o.Value, o.Collateral, o.FilledAmount, uint8(o.Status), o.OfferedBy, o.FullMatch)
	case "orders":
		o, ok := f.orders[args[0].(*big.Int).Uint64()]
		if !ok {
			return method.Outputs.Pack(zero, zero, common.Address{}, common.Address{}, uint8(0))
		}
		return method.Outputs.Pack(o.OfferID, o.Amount, o.Seller, o.Buyer, uint8(o.Status))
	case "tokens":
		t, ok := f.tokens[args[0].([32]byte)]
		if !ok {
			return method.Outputs.Pack(common.Address{}, zero, zero, zero, uint8(0))
		}
		return method.Outputs.Pack(t.Token, t.SettleTime, t.SettleDuration, t.SettleRate, uint8(t.Status))
	case "config":
		return method.Outputs.Pack(f.config.PledgeRate, f.config.FeeRefund, f.config.FeeSettle, f.config.FeeWallet)
	case "lastOfferId":
		return method.Outputs.Pack(big.NewInt(f.lastOfferID))
	case "lastOrderId":
		return method.Outputs.Pack(big.NewInt(int64(len(f.orders))))
	case "isAcceptedToken":
		return method.Outputs.Pack(f.accepted[args[0].(common.Address)])
	}
	return nil, fmt.Errorf("unexpected call %s", method.Name)
}

func (f *fakeBackend) callToken(token common.Address, data []byte) ([]byte, error) {
	method, err := erc20ABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		f.decimalsCalls++
		return method.Outputs.Pack(f.decimals[token])
	case "allowance":
		allowance, ok := f.allowances[token]
		if !ok {
			allowance = new(big.Int)
		}
		return method.Outputs.Pack(allowance)
	}
	return nil, fmt.Errorf("unexpected token call %s", method.Name)
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), Time: f.headerTime, BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates = append(f.estimates, call)
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(2),
		Logs:        f.receiptLogs,
	}, nil
}
