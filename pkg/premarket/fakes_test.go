package premarket

import (
	"context"
	"fmt"
	"math/big"

	"github.com/coldbell/premarket/pkg/evm"
	"github.com/coldbell/premarket/pkg/sol"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
)

type fakeEVM struct {
	contract  common.Address
	signer    common.Address
	offers    map[uint64]*evm.Offer
	orders    map[uint64]*evm.Order
	tokens    map[[32]byte]*evm.Token
	config    *evm.MarketConfig
	decimals  map[common.Address]uint8
	lastOffer uint64
	lastOrder uint64

	created   *evm.CreateOfferParams
	filled    *evm.FillOfferParams
	settled   *evm.SettleParams
	result    *evm.BuildResult
	buildErr  error
	submitted *evm.BuildResult
	receipts  []*types.Receipt
	submitErr error
}

func newFakeEVM() *fakeEVM {
	return &fakeEVM{
		contract: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		offers:   make(map[uint64]*evm.Offer),
		orders:   make(map[uint64]*evm.Order),
		tokens:   make(map[[32]byte]*evm.Token),
		decimals: map[common.Address]uint8{evm.NativeToken: evm.NativeDecimals},
	}
}

func (f *fakeEVM) ContractAddress() common.Address { return f.contract }
func (f *fakeEVM) Signer() common.Address          { return f.signer }

func (f *fakeEVM) Offer(_ context.Context, id *big.Int) (*evm.Offer, error) {
	offer, ok := f.offers[id.Uint64()]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, evm.ErrNotFound)
	}
	return offer, nil
}

func (f *fakeEVM) Order(_ context.Context, id *big.Int) (*evm.Order, error) {
	order, ok := f.orders[id.Uint64()]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, evm.ErrNotFound)
	}
	return order, nil
}

func (f *fakeEVM) Token(_ context.Context, id [32]byte) (*evm.Token, error) {
	token, ok := f.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %x: %w", id, evm.ErrNotFound)
	}
	return token, nil
}

func (f *fakeEVM) MarketConfig(context.Context) (*evm.MarketConfig, error) { return f.config, nil }

func (f *fakeEVM) LastOfferID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.lastOffer), nil
}

func (f *fakeEVM) LastOrderID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.lastOrder), nil
}

func (f *fakeEVM) Decimals(_ context.Context, token common.Address) (uint8, error) {
	decimals, ok := f.decimals[token]
	if !ok {
		return 0, fmt.Errorf("decimals of %s: %w", token, evm.ErrNotFound)
	}
	return decimals, nil
}

func (f *fakeEVM) BuildCreateOffer(_ context.Context, p evm.CreateOfferParams) (*evm.BuildResult, error) {
	f.created = &p
	return f.result, f.buildErr
}

func (f *fakeEVM) BuildFillOffer(_ context.Context, p evm.FillOfferParams) (*evm.BuildResult, error) {
	f.filled = &p
	return f.result, f.buildErr
}

func (f *fakeEVM) BuildCancelOffer(context.Context, evm.CancelOfferParams) (*evm.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeEVM) BuildMatchOffers(context.Context, evm.MatchOffersParams) (*evm.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeEVM) BuildSettleFilled(_ context.Context, p evm.SettleParams) (*evm.BuildResult, error) {
	f.settled = &p
	return f.result, f.buildErr
}

func (f *fakeEVM) BuildSettleCancelled(_ context.Context, p evm.SettleParams) (*evm.BuildResult, error) {
	f.settled = &p
	return f.result, f.buildErr
}

func (f *fakeEVM) Submit(_ context.Context, result *evm.BuildResult) ([]*types.Receipt, error) {
	f.submitted = result
	return f.receipts, f.submitErr
}

type fakeSolana struct {
	programID    solana.PublicKey
	config       solana.PublicKey
	signer       solana.PublicKey
	configAcct   *sol.ConfigAccount
	tokenConfigs map[uint64]*sol.TokenConfigAccount
	offers       map[uint64]*sol.OfferAccount
	orders       map[uint64]*sol.OrderAccount
	decimals     map[solana.PublicKey]uint8

	created   *sol.CreateOfferParams
	result    *sol.BuildResult
	buildErr  error
	submitted []*solana.Transaction
	submitErr error
}

func newFakeSolana() *fakeSolana {
	programID := solana.NewWallet().PublicKey()
	config, _, err := sol.DeriveConfigPDA(programID)
	if err != nil {
		panic(err)
	}
	return &fakeSolana{
		programID:    programID,
		config:       config,
		tokenConfigs: make(map[uint64]*sol.TokenConfigAccount),
		offers:       make(map[uint64]*sol.OfferAccount),
		orders:       make(map[uint64]*sol.OrderAccount),
		decimals:     map[solana.PublicKey]uint8{sol.WrappedSOLMint: sol.NativeSOLDecimals},
	}
}

func (f *fakeSolana) ProgramID() solana.PublicKey     { return f.programID }
func (f *fakeSolana) ConfigAddress() solana.PublicKey { return f.config }
func (f *fakeSolana) Signer() solana.PublicKey        { return f.signer }

func (f *fakeSolana) Config(context.Context) (*sol.ConfigAccount, error) {
	if f.configAcct == nil {
		return nil, sol.ErrNotFound
	}
	return f.configAcct, nil
}

func (f *fakeSolana) tokenConfigKey(id uint64) solana.PublicKey {
	key, _, err := sol.DeriveTokenConfigPDA(f.programID, f.config, id)
	if err != nil {
		panic(err)
	}
	return key
}

func (f *fakeSolana) offerKey(id uint64) solana.PublicKey {
	key, _, err := sol.DeriveOfferPDA(f.programID, f.config, id)
	if err != nil {
		panic(err)
	}
	return key
}

func (f *fakeSolana) TokenConfig(_ context.Context, id uint64) (*sol.TokenConfigAccount, error) {
	account, ok := f.tokenConfigs[id]
	if !ok {
		return nil, fmt.Errorf("token config %d: %w", id, sol.ErrNotFound)
	}
	return account, nil
}

func (f *fakeSolana) TokenConfigsAt(_ context.Context, keys []solana.PublicKey) ([]*sol.TokenConfigAccount, error) {
	out := make([]*sol.TokenConfigAccount, len(keys))
	for i, key := range keys {
		for id, account := range f.tokenConfigs {
			if f.tokenConfigKey(id).Equals(key) {
				out[i] = account
			}
		}
	}
	return out, nil
}

func (f *fakeSolana) Offers(_ context.Context, ids []uint64) ([]*sol.OfferAccount, error) {
	out := make([]*sol.OfferAccount, len(ids))
	for i, id := range ids {
		out[i] = f.offers[id]
	}
	return out, nil
}

func (f *fakeSolana) OffersAt(_ context.Context, keys []solana.PublicKey) ([]*sol.OfferAccount, error) {
	out := make([]*sol.OfferAccount, len(keys))
	for i, key := range keys {
		for id, account := range f.offers {
			if f.offerKey(id).Equals(key) {
				out[i] = account
			}
		}
	}
	return out, nil
}

func (f *fakeSolana) Orders(_ context.Context, ids []uint64) ([]*sol.OrderAccount, error) {
	out := make([]*sol.OrderAccount, len(ids))
	for i, id := range ids {
		out[i] = f.orders[id]
	}
	return out, nil
}

func (f *fakeSolana) MintDecimals(_ context.Context, mint solana.PublicKey) (uint8, error) {
	decimals, ok := f.decimals[mint]
	if !ok {
		return 0, fmt.Errorf("mint %s: %w", mint, sol.ErrNotFound)
	}
	return decimals, nil
}

func (f *fakeSolana) BuildCreateOffer(_ context.Context, p sol.CreateOfferParams) (*sol.BuildResult, error) {
	f.created = &p
	return f.result, f.buildErr
}

func (f *fakeSolana) BuildFillOffer(context.Context, sol.FillOfferParams) (*sol.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeSolana) BuildCancelOffer(context.Context, sol.CancelOfferParams) (*sol.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeSolana) BuildMatchOffers(context.Context, sol.MatchOffersParams) (*sol.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeSolana) BuildSettleFilled(context.Context, sol.SettleParams) (*sol.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeSolana) BuildSettleCancelled(context.Context, sol.SettleParams) (*sol.BuildResult, error) {
	return f.result, f.buildErr
}

func (f *fakeSolana) Submit(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.submitted = append(f.submitted, tx)
	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	return solana.Signature{byte(len(f.submitted))}, nil
}
