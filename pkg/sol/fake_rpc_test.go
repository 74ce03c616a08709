package sol

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type fakeRPC struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey][]byte
	slot      uint64
	blockTime int64
	blockhash solana.Hash
	sent      []*solana.Transaction
	status    rpc.ConfirmationStatusType
	txErr     interface{}
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		accounts:  make(map[solana.PublicKey][]byte),
		slot:      100,
		blockTime: 1_700_000_000,
		blockhash: solana.Hash{1, 2, 3},
		status:    rpc.ConfirmationStatusConfirmed,
	}
}

func (f *fakeRPC) put(key solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = data
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[account]
	if !ok {
		return &rpc.GetAccountInfoResult{}, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}, nil
}

func (f *fakeRPC) GetMultipleAccountsWithOpts(_ context.Context, accounts []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(accounts))}
	for i, key := range accounts {
		if data, ok := f.accounts[key]; ok {
			out.Value[i] = &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}
		}
	}
	return out, nil
}

func (f *fakeRPC) GetProgramAccountsWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var prefix []byte
	if opts != nil && len(opts.Filters) > 0 && opts.Filters[0].Memcmp != nil {
		prefix = opts.Filters[0].Memcmp.Bytes
	}
	var out rpc.GetProgramAccountsResult
	for key, data := range f.accounts {
		if len(data) < len(prefix) || string(data[:len(prefix)]) != string(prefix) {
			continue
		}
		out = append(out, &rpc.KeyedAccount{Pubkey: key, Account: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}})
	}
	return out, nil
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash, LastValidBlockHeight: 200}}, nil
}

func (f *fakeRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	return f.slot, nil
}

func (f *fakeRPC) GetBlockTime(context.Context, uint64) (*solana.UnixTimeSeconds, error) {
	t := solana.UnixTimeSeconds(f.blockTime)
	return &t, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, transaction *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, transaction)
	return transaction.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{{
		ConfirmationStatus: f.status,
		Err:                f.txErr,
	}}}, nil
}

func mintData(decimals uint8) []byte {
	data := make([]byte, 82)
	binary.LittleEndian.PutUint64(data[36:44], 1_000_000)
	data[44] = decimals
	data[45] = 1
	return data
}
