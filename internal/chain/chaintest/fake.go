// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient records sent transactions and serves canned receipts and
// contract calls. The zero value is usable.
type FakeClient struct {
	mu sync.Mutex

	Nonce       uint64
	GasPrice    *big.Int
	EstimateErr error
	SendErr     error
	BlockErr    error

	// OnSend, when set, returns the receipt to record for a sent tx.
	OnSend func(tx *types.Transaction) *types.Receipt
	// OnCall, when set, answers CallContract.
	OnCall func(call ethereum.CallMsg) ([]byte, error)

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	lookups  int
}

func (f *FakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, nil
}

func (f *FakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.GasPrice != nil {
		return f.GasPrice, nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *FakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return 250_000, nil
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.Nonce++
	if f.OnSend != nil {
		if r := f.OnSend(tx); r != nil {
			f.setReceiptLocked(tx.Hash(), r)
		}
	}
	return nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *FakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.OnCall == nil {
		return nil, nil
	}
	return f.OnCall(call)
}

func (f *FakeClient) BlockNumber(context.Context) (uint64, error) {
	if f.BlockErr != nil {
		return 0, f.BlockErr
	}
	return 42, nil
}

// SetReceipt makes hash mined with the given receipt.
func (f *FakeClient) SetReceipt(hash common.Hash, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setReceiptLocked(hash, r)
}

func (f *FakeClient) setReceiptLocked(hash common.Hash, r *types.Receipt) {
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*types.Receipt)
	}
	if r.BlockNumber == nil {
		r.BlockNumber = big.NewInt(100)
	}
	r.TxHash = hash
	f.receipts[hash] = r
}

// Sent returns the transactions broadcast so far.
func (f *FakeClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// ReceiptLookups returns how many times TransactionReceipt was called.
func (f *FakeClient) ReceiptLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}
