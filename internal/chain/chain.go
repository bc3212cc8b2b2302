// Package chain wraps the EVM JSON-RPC access the service needs: dialing,
// signing owner transactions, and waiting for receipts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// TxError wraps transaction failures with context
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Client is the subset of *ethclient.Client used by this service.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogSubscriber streams contract logs. Only websocket/IPC clients support it.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Network describes the chain the service is deployed against.
type Network struct {
	Name     string `json:"name"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	RPCURL   string `json:"rpcUrl"`
}

// CoreTestnet2 is the default network.
var CoreTestnet2 = Network{
	Name:     "Core Blockchain Testnet2",
	ChainID:  1114,
	Symbol:   "tCORE2",
	Decimals: 18,
	RPCURL:   "https://rpc.test2.btcs.network",
}

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(3_000_000)

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second
)

// Dial connects to an RPC endpoint (http(s) or ws(s)).
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return client, nil
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return pk, nil
}

// Signer sends transactions from the service's owner account. Sends are
// serialized so concurrent purchases never race on the pending nonce.
type Signer struct {
	client  Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	mu sync.Mutex
}

// NewSigner creates a Signer for privateKeyHex on chainID.
func NewSigner(client Client, privateKeyHex string, chainID int64) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}
	return &Signer{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the owner address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Send signs and broadcasts a call to `to` carrying data and value.
func (s *Signer) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed, nil
}

// Receipt is the part of a mined transaction the service cares about.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Logs        []*types.Log
}

// WaitForReceipt polls until txHash is mined, ctx ends or timeout
// elapses (timeout <= 0 means no extra bound). A reverted transaction
// returns the receipt together with an ErrTransactionFailed TxError.
func WaitForReceipt(ctx context.Context, client Client, txHash string, interval, timeout time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = ReceiptPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			out := &Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
				Logs:    receipt.Logs,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return out, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return out, nil
		}
		// Not yet mined (ethereum.NotFound) or a transient RPC error: keep waiting.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReceiptWaiter binds WaitForReceipt to a client for callers that only
// need "wait for this hash".
type ReceiptWaiter struct {
	Client   Client
	Interval time.Duration
	Timeout  time.Duration
}

// Wait implements the purchase package's payment confirmation hook.
func (w *ReceiptWaiter) Wait(ctx context.Context, txHash string) (*Receipt, error) {
	return WaitForReceipt(ctx, w.Client, txHash, w.Interval, w.Timeout)
}

// Ping checks RPC reachability.
func Ping(ctx context.Context, client Client) error {
	if _, err := client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}
