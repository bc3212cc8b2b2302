package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/tokenamount"
	"github.com/mbd888/giftswap/internal/traces"
	"github.com/mbd888/giftswap/internal/validation"
)

// ChainBackend provisions escrows through the factory contract and reads
// escrow state with eth_call.
type ChainBackend struct {
	client          chain.Client
	signer          *chain.Signer
	factory         common.Address
	receiptInterval time.Duration
	receiptTimeout  time.Duration
	logger          *slog.Logger
}

// ChainOption configures a ChainBackend.
type ChainOption func(*ChainBackend)

// WithReceiptPolling sets how often and how long to wait for the
// factory transaction to be mined.
func WithReceiptPolling(interval, timeout time.Duration) ChainOption {
	return func(b *ChainBackend) {
		b.receiptInterval = interval
		b.receiptTimeout = timeout
	}
}

// WithChainLogger sets the backend logger.
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(b *ChainBackend) { b.logger = l }
}

// NewChainBackend creates a chain-backed provisioner and status reader.
// signer may be nil for a read-only backend.
func NewChainBackend(client chain.Client, signer *chain.Signer, factory common.Address, opts ...ChainOption) *ChainBackend {
	b := &ChainBackend{
		client:          client,
		signer:          signer,
		factory:         factory,
		receiptInterval: chain.ReceiptPollInterval,
		receiptTimeout:  2 * time.Minute,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateEscrow calls createGiftContract(buyer, amountWei) on the factory,
// waits for the receipt and returns the deployed escrow address.
func (b *ChainBackend) CreateEscrow(ctx context.Context, req CreateRequest) (Contract, error) {
	if err := req.Validate(); err != nil {
		return Contract{}, err
	}
	if b.signer == nil {
		return Contract{}, upstreamError(CodeUnknown, errors.New("escrow: backend has no signer"))
	}

	ctx, span := traces.StartSpan(ctx, "escrow.CreateEscrow",
		traces.Address("buyer", req.BuyerAddress),
		attribute.String("amount", req.Amount),
	)
	defer span.End()

	wei, _ := tokenamount.ParseWei(req.Amount) // validated above
	buyer := common.HexToAddress(req.BuyerAddress)

	data, err := FactoryABI.Pack("createGiftContract", buyer, wei)
	if err != nil {
		return Contract{}, validationError(fmt.Errorf("pack createGiftContract: %w", err))
	}

	tx, err := b.signer.Send(ctx, b.factory, nil, data)
	if err != nil {
		traces.RecordError(span, err)
		return Contract{}, upstreamError(CodeNetworkError, err)
	}
	txHash := tx.Hash().Hex()
	b.logger.Info("escrow creation sent", "tx", txHash, "buyer", req.BuyerAddress, "amount", req.Amount)

	receipt, err := chain.WaitForReceipt(ctx, b.client, txHash, b.receiptInterval, b.receiptTimeout)
	if err != nil {
		traces.RecordError(span, err)
		switch {
		case errors.Is(err, chain.ErrTransactionFailed):
			return Contract{}, upstreamError(CodeTxFailed, err)
		case errors.Is(err, chain.ErrTimeout):
			return Contract{}, upstreamError(CodeTimeout, err)
		default:
			return Contract{}, upstreamError(CodeNetworkError, err)
		}
	}

	addr, ok := b.createdAddress(receipt.Logs)
	if !ok {
		return Contract{}, upstreamError(CodeEventNotFound, fmt.Errorf("%w (tx %s)", ErrCreatedEvent, txHash))
	}

	span.SetAttributes(traces.Address("escrow", addr.Hex()))
	return Contract{Address: addr.Hex(), TxHash: txHash}, nil
}

// createdAddress finds the GiftContractCreated log emitted by the factory.
func (b *ChainBackend) createdAddress(logs []*types.Log) (common.Address, bool) {
	for _, l := range logs {
		if l == nil || l.Address != b.factory || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != GiftContractCreatedTopic {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()), true
	}
	return common.Address{}, false
}

// Status reads isFulfilled, getAmount, getBuyer and getOwner concurrently.
func (b *ChainBackend) Status(ctx context.Context, address string) (Status, error) {
	if !validation.IsValidEthAddress(address) {
		return Status{}, ErrInvalidContract
	}
	ctx, span := traces.StartSpan(ctx, "escrow.Status", traces.Address("escrow", address))
	defer span.End()

	contract := common.HexToAddress(address)
	var (
		fulfilled    bool
		amount       *big.Int
		buyer, owner common.Address
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.call(gctx, contract, "isFulfilled", &fulfilled) })
	g.Go(func() error { return b.call(gctx, contract, "getAmount", &amount) })
	g.Go(func() error { return b.call(gctx, contract, "getBuyer", &buyer) })
	g.Go(func() error { return b.call(gctx, contract, "getOwner", &owner) })
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return Status{}, err
	}

	return Status{
		Address:     contract.Hex(),
		IsFulfilled: fulfilled,
		Amount:      amount,
		Buyer:       buyer.Hex(),
		Owner:       owner.Hex(),
	}, nil
}

// call runs a zero-argument view method and stores its single output in out.
func (b *ChainBackend) call(ctx context.Context, contract common.Address, method string, out any) error {
	data, err := GiftABI.Pack(method)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContract, contract.Hex())
	}
	if err := GiftABI.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}
