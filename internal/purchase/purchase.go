// Package purchase orchestrates one gift-card purchase from form
// submission to voucher dispatch.
//
// Each Session runs a single event loop goroutine. User commands,
// provisioning results, countdown ticks and both funding channels (the
// log subscription and the status poll) are delivered to that loop as
// messages, so transitions for one session are never applied
// concurrently. Every phase owns an activity scope; leaving the phase
// cancels the scope, and results that arrive afterwards are dropped.
package purchase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/giftcard"
	"github.com/mbd888/giftswap/internal/pricefeed"
	"github.com/mbd888/giftswap/internal/voucher"
)

var (
	ErrInvalidTransition = errors.New("purchase: command not allowed in current phase")
	ErrSessionClosed     = errors.New("purchase: session closed")
	ErrSessionNotFound   = errors.New("purchase: session not found")
	ErrInvalidTxHash     = errors.New("purchase: invalid transaction hash")
)

// Provisioner deploys an escrow for a purchase.
type Provisioner interface {
	CreateEscrow(ctx context.Context, req escrow.CreateRequest) (escrow.Contract, error)
}

// StatusReader is the poll channel.
type StatusReader interface {
	Status(ctx context.Context, address string) (escrow.Status, error)
}

// FundingWatcher is the push channel. WatchFunding blocks until ctx ends.
type FundingWatcher interface {
	WatchFunding(ctx context.Context, address string, onFunded func(escrow.FundingEvent)) error
}

// TxWaiter resolves the buyer's payment transaction to a receipt.
type TxWaiter interface {
	Wait(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// Dispatcher delivers the voucher once funding is confirmed.
type Dispatcher interface {
	Dispatch(ctx context.Context, brand, email string) (*voucher.Record, error)
}

// PriceSource supplies the quote the minimum-value check runs against.
type PriceSource interface {
	Get(ctx context.Context, tokenID string) (pricefeed.Quote, error)
}

// Deps are the collaborators shared by every session. Watcher and
// Receipts are optional: without a watcher only polling confirms funding,
// without a receipt waiter payment transactions are not tracked.
type Deps struct {
	Provisioner Provisioner
	Status      StatusReader
	Watcher     FundingWatcher
	Receipts    TxWaiter
	Vouchers    Dispatcher
	Prices      PriceSource
	Catalog     *giftcard.Catalog
	TokenID     string
	ChainID     int64
	Logger      *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Catalog == nil {
		d.Catalog = giftcard.Default
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ChainID == 0 {
		d.ChainID = chain.CoreTestnet2.ChainID
	}
	return d
}
