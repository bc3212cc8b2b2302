// Package watcher is the push channel for escrow funding.
//
// It subscribes to FundsReceived logs emitted by a single escrow contract
// and reports each new funding to the caller. Broken subscriptions are
// re-established with backoff until the caller's context ends.
package watcher

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

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/metrics"
	"github.com/mbd888/giftswap/internal/retry"
	"github.com/mbd888/giftswap/internal/validation"
)

// ErrInvalidAddress is returned for a malformed escrow address.
var ErrInvalidAddress = errors.New("watcher: invalid escrow address")

// Config for the funding watcher
type Config struct {
	// ResubscribeBackoff is the base delay between resubscription attempts.
	ResubscribeBackoff time.Duration
	// MaxBackoff caps the delay between resubscription attempts.
	MaxBackoff time.Duration
	// MaxResubscribe bounds consecutive failed subscribe calls. 0 = unlimited.
	MaxResubscribe int
	// StableAfter is how long a subscription must live, without delivering
	// a log, before the resubscribe backoff starts over.
	StableAfter time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ResubscribeBackoff: time.Second,
		MaxBackoff:         30 * time.Second,
		MaxResubscribe:     0,
		StableAfter:        time.Minute,
	}
}

// Watcher streams FundsReceived logs for escrows.
type Watcher struct {
	subscriber chain.LogSubscriber
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a funding watcher on top of a log-subscribing client.
func New(subscriber chain.LogSubscriber, cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = DefaultConfig().ResubscribeBackoff
	}
	if cfg.MaxBackoff < cfg.ResubscribeBackoff {
		cfg.MaxBackoff = cfg.ResubscribeBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = cfg.MaxBackoff
	}
	return &Watcher{
		subscriber: subscriber,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WatchFunding blocks until ctx ends, calling onFunded once per distinct
// funding log of address. It returns nil on cancellation and an error
// only when the subscription cannot be (re)established.
func (w *Watcher) WatchFunding(ctx context.Context, address string, onFunded func(escrow.FundingEvent)) error {
	if !validation.IsValidEthAddress(address) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	contract := common.HexToAddress(address)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{escrow.FundsReceivedTopic}},
	}

	// Logs can be redelivered after a resubscribe.
	processed := make(map[string]bool)
	backoff := retry.Capped(retry.Exponential(w.config.ResubscribeBackoff), w.config.MaxBackoff)

	logger := w.logger.With("escrow", contract.Hex())
	attempts := w.config.MaxResubscribe
	if attempts <= 0 {
		attempts = int(^uint(0) >> 1)
	}

	// Subscriptions that end before StableAfter without delivering a log
	// back off like failed subscribe calls.
	shortLived := 0
	for {
		logs := make(chan types.Log, 16)
		var sub ethereum.Subscription
		err := retry.DoWith(ctx, attempts, backoff, func() error {
			s, err := w.subscriber.SubscribeFilterLogs(ctx, query, logs)
			if err != nil {
				metrics.FundingSubscriptionsTotal.WithLabelValues("failed").Inc()
				logger.Warn("funding subscription failed", "error", err)
				return err
			}
			sub = s
			metrics.FundingSubscriptionsTotal.WithLabelValues("established").Inc()
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe to funding logs: %w", err)
		}
		logger.Debug("funding subscription established")

		started := w.now()
		done, delivered := w.drain(ctx, sub, logs, processed, onFunded, logger)
		if done {
			return nil
		}
		if delivered || w.now().Sub(started) >= w.config.StableAfter {
			shortLived = 0
			continue
		}
		shortLived++
		delay := backoff(shortLived)
		logger.Debug("funding subscription ended early, backing off", "delay", delay, "streak", shortLived)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// drain consumes one subscription. done is true when ctx ended and false
// when the subscription broke and must be re-established; delivered
// reports whether any log arrived on it.
func (w *Watcher) drain(
	ctx context.Context,
	sub ethereum.Subscription,
	logs <-chan types.Log,
	processed map[string]bool,
	onFunded func(escrow.FundingEvent),
	logger *slog.Logger,
) (done, delivered bool) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return true, delivered
		case err := <-sub.Err():
			if err != nil {
				metrics.FundingSubscriptionsTotal.WithLabelValues("dropped").Inc()
				logger.Warn("funding subscription dropped", "error", err)
			}
			return ctx.Err() != nil, delivered
		case vLog := <-logs:
			delivered = true
			ev, ok := w.decode(vLog, logger)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)
			if processed[key] {
				continue
			}
			processed[key] = true
			logger.Info("escrow funding observed",
				"payer", ev.Payer,
				"amount", ev.Amount.String(),
				"tx", ev.TxHash,
			)
			onFunded(ev)
		}
	}
}

func (w *Watcher) decode(vLog types.Log, logger *slog.Logger) (escrow.FundingEvent, bool) {
	// Reorged out.
	if vLog.Removed {
		return escrow.FundingEvent{}, false
	}
	// Topics[0] = event signature, Topics[1] = buyer (indexed), Data = amount
	if len(vLog.Topics) < 2 || vLog.Topics[0] != escrow.FundsReceivedTopic {
		logger.Warn("ignoring malformed funding log", "tx", vLog.TxHash.Hex())
		return escrow.FundingEvent{}, false
	}
	return escrow.FundingEvent{
		Address:     vLog.Address.Hex(),
		Payer:       common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
		Amount:      new(big.Int).SetBytes(vLog.Data),
		TxHash:      vLog.TxHash.Hex(),
		BlockNumber: vLog.BlockNumber,
		ObservedAt:  w.now(),
	}, true
}
