package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/tokenamount"
)

// ErrUnknownEscrow is returned by the simulator for addresses it never created.
var ErrUnknownEscrow = errors.New("escrow: unknown simulated escrow")

type simEscrow struct {
	buyer     string
	amount    *big.Int
	fulfilled bool
	watchers  map[int]chan FundingEvent
}

// Simulator is an in-memory stand-in for the factory and escrow contracts.
// It implements Provisioner, StatusReader, the funding watch used by the
// purchase orchestrator, and instant receipts for payment transactions.
type Simulator struct {
	owner string

	mu      sync.Mutex
	seq     uint64
	nextID  int
	escrows map[string]*simEscrow
}

// NewSimulator creates an empty simulator whose escrows report owner.
func NewSimulator(owner string) *Simulator {
	return &Simulator{owner: owner, escrows: make(map[string]*simEscrow)}
}

// CreateEscrow implements Provisioner.
func (s *Simulator) CreateEscrow(ctx context.Context, req CreateRequest) (Contract, error) {
	if err := req.Validate(); err != nil {
		return Contract{}, err
	}
	if err := ctx.Err(); err != nil {
		return Contract{}, err
	}
	wei, _ := tokenamount.ParseWei(req.Amount)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	addr := common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("escrow-%d-%s", s.seq, req.BuyerAddress)))).Hex()
	s.escrows[strings.ToLower(addr)] = &simEscrow{
		buyer:    common.HexToAddress(req.BuyerAddress).Hex(),
		amount:   wei,
		watchers: make(map[int]chan FundingEvent),
	}
	return Contract{Address: addr, TxHash: s.hashLocked("create")}, nil
}

// Status implements StatusReader.
func (s *Simulator) Status(_ context.Context, address string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[strings.ToLower(address)]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, address)
	}
	return Status{
		Address:     common.HexToAddress(address).Hex(),
		IsFulfilled: e.fulfilled,
		Amount:      new(big.Int).Set(e.amount),
		Buyer:       e.buyer,
		Owner:       s.owner,
	}, nil
}

// Fund marks an escrow fulfilled and notifies watchers. Funding twice is
// an error, as fulfill() reverts on a funded escrow.
func (s *Simulator) Fund(address string) (FundingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[strings.ToLower(address)]
	if !ok {
		return FundingEvent{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, address)
	}
	if e.fulfilled {
		return FundingEvent{}, errors.New("escrow: already fulfilled")
	}
	e.fulfilled = true

	ev := FundingEvent{
		Address:    common.HexToAddress(address).Hex(),
		Payer:      e.buyer,
		Amount:     new(big.Int).Set(e.amount),
		TxHash:     s.hashLocked("fund"),
		ObservedAt: time.Now(),
	}
	for _, ch := range e.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev, nil
}

// WatchFunding blocks until ctx ends, calling onFunded for each funding
// of address.
func (s *Simulator) WatchFunding(ctx context.Context, address string, onFunded func(FundingEvent)) error {
	s.mu.Lock()
	e, ok := s.escrows[strings.ToLower(address)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEscrow, address)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan FundingEvent, 1)
	e.watchers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(e.watchers, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			onFunded(ev)
		}
	}
}

// Wait returns an immediately mined receipt: the simulated chain has no
// confirmation latency.
func (s *Simulator) Wait(ctx context.Context, txHash string) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: 1}, nil
}

func (s *Simulator) hashLocked(kind string) string {
	s.seq++
	return common.BytesToHash(crypto.Keccak256([]byte(fmt.Sprintf("%s-%d", kind, s.seq)))).Hex()
}
