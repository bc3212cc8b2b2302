package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/logging"
	"github.com/mbd888/giftswap/internal/pricefeed"
	"github.com/mbd888/giftswap/internal/voucher"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	escrowAddr = "0x2222222222222222222222222222222222222222"
	createTx   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	paymentTx  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func transient(msg string) error {
	return &escrow.ProvisionError{Kind: escrow.KindUpstream, Code: escrow.CodeNetworkError, Err: errors.New(msg)}
}

type fakeProvisioner struct {
	mu     sync.Mutex
	errs   []error // returned for the first len(errs) calls
	always error
	calls  []time.Time
}

func (p *fakeProvisioner) CreateEscrow(ctx context.Context, req escrow.CreateRequest) (escrow.Contract, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, time.Now())
	err := p.always
	if n < len(p.errs) {
		err = p.errs[n]
	}
	p.mu.Unlock()

	if err != nil {
		return escrow.Contract{}, err
	}
	return escrow.Contract{Address: escrowAddr, TxHash: createTx}, nil
}

func (p *fakeProvisioner) callTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

type fakeStatus struct {
	funded   atomic.Bool
	calls    atomic.Int32
	inflight atomic.Int32
	gate     chan struct{} // when set, Status waits for it
}

func (f *fakeStatus) Status(ctx context.Context, addr string) (escrow.Status, error) {
	f.calls.Add(1)
	if f.gate != nil {
		f.inflight.Add(1)
		defer f.inflight.Add(-1)
		select {
		case <-f.gate:
		case <-ctx.Done():
			return escrow.Status{}, ctx.Err()
		}
	}
	return escrow.Status{Address: addr, IsFulfilled: f.funded.Load()}, nil
}

type fakeWatcher struct {
	mu     sync.Mutex
	subs   map[int]func(escrow.FundingEvent)
	next   int
	active atomic.Int32
	err    error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{subs: make(map[int]func(escrow.FundingEvent))}
}

func (w *fakeWatcher) WatchFunding(ctx context.Context, addr string, onFunded func(escrow.FundingEvent)) error {
	if w.err != nil {
		return w.err
	}
	w.active.Add(1)
	defer w.active.Add(-1)

	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = onFunded
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}()

	<-ctx.Done()
	return nil
}

func (w *fakeWatcher) fire() {
	w.mu.Lock()
	subs := make([]func(escrow.FundingEvent), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()
	for _, fn := range subs {
		fn(escrow.FundingEvent{Address: escrowAddr})
	}
}

type fakeWaiter struct {
	err error
}

func (w *fakeWaiter) Wait(ctx context.Context, txHash string) (*chain.Receipt, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: 10}, nil
}

type fakeDispatcher struct {
	calls atomic.Int32
	err   error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, brand, email string) (*voucher.Record, error) {
	d.calls.Add(1)
	rec := &voucher.Record{Code: "ABCD-EFGH-JK12", Brand: brand, Email: email, Outcome: voucher.OutcomeSent}
	if d.err != nil {
		rec.Outcome = voucher.OutcomeFailed
		rec.Error = d.err.Error()
		return rec, d.err
	}
	return rec, nil
}

type fakePrices struct {
	price string
	err   error
}

func (p fakePrices) Get(ctx context.Context, tokenID string) (pricefeed.Quote, error) {
	if p.err != nil {
		return pricefeed.Quote{}, p.err
	}
	return pricefeed.Quote{TokenID: tokenID, PriceUSD: decimal.RequireFromString(p.price), FetchedAt: time.Now()}, nil
}

type harness struct {
	prov       *fakeProvisioner
	status     *fakeStatus
	watcher    *fakeWatcher
	dispatcher *fakeDispatcher
	deps       Deps
	policy     Policy
}

func newHarness() *harness {
	h := &harness{
		prov:       &fakeProvisioner{},
		status:     &fakeStatus{},
		watcher:    newFakeWatcher(),
		dispatcher: &fakeDispatcher{},
	}
	h.deps = Deps{
		Provisioner: h.prov,
		Status:      h.status,
		Watcher:     h.watcher,
		Vouchers:    h.dispatcher,
		Prices:      fakePrices{price: "1.25"},
		TokenID:     "coredaoorg",
		ChainID:     1114,
		Logger:      logging.Discard(),
	}
	h.policy = Policy{
		MaxRetries:    2,
		RetryBackoff:  20 * time.Millisecond,
		PollInterval:  time.Hour,
		PaymentWindow: time.Hour,
		CountdownTick: 5 * time.Millisecond,
		RecheckDelay:  10 * time.Millisecond,
		GraceDelay:    10 * time.Millisecond,
		SessionTTL:    time.Minute,
	}
	return h
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s := NewSession("sess-test", h.deps, h.policy)
	t.Cleanup(s.Close)
	return s
}

func validRequest() Request {
	return Request{BuyerAddress: buyerAddr, Amount: "4", Email: "buyer@example.com", GiftCard: "AMAZON"}
}

func waitPhase(t *testing.T, s *Session, want PhaseName) View {
	t.Helper()
	require.Eventually(t, func() bool { return s.View().Phase == want }, 2*time.Second, time.Millisecond,
		"phase: want %s, have %s", want, s.View().Phase)
	return s.View()
}

func waitQuiet(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ActiveActivities() == 0 }, 2*time.Second, time.Millisecond,
		"activities still running: %d", s.ActiveActivities())
}

// toPayment drives a fresh session to the Payment phase.
func toPayment(t *testing.T, s *Session) View {
	t.Helper()
	ctx := context.Background()
	check, err := s.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.True(t, check.Valid, check.Label)
	_, err = s.Confirm(ctx)
	require.NoError(t, err)
	return waitPhase(t, s, PhasePayment)
}

// toProcessing drives a fresh session to Processing.
func toProcessing(t *testing.T, s *Session, txHash string) View {
	t.Helper()
	toPayment(t, s)
	v, err := s.SubmitPayment(context.Background(), txHash)
	require.NoError(t, err)
	require.Equal(t, PhaseProcessing, v.Phase)
	return v
}
