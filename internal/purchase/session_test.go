package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/voucher"
)

func TestSession_StartsInForm(t *testing.T) {
	s := newHarness().session(t)
	v := s.View()
	assert.Equal(t, PhaseForm, v.Phase)
	assert.Equal(t, "sess-test", v.ID)
	assert.IsType(t, Form{}, v.State())
	assert.False(t, v.Confirmed)
	assert.Equal(t, 0, s.ActiveActivities())
}

func TestSession_SubmitInvalidStaysInForm(t *testing.T) {
	s := newHarness().session(t)
	req := validRequest()
	req.Email = "not-an-email"

	check, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, LabelFixEmail, check.Label)
	assert.Nil(t, s.View().Form.Pending)

	_, err = s.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, PhaseForm, s.View().Phase)
}

func TestSession_PriceErrorBlocksSubmission(t *testing.T) {
	h := newHarness()
	h.deps.Prices = fakePrices{err: errors.New("rate limited")}
	s := h.session(t)

	check, err := s.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, LabelPriceError, check.Label)
	_, err = s.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_HappyPathConfirmedByPoll(t *testing.T) {
	h := newHarness()
	h.deps.Watcher = nil
	h.policy.PollInterval = 5 * time.Millisecond
	s := h.session(t)

	pay := toPayment(t, s)
	require.NotNil(t, pay.Payment)
	assert.Equal(t, escrowAddr, pay.Payment.Escrow.Address)
	assert.Equal(t, createTx, pay.Payment.Escrow.TxHash)
	assert.Equal(t, escrowAddr, pay.Payment.Instruction.To)
	assert.Equal(t, "4000000000000000000", pay.Payment.Instruction.Value)
	assert.Equal(t, int64(1114), pay.Payment.Instruction.ChainID)
	assert.Equal(t, "AMAZON", pay.Payment.Escrow.Request.GiftCard)

	_, err := s.SubmitPayment(context.Background(), "")
	require.NoError(t, err)
	h.status.funded.Store(true)

	v := waitPhase(t, s, PhaseSuccess)
	assert.Equal(t, ChannelPoll, v.Success.ConfirmedBy)
	assert.True(t, v.Confirmed)

	require.Eventually(t, func() bool { return s.View().Success.Voucher != nil }, time.Second, time.Millisecond)
	assert.Equal(t, voucher.OutcomeSent, s.View().Success.Voucher.Outcome)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
	waitQuiet(t, s)
}

func TestSession_HappyPathConfirmedByPush(t *testing.T) {
	h := newHarness()
	s := h.session(t)
	toProcessing(t, s, "")

	require.Eventually(t, func() bool { return h.watcher.active.Load() == 1 }, time.Second, time.Millisecond)
	h.watcher.fire()

	v := waitPhase(t, s, PhaseSuccess)
	assert.Equal(t, ChannelPush, v.Success.ConfirmedBy)
	require.Eventually(t, func() bool { return h.watcher.active.Load() == 0 }, time.Second, time.Millisecond)
	waitQuiet(t, s)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
}

func TestSession_SimultaneousPushAndPollDispatchOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness()
		h.policy.PollInterval = time.Millisecond
		h.status.gate = make(chan struct{})
		h.status.funded.Store(true)
		s := NewSession("race", h.deps, h.policy)

		toProcessing(t, s, "")
		require.Eventually(t, func() bool {
			return h.watcher.active.Load() == 1 && h.status.inflight.Load() == 1
		}, time.Second, time.Millisecond)

		// Release the poll and fire the push in the same instant.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); close(h.status.gate) }()
		go func() { defer wg.Done(); h.watcher.fire() }()
		wg.Wait()

		waitPhase(t, s, PhaseSuccess)
		waitQuiet(t, s)
		assert.Equal(t, int32(1), h.dispatcher.calls.Load(), "iteration %d", i)
		s.Close()
	}
}

func TestSession_ProvisioningRetriesThenSucceeds(t *testing.T) {
	h := newHarness()
	h.prov.errs = []error{transient("connection reset"), transient("nonce too low")}
	s := h.session(t)

	v := toPayment(t, s)
	assert.Nil(t, v.Creating)

	calls := h.prov.callTimes()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), h.policy.RetryBackoff)
	}
}

func TestSession_ProvisioningRetriesExhausted(t *testing.T) {
	h := newHarness()
	h.prov.always = transient("rpc unavailable")
	s := h.session(t)

	_, err := s.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = s.Confirm(context.Background())
	require.NoError(t, err)

	v := waitPhase(t, s, PhaseError)
	assert.Equal(t, FailureProvisioning, v.Error.Kind)
	assert.Equal(t, "Failed to create gift contract: rpc unavailable", v.Error.Message)
	assert.Len(t, h.prov.callTimes(), 3)
	_, hasEscrow := v.Escrow()
	assert.False(t, hasEscrow)
	waitQuiet(t, s)
}

func TestSession_ZeroMaxRetriesProvisionsOnce(t *testing.T) {
	h := newHarness()
	h.policy.MaxRetries = 0
	h.prov.always = transient("rpc unavailable")
	s := h.session(t)

	_, err := s.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = s.Confirm(context.Background())
	require.NoError(t, err)

	v := waitPhase(t, s, PhaseError)
	assert.Equal(t, FailureProvisioning, v.Error.Kind)
	waitQuiet(t, s)
	assert.Len(t, h.prov.callTimes(), 1)
}

func TestSession_ProvisioningValidationIsNotRetried(t *testing.T) {
	h := newHarness()
	h.prov.always = &escrow.ProvisionError{Kind: escrow.KindValidation, Code: escrow.CodeInvalidArgument, Err: escrow.ErrInvalidEmail}
	s := h.session(t)

	_, err := s.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = s.Confirm(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := s.View()
		return v.Phase == PhaseForm && v.Form.Check.Message != ""
	}, time.Second, time.Millisecond)
	assert.Equal(t, LabelFixEmail, s.View().Form.Check.Label)
	assert.Len(t, h.prov.callTimes(), 1)
}

func TestSession_PaymentTimeout(t *testing.T) {
	h := newHarness()
	h.policy.PaymentWindow = 60 * time.Millisecond
	s := h.session(t)

	toPayment(t, s)
	v := waitPhase(t, s, PhaseError)
	assert.Equal(t, FailureTimeout, v.Error.Kind)
	assert.Equal(t, "payment timeout", v.Error.Message)
	_, hasEscrow := v.Escrow()
	assert.False(t, hasEscrow)
	waitQuiet(t, s)

	v, err := s.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseForm, v.Phase)
}

func TestSession_CountdownRunsOnlyInPayment(t *testing.T) {
	h := newHarness()
	h.policy.PaymentWindow = 10 * time.Second
	s := h.session(t)

	toPayment(t, s)
	require.Eventually(t, func() bool {
		p := s.View().Payment
		return p != nil && p.Remaining < 10*time.Second
	}, time.Second, time.Millisecond)
	assert.LessOrEqual(t, s.View().RemainingSeconds, 10)

	toProcessingFromPayment(t, s)
	// Only the push subscription and the poll loop remain.
	require.Eventually(t, func() bool { return s.ActiveActivities() == 2 }, time.Second, time.Millisecond)
}

func toProcessingFromPayment(t *testing.T, s *Session) {
	t.Helper()
	v, err := s.SubmitPayment(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, PhaseProcessing, v.Phase)
}

func TestSession_CancelDiscardsEscrow(t *testing.T) {
	h := newHarness()
	s := h.session(t)
	toPayment(t, s)

	v, err := s.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseForm, v.Phase)
	_, hasEscrow := v.Escrow()
	assert.False(t, hasEscrow)
	waitQuiet(t, s)

	// A new purchase provisions a new escrow.
	toPayment(t, s)
	assert.Len(t, h.prov.callTimes(), 2)
}

func TestSession_ResetFromProcessingLeavesNoActivities(t *testing.T) {
	h := newHarness()
	h.policy.PollInterval = 2 * time.Millisecond
	s := h.session(t)
	toProcessing(t, s, "")
	require.Eventually(t, func() bool { return h.watcher.active.Load() == 1 }, time.Second, time.Millisecond)

	v, err := s.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseForm, v.Phase)

	waitQuiet(t, s)
	assert.Equal(t, int32(0), h.watcher.active.Load())

	// The poll loop is gone, not just ignored.
	polls := h.status.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, h.status.calls.Load())

	// A late funding signal has nothing to act on.
	h.status.funded.Store(true)
	h.watcher.fire()
	assert.Equal(t, PhaseForm, s.View().Phase)
	assert.Equal(t, int32(0), h.dispatcher.calls.Load())
}

func TestSession_PaymentTxConfirmedSchedulesRecheckAndGrace(t *testing.T) {
	h := newHarness()
	h.deps.Receipts = &fakeWaiter{}
	s := h.session(t)
	toProcessing(t, s, paymentTx)

	require.Eventually(t, func() bool {
		p := s.View().Processing
		return p != nil && p.TxConfirmed && p.ManualCheck
	}, time.Second, time.Millisecond)
	// Recheck and grace polls.
	require.Eventually(t, func() bool { return h.status.calls.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, PhaseProcessing, s.View().Phase)

	h.status.funded.Store(true)
	_, err := s.CheckStatus(context.Background())
	require.NoError(t, err)

	v := waitPhase(t, s, PhaseSuccess)
	assert.Equal(t, ChannelPoll, v.Success.ConfirmedBy)
	assert.Equal(t, escrowAddr, v.Success.Escrow.Address)
}

func TestSession_RevertedPaymentFails(t *testing.T) {
	h := newHarness()
	h.deps.Receipts = &fakeWaiter{err: &chain.TxError{Op: "confirm", TxHash: paymentTx, Err: chain.ErrTransactionFailed}}
	s := h.session(t)
	toProcessing(t, s, paymentTx)

	v := waitPhase(t, s, PhaseError)
	assert.Equal(t, FailurePayment, v.Error.Kind)
	assert.Equal(t, "payment transaction failed", v.Error.Message)
	waitQuiet(t, s)
}

func TestSession_ReceiptTimeoutOffersManualCheck(t *testing.T) {
	h := newHarness()
	h.deps.Receipts = &fakeWaiter{err: chain.ErrTimeout}
	s := h.session(t)
	toProcessing(t, s, paymentTx)

	require.Eventually(t, func() bool {
		p := s.View().Processing
		return p != nil && p.ManualCheck && !p.TxConfirmed
	}, time.Second, time.Millisecond)
}

func TestSession_DispatchFailureKeepsSuccess(t *testing.T) {
	h := newHarness()
	h.dispatcher.err = errors.New("email api: status 400")
	s := h.session(t)
	toProcessing(t, s, "")
	require.Eventually(t, func() bool { return h.watcher.active.Load() == 1 }, time.Second, time.Millisecond)
	h.watcher.fire()

	waitPhase(t, s, PhaseSuccess)
	require.Eventually(t, func() bool { return s.View().Success.Voucher != nil }, time.Second, time.Millisecond)
	v := s.View()
	assert.Equal(t, PhaseSuccess, v.Phase)
	assert.Equal(t, voucher.OutcomeFailed, v.Success.Voucher.Outcome)
}

func TestSession_PushUnavailableFallsBackToPolling(t *testing.T) {
	h := newHarness()
	h.watcher.err = errors.New("notifications not supported")
	h.policy.PollInterval = 5 * time.Millisecond
	h.status.funded.Store(true)
	s := h.session(t)
	toProcessing(t, s, "")

	v := waitPhase(t, s, PhaseSuccess)
	assert.Equal(t, ChannelPoll, v.Success.ConfirmedBy)
}

func TestSession_InvalidTransitions(t *testing.T) {
	h := newHarness()
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Confirm(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.SubmitPayment(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Cancel(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.CheckStatus(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	toPayment(t, s)
	_, err = s.Submit(ctx, validRequest())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.SubmitPayment(ctx, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidTxHash)
	assert.Equal(t, PhasePayment, s.View().Phase)
}

func TestSession_ClosedRejectsCommands(t *testing.T) {
	h := newHarness()
	s := NewSession("closed", h.deps, h.policy)
	s.Close()
	s.Close()

	_, err := s.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrSessionClosed)
	<-s.Done()
}

func TestSession_ObserverSeesTransitions(t *testing.T) {
	h := newHarness()
	var (
		mu     sync.Mutex
		phases []PhaseName
	)
	s := NewSession("observed", h.deps, h.policy, WithObserver(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != v.Phase {
			phases = append(phases, v.Phase)
		}
	}))
	defer s.Close()

	toPayment(t, s)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []PhaseName{PhaseForm, PhaseCreating, PhasePayment}, phases)
}

func TestFulfillmentLatch_TripsOnce(t *testing.T) {
	var l fulfillmentLatch
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.trip() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, l.confirmed())
	assert.False(t, l.trip())
}
