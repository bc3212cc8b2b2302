package purchase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/logging"
	"github.com/mbd888/giftswap/internal/metrics"
	"github.com/mbd888/giftswap/internal/pricing"
	"github.com/mbd888/giftswap/internal/traces"
	"github.com/mbd888/giftswap/internal/validation"
	"github.com/mbd888/giftswap/internal/voucher"
)

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdConfirm
	cmdPayment
	cmdCancel
	cmdReset
	cmdCheck
)

type command struct {
	kind   cmdKind
	req    Request
	price  PriceStatus
	txHash string
	reply  chan reply
}

type reply struct {
	check FormCheck
	view  View
	err   error
}

// event is a result posted by an activity, tagged with the epoch of the
// scope that produced it.
type event struct {
	epoch   uint64
	payload any
}

type (
	provisioned struct {
		contract escrow.Contract
		err      error
	}
	countdownTick    struct{}
	countdownExpired struct{}
	funded           struct {
		channel Channel
	}
	watchEnded  struct{ err error }
	pollMissed  struct{ stage pollStage }
	receiptDone struct {
		receipt *chain.Receipt
		err     error
	}
	dispatched struct {
		record *voucher.Record
		err    error
	}
)

type pollStage int

const (
	stageInterval pollStage = iota
	stageRecheck
	stageGrace
	stageManual
)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithObserver registers fn to receive every published view. fn runs on
// the session loop and must not block.
func WithObserver(fn func(View)) SessionOption {
	return func(s *Session) { s.onChange = fn }
}

// WithSessionClock overrides the clock used for deadlines and views.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// Session is one buyer's purchase.
type Session struct {
	id       string
	deps     Deps
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
	onChange func(View)
	baseCtx  context.Context

	cmds      chan command
	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	acts      activities

	// Owned by the loop goroutine.
	phase           Phase
	scope           *scope
	epoch           uint64
	latch           *fulfillmentLatch
	processingSince time.Time

	mu   sync.RWMutex
	view View
}

// NewSession starts a session in the Form phase.
func NewSession(id string, deps Deps, policy Policy, opts ...SessionOption) *Session {
	deps = deps.withDefaults()
	s := &Session{
		id:     id,
		deps:   deps,
		policy: policy.withDefaults(),
		logger: deps.Logger.With("session_id", id),
		now:    time.Now,
		cmds:   make(chan command),
		events: make(chan event, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		latch:  &fulfillmentLatch{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx = logging.WithLogger(logging.WithSessionID(context.Background(), id), s.logger)
	s.enter(Form{})
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// View returns the latest snapshot.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// ActiveActivities is the number of timers, poll loops, subscriptions
// and in-flight calls still running for this session.
func (s *Session) ActiveActivities() int {
	return int(s.acts.running.Load())
}

// Submit checks req against a fresh price quote. A valid request becomes
// the pending purchase awaiting Confirm. An invalid one is not an error:
// the returned check says why.
func (s *Session) Submit(ctx context.Context, req Request) (FormCheck, error) {
	r, err := s.do(ctx, command{kind: cmdSubmit, req: req, price: s.priceStatus(ctx)})
	return r.check, err
}

// Confirm starts provisioning the pending purchase.
func (s *Session) Confirm(ctx context.Context) (View, error) {
	r, err := s.do(ctx, command{kind: cmdConfirm})
	return r.view, err
}

// SubmitPayment records that the buyer sent the funding transaction and
// starts watching for funding. txHash may be empty when unknown.
func (s *Session) SubmitPayment(ctx context.Context, txHash string) (View, error) {
	r, err := s.do(ctx, command{kind: cmdPayment, txHash: txHash})
	return r.view, err
}

// Cancel abandons an unpaid escrow and returns to the form.
func (s *Session) Cancel(ctx context.Context) (View, error) {
	r, err := s.do(ctx, command{kind: cmdCancel})
	return r.view, err
}

// Reset clears the session from any phase.
func (s *Session) Reset(ctx context.Context) (View, error) {
	r, err := s.do(ctx, command{kind: cmdReset})
	return r.view, err
}

// CheckStatus forces an immediate status poll while processing.
func (s *Session) CheckStatus(ctx context.Context) (View, error) {
	r, err := s.do(ctx, command{kind: cmdCheck})
	return r.view, err
}

// Close stops the loop and every activity. It is safe to call twice.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) do(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return reply{}, ErrSessionClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	r := <-cmd.reply
	return r, r.err
}

func (s *Session) priceStatus(ctx context.Context) PriceStatus {
	if s.deps.Prices == nil {
		return PriceStatus{Err: pricing.ErrNoPrice}
	}
	q, err := s.deps.Prices.Get(ctx, s.deps.TokenID)
	if err != nil {
		return PriceStatus{Err: err}
	}
	return PriceStatus{Quote: &q}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.scope.cancel()
			return
		case cmd := <-s.cmds:
			r := s.handleCommand(cmd)
			if r.err == nil {
				r.view = s.View()
			}
			cmd.reply <- r
		case ev := <-s.events:
			if ev.epoch != s.epoch {
				s.dropStale(ev.payload)
				continue
			}
			s.handleEvent(ev.payload)
		}
	}
}

// enter leaves the current phase, cancelling its activities, and opens a
// fresh scope for p.
func (s *Session) enter(p Phase) {
	if s.scope != nil {
		s.scope.cancel()
	}
	s.epoch++
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.scope = &scope{ctx: ctx, cancel: cancel, epoch: s.epoch}
	s.phase = p
	metrics.PhaseTransitionsTotal.WithLabelValues(string(p.Name())).Inc()
	s.logger.Debug("purchase phase entered", "phase", p.Name())
	s.publish()
}

// update replaces the phase data without leaving the phase.
func (s *Session) update(p Phase) {
	s.phase = p
	s.publish()
}

func (s *Session) publish() {
	v := newView(s.id, s.phase, s.latch.confirmed(), s.now())
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(v)
	}
}

// post delivers an activity result to the loop unless the activity's
// scope or the session has ended.
func (s *Session) post(sc *scope, payload any) {
	select {
	case s.events <- event{epoch: sc.epoch, payload: payload}:
	case <-sc.ctx.Done():
	case <-s.quit:
	}
}

// sleep waits d or until ctx ends, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) handleCommand(cmd command) reply {
	switch cmd.kind {
	case cmdSubmit:
		if _, ok := s.phase.(Form); !ok {
			return reply{err: ErrInvalidTransition}
		}
		check := CheckForm(cmd.req, cmd.price, s.deps.Catalog)
		f := Form{Check: check}
		if check.Valid {
			req := cmd.req.normalized()
			f.Pending = &req
		}
		s.update(f)
		return reply{check: check}

	case cmdConfirm:
		f, ok := s.phase.(Form)
		if !ok || f.Pending == nil {
			return reply{err: ErrInvalidTransition}
		}
		req := *f.Pending
		s.enter(Creating{Request: req})
		s.provision(req, 0)

	case cmdPayment:
		p, ok := s.phase.(Payment)
		if !ok {
			return reply{err: ErrInvalidTransition}
		}
		if cmd.txHash != "" && !validation.IsValidTxHash(cmd.txHash) {
			return reply{err: ErrInvalidTxHash}
		}
		s.enterProcessing(p.Escrow, cmd.txHash)

	case cmdCancel:
		p, ok := s.phase.(Payment)
		if !ok {
			return reply{err: ErrInvalidTransition}
		}
		s.logger.Info("purchase cancelled, escrow discarded", "escrow", p.Escrow.Address)
		s.enter(Form{})

	case cmdReset:
		s.latch = &fulfillmentLatch{}
		s.enter(Form{})

	case cmdCheck:
		pr, ok := s.phase.(Processing)
		if !ok {
			return reply{err: ErrInvalidTransition}
		}
		s.forcePoll(pr.Escrow.Address, stageManual, 0)
	}
	return reply{}
}

func (s *Session) handleEvent(payload any) {
	switch ev := payload.(type) {
	case provisioned:
		if cr, ok := s.phase.(Creating); ok {
			s.onProvisioned(cr, ev)
		}
	case countdownTick:
		if p, ok := s.phase.(Payment); ok {
			p.Remaining = max(p.Deadline.Sub(s.now()), 0)
			s.update(p)
		}
	case countdownExpired:
		if p, ok := s.phase.(Payment); ok {
			metrics.PaymentTimeoutsTotal.Inc()
			s.logger.Warn("payment window expired, escrow discarded", "escrow", p.Escrow.Address)
			s.enter(Failed{Kind: FailureTimeout, Message: msgPaymentTimeout})
		}
	case funded:
		if pr, ok := s.phase.(Processing); ok {
			s.onFunded(pr, ev.channel)
		}
	case watchEnded:
		s.logger.Warn("funding subscription unavailable, relying on polling", "error", ev.err)
	case pollMissed:
		if pr, ok := s.phase.(Processing); ok {
			s.onPollMissed(pr, ev.stage)
		}
	case receiptDone:
		if pr, ok := s.phase.(Processing); ok {
			s.onReceipt(pr, ev)
		}
	case dispatched:
		if sc, ok := s.phase.(Success); ok && ev.record != nil {
			sc.Voucher = ev.record
			s.update(sc)
		}
	}
}

func (s *Session) dropStale(payload any) {
	if ev, ok := payload.(funded); ok {
		metrics.DuplicateConfirmationsTotal.WithLabelValues(string(ev.channel)).Inc()
		s.logger.Debug("duplicate funding signal ignored", "channel", ev.channel)
	}
}

// --- Creating ---

func (s *Session) provision(req Request, delay time.Duration) {
	sc := s.scope
	s.acts.spawn(sc, func(ctx context.Context) {
		if delay > 0 && !sleep(ctx, delay) {
			return
		}
		ctx, span := traces.StartSpan(ctx, "purchase.provision", traces.SessionID(s.id))
		defer span.End()

		contract, err := s.deps.Provisioner.CreateEscrow(ctx, escrow.CreateRequest{
			BuyerAddress: req.BuyerAddress,
			Amount:       req.Amount,
			Email:        req.Email,
		})
		if err != nil {
			traces.RecordError(span, err)
		}
		s.post(sc, provisioned{contract: contract, err: err})
	})
}

func (s *Session) onProvisioned(cr Creating, ev provisioned) {
	if ev.err == nil {
		metrics.ProvisioningAttemptsTotal.WithLabelValues("success").Inc()
		s.enterPayment(cr.Request, ev.contract)
		return
	}

	var pe *escrow.ProvisionError
	if errors.As(ev.err, &pe) && pe.Kind == escrow.KindValidation {
		metrics.ProvisioningAttemptsTotal.WithLabelValues("fatal").Inc()
		s.logger.Warn("escrow request rejected", "error", ev.err)
		s.enter(Form{Check: FormCheck{Label: labelFor(ev.err), Message: provisionMessage(ev.err)}})
		return
	}

	if escrow.IsTransient(ev.err) && cr.Attempt < s.policy.MaxRetries {
		metrics.ProvisioningAttemptsTotal.WithLabelValues("transient").Inc()
		s.logger.Warn("escrow provisioning failed, retrying",
			"attempt", cr.Attempt+1,
			"backoff", s.policy.RetryBackoff,
			"error", ev.err,
		)
		cr.Attempt++
		s.update(cr)
		s.provision(cr.Request, s.policy.RetryBackoff)
		return
	}

	metrics.ProvisioningAttemptsTotal.WithLabelValues("exhausted").Inc()
	s.logger.Error("escrow provisioning failed", "attempts", cr.Attempt+1, "error", ev.err)
	s.enter(Failed{Kind: FailureProvisioning, Message: "Failed to create gift contract: " + provisionMessage(ev.err)})
}

func provisionMessage(err error) string {
	var pe *escrow.ProvisionError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}

func labelFor(err error) string {
	switch {
	case errors.Is(err, escrow.ErrInvalidAddress):
		return LabelConnectWallet
	case errors.Is(err, escrow.ErrInvalidEmail):
		return LabelFixEmail
	default:
		return LabelEnterAmount
	}
}

// --- Payment ---

func (s *Session) enterPayment(req Request, contract escrow.Contract) {
	now := s.now()
	instr, err := escrow.NewPaymentInstruction(contract.Address, req.Amount, s.deps.ChainID)
	if err != nil {
		s.logger.Error("cannot build payment instruction", "escrow", contract.Address, "error", err)
	}
	s.enter(Payment{
		Escrow: EscrowRecord{
			Address:   contract.Address,
			TxHash:    contract.TxHash,
			Request:   req,
			CreatedAt: now,
		},
		Deadline:    now.Add(s.policy.PaymentWindow),
		Remaining:   s.policy.PaymentWindow,
		Instruction: instr,
	})
	s.logger.Info("escrow ready for payment", "escrow", contract.Address)

	sc := s.scope
	s.acts.spawn(sc, func(ctx context.Context) {
		ticker := time.NewTicker(s.policy.CountdownTick)
		defer ticker.Stop()
		expiry := time.NewTimer(s.policy.PaymentWindow)
		defer expiry.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-expiry.C:
				s.post(sc, countdownExpired{})
				return
			case <-ticker.C:
				s.post(sc, countdownTick{})
			}
		}
	})
}

// --- Processing ---

func (s *Session) enterProcessing(rec EscrowRecord, txHash string) {
	s.latch = &fulfillmentLatch{}
	s.processingSince = s.now()
	s.enter(Processing{Escrow: rec, TxHash: txHash})
	sc := s.scope
	addr := rec.Address

	if s.deps.Watcher != nil {
		s.acts.spawn(sc, func(ctx context.Context) {
			err := s.deps.Watcher.WatchFunding(ctx, addr, func(escrow.FundingEvent) {
				s.post(sc, funded{channel: ChannelPush})
			})
			if err != nil && ctx.Err() == nil {
				s.post(sc, watchEnded{err: err})
			}
		})
	}

	s.acts.spawn(sc, func(ctx context.Context) {
		ticker := time.NewTicker(s.policy.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.poll(ctx, sc, addr, stageInterval) {
					return
				}
			}
		}
	})

	if txHash != "" && s.deps.Receipts != nil {
		s.acts.spawn(sc, func(ctx context.Context) {
			receipt, err := s.deps.Receipts.Wait(ctx, txHash)
			if ctx.Err() != nil {
				return
			}
			s.post(sc, receiptDone{receipt: receipt, err: err})
		})
	}
}

// poll queries the escrow once and reports whether it was funded.
func (s *Session) poll(ctx context.Context, sc *scope, addr string, stage pollStage) bool {
	ctx, span := traces.StartSpan(ctx, "purchase.poll",
		traces.SessionID(s.id),
		traces.Channel(string(ChannelPoll)),
	)
	defer span.End()

	st, err := s.deps.Status.Status(ctx, addr)
	switch {
	case ctx.Err() != nil:
		return false
	case err != nil:
		metrics.StatusPollsTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		s.logger.Warn("escrow status poll failed", "escrow", addr, "error", err)
	case st.IsFulfilled:
		metrics.StatusPollsTotal.WithLabelValues("funded").Inc()
		s.post(sc, funded{channel: ChannelPoll})
		return true
	default:
		metrics.StatusPollsTotal.WithLabelValues("pending").Inc()
	}
	if stage != stageInterval {
		s.post(sc, pollMissed{stage: stage})
	}
	return false
}

func (s *Session) forcePoll(addr string, stage pollStage, delay time.Duration) {
	sc := s.scope
	s.acts.spawn(sc, func(ctx context.Context) {
		if delay > 0 && !sleep(ctx, delay) {
			return
		}
		s.poll(ctx, sc, addr, stage)
	})
}

func (s *Session) onPollMissed(pr Processing, stage pollStage) {
	switch stage {
	case stageRecheck:
		s.logger.Info("payment confirmed but escrow not yet funded", "escrow", pr.Escrow.Address)
		pr.ManualCheck = true
		s.update(pr)
		s.forcePoll(pr.Escrow.Address, stageGrace, s.policy.GraceDelay)
	case stageGrace:
		s.logger.Warn("escrow still unfunded after grace period", "escrow", pr.Escrow.Address)
	}
}

func (s *Session) onReceipt(pr Processing, ev receiptDone) {
	switch {
	case errors.Is(ev.err, chain.ErrTransactionFailed):
		s.logger.Error("payment transaction reverted", "escrow", pr.Escrow.Address, "tx", pr.TxHash)
		s.enter(Failed{Kind: FailurePayment, Message: msgPaymentFailed})
	case ev.err != nil:
		s.logger.Warn("payment transaction not confirmed", "tx", pr.TxHash, "error", ev.err)
		pr.ManualCheck = true
		s.update(pr)
	default:
		pr.TxConfirmed = true
		s.update(pr)
		s.forcePoll(pr.Escrow.Address, stageRecheck, s.policy.RecheckDelay)
	}
}

func (s *Session) onFunded(pr Processing, ch Channel) {
	if !s.latch.trip() {
		metrics.DuplicateConfirmationsTotal.WithLabelValues(string(ch)).Inc()
		return
	}
	metrics.ConfirmationsTotal.WithLabelValues(string(ch)).Inc()
	metrics.PurchaseDuration.Observe(s.now().Sub(s.processingSince).Seconds())
	s.logger.Info("escrow funding confirmed", "escrow", pr.Escrow.Address, "channel", ch)

	s.enter(Success{Escrow: pr.Escrow, ConfirmedBy: ch})
	s.dispatch(pr.Escrow.Request)
}

// --- Success ---

func (s *Session) dispatch(req Request) {
	if s.deps.Vouchers == nil {
		return
	}
	sc := s.scope
	s.acts.spawn(sc, func(ctx context.Context) {
		// Funding is confirmed; a reset must not abort the send.
		ctx = voucher.WithReference(context.WithoutCancel(ctx), s.id)
		ctx, span := traces.StartSpan(ctx, "purchase.dispatch", traces.SessionID(s.id))
		defer span.End()

		rec, err := s.deps.Vouchers.Dispatch(ctx, req.GiftCard, req.Email)
		if err != nil {
			traces.RecordError(span, err)
			s.logger.Warn("voucher dispatch failed, purchase stands", "error", err)
		}
		s.post(sc, dispatched{record: rec, err: err})
	})
}
