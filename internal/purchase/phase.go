package purchase

import (
	"time"

	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/voucher"
)

// PhaseName identifies a phase on the wire and in metrics.
type PhaseName string

const (
	PhaseForm       PhaseName = "form"
	PhaseCreating   PhaseName = "creating"
	PhasePayment    PhaseName = "payment"
	PhaseProcessing PhaseName = "processing"
	PhaseSuccess    PhaseName = "success"
	PhaseError      PhaseName = "error"
)

// Terminal reports whether no further progress happens without a reset.
func (p PhaseName) Terminal() bool {
	return p == PhaseSuccess || p == PhaseError
}

// Phase is the closed set of session states. Each variant carries only
// the data valid in that phase: only Payment, Processing and Success hold
// an escrow.
type Phase interface {
	Name() PhaseName
	sealed()
}

// EscrowRecord is the escrow owned by a session.
type EscrowRecord struct {
	Address   string    `json:"contractAddress"`
	TxHash    string    `json:"txHash"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"createdAt"`
}

// Form collects the purchase request. Pending is set once a submission
// passed every check and awaits confirmation.
type Form struct {
	Pending *Request  `json:"pending,omitempty"`
	Check   FormCheck `json:"check"`
}

// Creating is waiting on the provisioning service. Attempt counts the
// retries made so far.
type Creating struct {
	Request Request `json:"request"`
	Attempt int     `json:"attempt"`
}

// Payment waits for the buyer to fund the escrow before Deadline.
type Payment struct {
	Escrow      EscrowRecord              `json:"escrow"`
	Deadline    time.Time                 `json:"deadline"`
	Remaining   time.Duration             `json:"-"`
	Instruction escrow.PaymentInstruction `json:"instruction"`
}

// Processing waits for either funding channel to confirm the escrow.
type Processing struct {
	Escrow      EscrowRecord `json:"escrow"`
	TxHash      string       `json:"txHash,omitempty"`
	TxConfirmed bool         `json:"txConfirmed"`
	ManualCheck bool         `json:"manualCheck"`
}

// Channel names the funding channel that confirmed a purchase.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
)

// Success is reached once funding is confirmed. Voucher is filled in when
// dispatch completes, whatever its outcome.
type Success struct {
	Escrow      EscrowRecord    `json:"escrow"`
	ConfirmedBy Channel         `json:"confirmedBy"`
	Voucher     *voucher.Record `json:"voucher,omitempty"`
}

// FailureKind classifies terminal errors.
type FailureKind string

const (
	FailureProvisioning FailureKind = "provisioning"
	FailureTimeout      FailureKind = "timeout"
	FailurePayment      FailureKind = "payment"
)

// Failed is the terminal error phase.
type Failed struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (Form) Name() PhaseName       { return PhaseForm }
func (Creating) Name() PhaseName   { return PhaseCreating }
func (Payment) Name() PhaseName    { return PhasePayment }
func (Processing) Name() PhaseName { return PhaseProcessing }
func (Success) Name() PhaseName    { return PhaseSuccess }
func (Failed) Name() PhaseName     { return PhaseError }

func (Form) sealed()       {}
func (Creating) sealed()   {}
func (Payment) sealed()    {}
func (Processing) sealed() {}
func (Success) sealed()    {}
func (Failed) sealed()     {}

const (
	msgPaymentTimeout = "payment timeout"
	msgPaymentFailed  = "payment transaction failed"
)

// View is a read-only snapshot of a session. Exactly one of the phase
// fields is set, matching Phase.
type View struct {
	ID               string      `json:"id"`
	Phase            PhaseName   `json:"phase"`
	Form             *Form       `json:"form,omitempty"`
	Creating         *Creating   `json:"creating,omitempty"`
	Payment          *Payment    `json:"payment,omitempty"`
	RemainingSeconds int         `json:"remainingSeconds,omitempty"`
	Processing       *Processing `json:"processing,omitempty"`
	Success          *Success    `json:"success,omitempty"`
	Error            *Failed     `json:"error,omitempty"`
	Confirmed        bool        `json:"fulfillmentConfirmed"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// State returns the phase variant held by the view.
func (v View) State() Phase {
	switch {
	case v.Creating != nil:
		return *v.Creating
	case v.Payment != nil:
		return *v.Payment
	case v.Processing != nil:
		return *v.Processing
	case v.Success != nil:
		return *v.Success
	case v.Error != nil:
		return *v.Error
	case v.Form != nil:
		return *v.Form
	}
	return Form{}
}

// Escrow returns the escrow held in the current phase, if any.
func (v View) Escrow() (EscrowRecord, bool) {
	switch {
	case v.Payment != nil:
		return v.Payment.Escrow, true
	case v.Processing != nil:
		return v.Processing.Escrow, true
	case v.Success != nil:
		return v.Success.Escrow, true
	}
	return EscrowRecord{}, false
}

func newView(id string, p Phase, confirmed bool, now time.Time) View {
	v := View{ID: id, Phase: p.Name(), Confirmed: confirmed, UpdatedAt: now}
	switch p := p.(type) {
	case Form:
		v.Form = &p
	case Creating:
		v.Creating = &p
	case Payment:
		v.Payment = &p
		v.RemainingSeconds = int((p.Remaining + time.Second - 1) / time.Second)
	case Processing:
		v.Processing = &p
	case Success:
		if p.Voucher != nil {
			rec := *p.Voucher
			p.Voucher = &rec
		}
		v.Success = &p
	case Failed:
		v.Error = &p
	}
	return v
}
