package purchase

import "time"

// Policy is the timing and retry budget of a session.
type Policy struct {
	// MaxRetries is how many times a transient provisioning failure is
	// retried before the session fails.
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
	// PaymentWindow bounds the Payment phase only; Processing has no clock.
	PaymentWindow time.Duration
	// CountdownTick is how often Payment.Remaining is refreshed.
	CountdownTick time.Duration
	// RecheckDelay is the wait before the forced poll that follows a
	// confirmed payment transaction; GraceDelay the wait before the last one.
	RecheckDelay time.Duration
	GraceDelay   time.Duration
	// SessionTTL is how long an idle, inactive session is kept by Manager.
	SessionTTL time.Duration
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    2,
		RetryBackoff:  2 * time.Second,
		PollInterval:  3 * time.Second,
		PaymentWindow: 300 * time.Second,
		CountdownTick: time.Second,
		RecheckDelay:  10 * time.Second,
		GraceDelay:    30 * time.Second,
		SessionTTL:    30 * time.Minute,
	}
}

// withDefaults fills zero durations from DefaultPolicy. MaxRetries is
// taken as given: zero means a single provisioning attempt.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = d.RetryBackoff
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.PaymentWindow <= 0 {
		p.PaymentWindow = d.PaymentWindow
	}
	if p.CountdownTick <= 0 {
		p.CountdownTick = d.CountdownTick
	}
	if p.RecheckDelay <= 0 {
		p.RecheckDelay = d.RecheckDelay
	}
	if p.GraceDelay <= 0 {
		p.GraceDelay = d.GraceDelay
	}
	if p.SessionTTL <= 0 {
		p.SessionTTL = d.SessionTTL
	}
	return p
}
