// Package voucher generates gift-card redemption codes and delivers them
// to buyers by email.
//
// Delivery is best-effort: by the time a voucher is dispatched the escrow
// has already been funded, so a failed send is recorded and logged but
// never undoes the purchase.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/giftswap/internal/idgen"
	"github.com/mbd888/giftswap/internal/metrics"
	"github.com/mbd888/giftswap/internal/traces"
	"github.com/mbd888/giftswap/internal/validation"
)

var (
	ErrNotFound     = errors.New("voucher: not found")
	ErrInvalidEmail = errors.New("voucher: invalid email")
	ErrMissingBrand = errors.New("voucher: missing brand")
)

// Outcome is the delivery result of a dispatch.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// Record is the persisted result of one dispatch.
type Record struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference,omitempty"` // purchase session id
	Code      string    `json:"voucherCode"`
	Brand     string    `json:"brand"`
	Email     string    `json:"email"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is what a Sender delivers.
type Message struct {
	Brand       string
	VoucherCode string
	ToEmail     string
}

// Sender delivers a voucher message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Store persists dispatch records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByEmail(ctx context.Context, email string, limit int) ([]*Record, error)
}

type referenceKey struct{}

// WithReference tags dispatches made under ctx with a reference, usually
// the purchase session id.
func WithReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, referenceKey{}, ref)
}

func referenceFrom(ctx context.Context) string {
	ref, _ := ctx.Value(referenceKey{}).(string)
	return ref
}

// Dispatcher generates a code, sends it and records the outcome.
type Dispatcher struct {
	sender Sender
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. A nil store keeps no records.
func NewDispatcher(sender Sender, store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, store: store, logger: logger, now: time.Now}
}

// Dispatch sends a fresh voucher for brand to email. The send is attempted
// exactly once. On delivery failure the returned record still carries the
// generated code and OutcomeFailed, alongside the error.
func (d *Dispatcher) Dispatch(ctx context.Context, brand, email string) (*Record, error) {
	brand = strings.TrimSpace(brand)
	if brand == "" {
		return nil, ErrMissingBrand
	}
	if !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	ctx, span := traces.StartSpan(ctx, "voucher.Dispatch")
	defer span.End()

	rec := &Record{
		ID:        idgen.WithPrefix("vch_"),
		Reference: referenceFrom(ctx),
		Code:      NewCode(),
		Brand:     brand,
		Email:     strings.ToLower(email),
		Outcome:   OutcomeSent,
		CreatedAt: d.now(),
	}

	sendErr := d.sender.Send(ctx, Message{Brand: brand, VoucherCode: rec.Code, ToEmail: email})
	if sendErr != nil {
		rec.Outcome = OutcomeFailed
		rec.Error = sendErr.Error()
		traces.RecordError(span, sendErr)
		d.logger.Warn("voucher delivery failed",
			"voucher", rec.ID,
			"brand", brand,
			"reference", rec.Reference,
			"error", sendErr,
		)
	} else {
		d.logger.Info("voucher sent", "voucher", rec.ID, "brand", brand, "reference", rec.Reference)
	}
	metrics.VoucherDispatchTotal.WithLabelValues(string(rec.Outcome)).Inc()

	if d.store != nil {
		// The record outlives a cancelled purchase context.
		if err := d.store.Create(context.WithoutCancel(ctx), rec); err != nil {
			d.logger.Error("failed to store voucher record", "voucher", rec.ID, "error", err)
		}
	}

	if sendErr != nil {
		return rec, fmt.Errorf("voucher: send: %w", sendErr)
	}
	return rec, nil
}

// Get returns a stored record.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Record, error) {
	if d.store == nil {
		return nil, ErrNotFound
	}
	return d.store.Get(ctx, id)
}

// ListByEmail returns the newest records for email.
func (d *Dispatcher) ListByEmail(ctx context.Context, email string, limit int) ([]*Record, error) {
	if d.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return d.store.ListByEmail(ctx, strings.ToLower(email), limit)
}
