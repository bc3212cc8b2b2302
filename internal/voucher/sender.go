package voucher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mbd888/giftswap/internal/circuitbreaker"
)

// EmailConfig configures the templated-send API.
type EmailConfig struct {
	APIURL     string
	ServiceID  string
	TemplateID string
	PublicKey  string
	PrivateKey string
	Timeout    time.Duration
}

// EmailSender posts voucher messages to an EmailJS-compatible
// templated-send endpoint. It never retries: a retried send after an
// ambiguous failure could mail the buyer twice.
type EmailSender struct {
	cfg  EmailConfig
	http *resty.Client
}

// NewEmailSender creates a sender for cfg.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &EmailSender{
		cfg: cfg,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type templateParams struct {
	Brand       string `json:"brand"`
	VoucherCode string `json:"voucher_code"`
	ToEmail     string `json:"to_email"`
}

type sendRequest struct {
	ServiceID      string         `json:"service_id"`
	TemplateID     string         `json:"template_id"`
	UserID         string         `json:"user_id"`
	AccessToken    string         `json:"accessToken,omitempty"`
	TemplateParams templateParams `json:"template_params"`
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(sendRequest{
			ServiceID:   s.cfg.ServiceID,
			TemplateID:  s.cfg.TemplateID,
			UserID:      s.cfg.PublicKey,
			AccessToken: s.cfg.PrivateKey,
			TemplateParams: templateParams{
				Brand:       msg.Brand,
				VoucherCode: msg.VoucherCode,
				ToEmail:     msg.ToEmail,
			},
		}).
		Post(s.cfg.APIURL)
	if err != nil {
		return fmt.Errorf("email api: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("email api: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// LogSender writes vouchers to the log instead of mailing them. Used in
// development when no email API is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("voucher email (not sent)",
		"brand", msg.Brand,
		"to", msg.ToEmail,
		"code", msg.VoucherCode,
	)
	return nil
}

// GuardedSender fails fast with circuitbreaker.ErrOpen while the email
// API is tripped, so a dead provider does not hold every dispatch for the
// full request timeout.
type GuardedSender struct {
	Sender  Sender
	Breaker *circuitbreaker.Breaker
}

// Send implements Sender.
func (g GuardedSender) Send(ctx context.Context, msg Message) error {
	return g.Breaker.Do("email", func() error {
		return g.Sender.Send(ctx, msg)
	})
}
