// Package escrow provisions per-purchase escrow contracts and reads their
// funding status.
//
// Three backends implement the same Provisioner and StatusReader
// contracts: ChainBackend talks to the factory and escrow contracts over
// JSON-RPC, RemoteClient calls a provisioning service over HTTP, and
// Simulator keeps escrows in memory for local development and tests.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/giftswap/internal/tokenamount"
	"github.com/mbd888/giftswap/internal/validation"
)

var (
	ErrMissingFields   = errors.New("escrow: missing required fields: buyerAddress, amount, email")
	ErrInvalidAddress  = errors.New("escrow: invalid buyer address")
	ErrInvalidAmount   = errors.New("escrow: invalid amount")
	ErrInvalidEmail    = errors.New("escrow: invalid email address")
	ErrInvalidContract = errors.New("escrow: invalid contract address")
	ErrNoContract      = errors.New("escrow: no escrow contract at address")
	ErrCreatedEvent    = errors.New("escrow: creation event not found in receipt")
)

// ErrorKind classifies provisioning failures.
type ErrorKind string

const (
	// KindValidation is a malformed request. Never retried.
	KindValidation ErrorKind = "validation"
	// KindUpstream is a network, RPC or chain failure. Retryable.
	KindUpstream ErrorKind = "upstream"
)

// Error codes surfaced in provisioning responses.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNetworkError    = "NETWORK_ERROR"
	CodeTxFailed        = "TRANSACTION_FAILED"
	CodeEventNotFound   = "EVENT_NOT_FOUND"
	CodeTimeout         = "TIMEOUT"
	CodeUnknown         = "UNKNOWN_ERROR"
)

// ProvisionError is returned by every Provisioner.
type ProvisionError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("escrow: %s error: %v", e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

func validationError(err error) error {
	return &ProvisionError{Kind: KindValidation, Code: CodeInvalidArgument, Err: err}
}

func upstreamError(code string, err error) error {
	return &ProvisionError{Kind: KindUpstream, Code: code, Err: err}
}

// IsTransient reports whether a provisioning failure may succeed on retry.
// Validation failures and caller cancellation are not transient; anything
// unclassified is treated as upstream.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind == KindUpstream
	}
	return true
}

// CreateRequest is the input to CreateEscrow. Amount is a decimal token
// string ("12.5"); the buyer is expected to pay exactly that much.
type CreateRequest struct {
	BuyerAddress string `json:"buyerAddress"`
	Amount       string `json:"amount"`
	Email        string `json:"email"`
}

// Validate checks the request shape before any upstream call.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.BuyerAddress) == "" || strings.TrimSpace(r.Amount) == "" || strings.TrimSpace(r.Email) == "" {
		return validationError(ErrMissingFields)
	}
	if !validation.IsValidEthAddress(r.BuyerAddress) {
		return validationError(ErrInvalidAddress)
	}
	if _, err := tokenamount.ParseWei(r.Amount); err != nil {
		return validationError(fmt.Errorf("%w: %v", ErrInvalidAmount, err))
	}
	if !validation.IsValidEmail(r.Email) {
		return validationError(ErrInvalidEmail)
	}
	return nil
}

// Contract identifies a freshly deployed escrow.
type Contract struct {
	Address string `json:"contractAddress"`
	TxHash  string `json:"txHash"`
}

// Status is the on-chain state of one escrow.
type Status struct {
	Address     string   `json:"contractAddress"`
	IsFulfilled bool     `json:"isFulfilled"`
	Amount      *big.Int `json:"amount"`
	Buyer       string   `json:"buyer"`
	Owner       string   `json:"owner"`
}

// FundingEvent is one "funds received" notification from an escrow.
type FundingEvent struct {
	Address     string    `json:"contractAddress"`
	Payer       string    `json:"payer"`
	Amount      *big.Int  `json:"amount"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Provisioner deploys a new escrow for a purchase.
type Provisioner interface {
	CreateEscrow(ctx context.Context, req CreateRequest) (Contract, error)
}

// StatusReader reads the funding status of an escrow.
type StatusReader interface {
	Status(ctx context.Context, address string) (Status, error)
}

// PaymentInstruction is what the buyer's wallet needs to fund an escrow:
// call fulfill() on To with Value wei attached.
type PaymentInstruction struct {
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	ChainID int64  `json:"chainId"`
}

// NewPaymentInstruction builds the fulfill() call for an escrow.
func NewPaymentInstruction(address, amount string, chainID int64) (PaymentInstruction, error) {
	wei, err := tokenamount.ParseWei(amount)
	if err != nil {
		return PaymentInstruction{}, err
	}
	return PaymentInstruction{
		To:      address,
		Value:   wei.String(),
		Data:    fulfillCalldata(),
		ChainID: chainID,
	}, nil
}
