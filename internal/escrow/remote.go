package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteClient talks to a provisioning service exposing
// POST /api/create-contract and POST /api/contract-status.
type RemoteClient struct {
	http *resty.Client
}

// NewRemoteClient creates a client for the service at baseURL.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute // escrow creation waits for a block
	}
	return &RemoteClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type createResponse struct {
	Success         bool   `json:"success"`
	ContractAddress string `json:"contractAddress"`
	TxHash          string `json:"txHash"`
	Error           string `json:"error"`
	Code            string `json:"code"`
}

type statusResponse struct {
	Success     bool   `json:"success"`
	IsFulfilled bool   `json:"isFulfilled"`
	Amount      string `json:"amount"`
	Buyer       string `json:"buyer"`
	Owner       string `json:"owner"`
	Error       string `json:"error"`
}

// CreateEscrow implements Provisioner.
func (c *RemoteClient) CreateEscrow(ctx context.Context, req CreateRequest) (Contract, error) {
	if err := req.Validate(); err != nil {
		return Contract{}, err
	}

	var body createResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		SetError(&body).
		Post("/api/create-contract")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Contract{}, err
		}
		return Contract{}, upstreamError(CodeNetworkError, err)
	}

	if resp.IsSuccess() && body.Success && body.ContractAddress != "" {
		return Contract{Address: body.ContractAddress, TxHash: body.TxHash}, nil
	}

	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("provisioning service returned status %d", resp.StatusCode())
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return Contract{}, validationError(errors.New(msg))
	}
	code := body.Code
	if code == "" {
		code = CodeUnknown
	}
	return Contract{}, upstreamError(code, errors.New(msg))
}

// Status implements StatusReader.
func (c *RemoteClient) Status(ctx context.Context, address string) (Status, error) {
	var body statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"contractAddress": address}).
		SetResult(&body).
		SetError(&body).
		Post("/api/contract-status")
	if err != nil {
		return Status{}, fmt.Errorf("contract status: %w", err)
	}
	if !resp.IsSuccess() || !body.Success {
		msg := body.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return Status{}, fmt.Errorf("contract status: %s", msg)
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		amount = new(big.Int)
	}
	return Status{
		Address:     address,
		IsFulfilled: body.IsFulfilled,
		Amount:      amount,
		Buyer:       body.Buyer,
		Owner:       body.Owner,
	}, nil
}
