package mcpserver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mbd888/giftswap/internal/giftcard"
	"github.com/mbd888/giftswap/internal/purchase"
)

// Config holds the configuration for connecting to the giftswap API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	TokenID string // price feed token used when a tool call names none
	Timeout time.Duration
}

// APIClient is a thin HTTP client for the giftswap API.
type APIClient struct {
	cfg  Config
	http *resty.Client
}

// NewAPIClient creates a new client for the giftswap API.
func NewAPIClient(cfg Config) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &APIClient{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Success *bool  `json:"success"`
}

// PriceInfo mirrors the price endpoint response.
type PriceInfo struct {
	TokenID     string    `json:"tokenId"`
	Symbol      string    `json:"symbol"`
	Price       string    `json:"price"`
	Change      string    `json:"change"`
	Stale       bool      `json:"stale"`
	Error       string    `json:"error"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ContractStatus mirrors the contract-status endpoint response.
type ContractStatus struct {
	IsFulfilled bool   `json:"isFulfilled"`
	Amount      string `json:"amount"`
	Buyer       string `json:"buyer"`
	Owner       string `json:"owner"`
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, result any) error {
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetResult(result).SetError(&apiErr)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode(), msg)
	}
	return nil
}

// TokenPrice returns the cached USD quote for tokenID, or the configured
// default token when tokenID is empty.
func (c *APIClient) TokenPrice(ctx context.Context, tokenID string) (PriceInfo, error) {
	if tokenID == "" {
		tokenID = c.cfg.TokenID
	}
	var out PriceInfo
	err := c.do(ctx, "GET", "/v1/prices/"+url.PathEscape(tokenID), nil, &out)
	return out, err
}

// GiftCards lists the purchasable gift cards.
func (c *APIClient) GiftCards(ctx context.Context) ([]giftcard.Card, error) {
	var out struct {
		GiftCards []giftcard.Card `json:"giftCards"`
	}
	err := c.do(ctx, "GET", "/v1/giftcards", nil, &out)
	return out.GiftCards, err
}

// ContractStatus reads the on-chain state of an escrow contract.
func (c *APIClient) ContractStatus(ctx context.Context, address string) (ContractStatus, error) {
	var out ContractStatus
	err := c.do(ctx, "GET", "/api/contract-status", url.Values{"contractAddress": {address}}, &out)
	return out, err
}

// Purchase returns the current view of a purchase session.
func (c *APIClient) Purchase(ctx context.Context, id string) (purchase.View, error) {
	var out struct {
		Purchase purchase.View `json:"purchase"`
	}
	err := c.do(ctx, "GET", "/v1/purchases/"+url.PathEscape(id), nil, &out)
	return out.Purchase, err
}

// CheckPurchase asks a processing session to poll its escrow right away.
func (c *APIClient) CheckPurchase(ctx context.Context, id string) (purchase.View, error) {
	var out struct {
		Purchase purchase.View `json:"purchase"`
	}
	err := c.do(ctx, "POST", "/v1/purchases/"+url.PathEscape(id)+"/check", nil, &out)
	return out.Purchase, err
}
