package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/mbd888/giftswap/internal/retry"
)

// CoinGecko fetches quotes from the CoinGecko v3 coins endpoint.
type CoinGecko struct {
	client   *resty.Client
	attempts int
}

type coinResponse struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	MarketData struct {
		CurrentPrice struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"current_price"`
		PriceChangePercentage24h decimal.Decimal `json:"price_change_percentage_24h"`
		LastUpdated              time.Time       `json:"last_updated"`
	} `json:"market_data"`
}

// NewCoinGecko builds a source against baseURL (e.g.
// "https://api.coingecko.com/api/v3"). apiKey may be empty.
func NewCoinGecko(baseURL, apiKey string) *CoinGecko {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(5*time.Second).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("x-cg-demo-api-key", apiKey)
	}
	return &CoinGecko{client: client, attempts: 2}
}

// Fetch implements Source.
func (g *CoinGecko) Fetch(ctx context.Context, tokenID string) (Quote, error) {
	var body coinResponse

	err := retry.Do(ctx, g.attempts, 250*time.Millisecond, func() error {
		resp, err := g.client.R().
			SetContext(ctx).
			SetPathParam("id", tokenID).
			SetQueryParams(map[string]string{
				"localization":   "false",
				"tickers":        "false",
				"market_data":    "true",
				"community_data": "false",
				"developer_data": "false",
				"sparkline":      "false",
			}).
			SetResult(&body).
			Get("/coins/{id}")
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		switch {
		case resp.StatusCode() == http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, tokenID))
		case resp.StatusCode() == http.StatusTooManyRequests, resp.StatusCode() >= 500:
			return fmt.Errorf("price API returned status %d", resp.StatusCode())
		case resp.IsError():
			return retry.Permanent(fmt.Errorf("price API returned status %d", resp.StatusCode()))
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	price := body.MarketData.CurrentPrice.USD
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("invalid price returned for %s: %s", tokenID, price)
	}

	return Quote{
		TokenID:     body.ID,
		Symbol:      strings.ToUpper(body.Symbol),
		PriceUSD:    price,
		Change24h:   body.MarketData.PriceChangePercentage24h,
		LastUpdated: body.MarketData.LastUpdated,
	}, nil
}
