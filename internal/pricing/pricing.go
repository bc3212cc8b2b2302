// Package pricing converts token amounts into USD and gift-card values.
//
// All arithmetic uses decimal.Decimal; float64 never touches a price.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/giftswap/internal/tokenamount"
)

var (
	// MinimumUSD is the smallest purchase accepted, in USD.
	MinimumUSD = decimal.RequireFromString("0.50")

	// FeeRate is the service fee withheld from the gift-card value.
	FeeRate = decimal.RequireFromString("0.05")
)

var (
	ErrNoPrice       = errors.New("pricing: no usable price")
	ErrBelowMinimum  = errors.New("pricing: purchase below minimum value")
	ErrInvalidAmount = errors.New("pricing: invalid token amount")
)

// Valuation is the USD breakdown of a token amount at a given price.
type Valuation struct {
	Amount        decimal.Decimal `json:"amount"`
	PriceUSD      decimal.Decimal `json:"priceUsd"`
	USDValue      decimal.Decimal `json:"usdValue"`
	Fee           decimal.Decimal `json:"fee"`
	GiftCardValue decimal.Decimal `json:"giftCardValue"`
}

// MeetsMinimum reports whether the USD value reaches MinimumUSD.
func (v Valuation) MeetsMinimum() bool {
	return v.USDValue.GreaterThanOrEqual(MinimumUSD)
}

// Value prices amount (a decimal token string) at priceUSD per token.
func Value(amount string, priceUSD decimal.Decimal) (Valuation, error) {
	if _, err := tokenamount.ParseWei(amount); err != nil {
		return Valuation{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !priceUSD.IsPositive() {
		return Valuation{}, ErrNoPrice
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Valuation{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	usd := amt.Mul(priceUSD)
	fee := usd.Mul(FeeRate)
	return Valuation{
		Amount:        amt,
		PriceUSD:      priceUSD,
		USDValue:      usd,
		Fee:           fee,
		GiftCardValue: usd.Sub(fee),
	}, nil
}

// Check values the amount and rejects it below the minimum.
func Check(amount string, priceUSD decimal.Decimal) (Valuation, error) {
	v, err := Value(amount, priceUSD)
	if err != nil {
		return v, err
	}
	if !v.MeetsMinimum() {
		return v, ErrBelowMinimum
	}
	return v, nil
}

// FormatUSD renders a dollar amount with two decimals ("$4.75").
func FormatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// FormatPrice renders a token price with precision scaled to its magnitude.
func FormatPrice(price decimal.Decimal) string {
	switch {
	case price.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return "$" + price.StringFixed(2)
	case price.GreaterThanOrEqual(decimal.RequireFromString("0.01")):
		return "$" + price.StringFixed(4)
	default:
		return "$" + price.StringFixed(6)
	}
}

// FormatChange renders a 24h percent change with an explicit sign ("+1.25%").
func FormatChange(pct decimal.Decimal) string {
	s := pct.StringFixed(2)
	if !pct.IsNegative() {
		s = "+" + s
	}
	return s + "%"
}
