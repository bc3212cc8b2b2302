package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValue_HundredTokensAtFiveCents(t *testing.T) {
	v, err := Value("100", d("0.05"))
	require.NoError(t, err)

	assert.Equal(t, "$5.00", FormatUSD(v.USDValue))
	assert.Equal(t, "$0.25", FormatUSD(v.Fee))
	assert.Equal(t, "$4.75", FormatUSD(v.GiftCardValue))
	assert.True(t, v.MeetsMinimum())
}

func TestCheck_BelowMinimum(t *testing.T) {
	v, err := Check("10", d("0.04"))
	require.ErrorIs(t, err, ErrBelowMinimum)
	assert.Equal(t, "$0.40", FormatUSD(v.USDValue))
	assert.False(t, v.MeetsMinimum())
}

func TestCheck_Boundary(t *testing.T) {
	tests := []struct {
		amount string
		price  string
		ok     bool
	}{
		{"10", "0.05", true},   // exactly $0.50
		{"9.99", "0.05", false}, // $0.4995
		{"1", "0.50", true},
		{"0.5", "0.999", false},
		{"1000", "0.0005", true},
	}
	for _, tt := range tests {
		_, err := Check(tt.amount, d(tt.price))
		if tt.ok {
			assert.NoError(t, err, "%s @ %s", tt.amount, tt.price)
		} else {
			assert.ErrorIs(t, err, ErrBelowMinimum, "%s @ %s", tt.amount, tt.price)
		}
	}
}

func TestValue_Rejects(t *testing.T) {
	_, err := Value("abc", d("1"))
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = Value("0", d("1"))
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = Value("1", decimal.Zero)
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "$1.23", FormatPrice(d("1.2345")))
	assert.Equal(t, "$0.0512", FormatPrice(d("0.05123")))
	assert.Equal(t, "$0.001235", FormatPrice(d("0.0012345")))
}

func TestFormatChange(t *testing.T) {
	assert.Equal(t, "+2.50%", FormatChange(d("2.5")))
	assert.Equal(t, "-0.13%", FormatChange(d("-0.125")))
	assert.Equal(t, "+0.00%", FormatChange(decimal.Zero))
}
