// Package tokenamount parses and formats native token amounts.
//
// The native token uses 18 decimal places. Amounts travel through the
// system as decimal strings ("1.5") and are converted to the smallest
// unit (wei, 1 token = 10^18 wei) only at the chain boundary.
package tokenamount

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 18

var (
	ErrEmpty       = errors.New("tokenamount: empty amount")
	ErrMalformed   = errors.New("tokenamount: amount is not a decimal number")
	ErrNotPositive = errors.New("tokenamount: amount must be positive")
	ErrPrecision   = errors.New("tokenamount: too many decimal places")
)

// ParseWei converts a positive decimal string (e.g. "1.5") to wei.
//
// Rules:
//   - digits with at most one decimal point, no sign, no exponent
//   - a leading or trailing point is accepted (".5", "5.")
//   - more than 18 fractional digits is rejected, never truncated
//   - zero is rejected
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, ErrMalformed
	}
	if !digits(whole) || !digits(frac) {
		return nil, ErrMalformed
	}
	if len(frac) > Decimals {
		return nil, ErrPrecision
	}

	frac += strings.Repeat("0", Decimals-len(frac))
	wei, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrMalformed
	}
	if wei.Sign() <= 0 {
		return nil, ErrNotPositive
	}
	return wei, nil
}

// Valid reports whether s is an acceptable purchase amount.
func Valid(s string) bool {
	_, err := ParseWei(s)
	return err == nil
}

// FormatWei renders wei as a decimal string without trailing zeros
// ("1500000000000000000" -> "1.5", 10^18 -> "1").
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	s := new(big.Int).Abs(wei).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
