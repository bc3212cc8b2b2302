package tokenamount

import (
	"errors"
	"math/big"
	"testing"
)

func wei(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func TestParseWei_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1", "1000000000000000000"},
		{"100", "100000000000000000000"},
		{"1.5", "1500000000000000000"},
		{".5", "500000000000000000"},
		{"5.", "5000000000000000000"},
		{"0.000000000000000001", "1"},
		{" 2.25 ", "2250000000000000000"},
		{"007.50", "7500000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWei(tt.input)
			if err != nil {
				t.Fatalf("ParseWei(%q) error: %v", tt.input, err)
			}
			if got.Cmp(wei(tt.want)) != 0 {
				t.Errorf("ParseWei(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseWei_Invalid(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"", ErrEmpty},
		{".", ErrMalformed},
		{"-1", ErrMalformed},
		{"1.2.3", ErrMalformed},
		{"1e18", ErrMalformed},
		{"abc", ErrMalformed},
		{"0", ErrNotPositive},
		{"0.000", ErrNotPositive},
		{"0.0000000000000000001", ErrPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseWei(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseWei(%q) error = %v, want %v", tt.input, err, tt.want)
			}
			if Valid(tt.input) {
				t.Errorf("Valid(%q) = true", tt.input)
			}
		})
	}
}

func TestFormatWei(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"0", "0"},
		{"1", "0.000000000000000001"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"123450000000000000000", "123.45"},
		{"-2000000000000000000", "-2"},
	}

	for _, tt := range tests {
		if got := FormatWei(wei(tt.input)); got != tt.want {
			t.Errorf("FormatWei(%s) = %q, want %q", tt.input, got, tt.want)
		}
	}
	if FormatWei(nil) != "0" {
		t.Error("FormatWei(nil) should be 0")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.25", "42.000000000000000001", "1000000"} {
		w, err := ParseWei(s)
		if err != nil {
			t.Fatalf("ParseWei(%q): %v", s, err)
		}
		if got := FormatWei(w); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
