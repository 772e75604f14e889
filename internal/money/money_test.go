package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one naira", "1.00", 100},
		{"fifty kobo", "0.50", 50},
		{"hundred", "100", 10_000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"large amount", "9999999.99", 999_999_999},
		{"leading zeros in whole", "007.50", 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_ZeroVariants(t *testing.T) {
	for _, input := range []string{"", "0", "0.0", "0.00"} {
		got, ok := Parse(input)
		if !ok {
			t.Fatalf("Parse(%q) returned ok=false", input)
		}
		if got.Sign() != 0 {
			t.Errorf("Parse(%q) = %s, want 0", input, got)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1.00", "1.2.3", "abc", "1,00", "1.0a"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) returned ok=true, want false", input)
		}
	}
}

// Sub-kobo precision must be rejected outright: Parse truncates nothing
// and the numeric columns round, so accepting it would let the stored
// amount and the balance mutation disagree.
func TestParse_RejectsExcessPrecision(t *testing.T) {
	for _, input := range []string{"499.999", "0.001", "1.234"} {
		if v, ok := Parse(input); ok {
			t.Errorf("Parse(%q) = %s, want rejection", input, v)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{"nil", nil, "0.00"},
		{"zero", big.NewInt(0), "0.00"},
		{"one kobo", big.NewInt(1), "0.01"},
		{"one naira", big.NewInt(100), "1.00"},
		{"round trip", big.NewInt(250_000), "2500.00"},
		{"negative", big.NewInt(-150), "-1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsPositive(t *testing.T) {
	if !IsPositive("500.00") {
		t.Error("IsPositive(500.00) = false")
	}
	if IsPositive("0.00") || IsPositive("-1.00") || IsPositive("bad") {
		t.Error("IsPositive accepted a non-positive amount")
	}
}
