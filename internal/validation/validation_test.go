package validation

import (
	"testing"
)

func TestIsValidMSISDN(t *testing.T) {
	tests := []struct {
		number string
		valid  bool
	}{
		{"08031234567", true},
		{"07069876543", true},
		{"09012345678", true},
		{"08101234567", true},
		{"+2348031234567", true},

		// Invalid cases
		{"0803123456", false},    // Too short
		{"080312345678", false},  // Too long
		{"06031234567", false},   // Bad prefix
		{"2348031234567", false}, // Missing +
		{"abc", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidMSISDN(tc.number)
		if result != tc.valid {
			t.Errorf("IsValidMSISDN(%q) = %v, want %v", tc.number, result, tc.valid)
		}
	}
}

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"08031234567", "08031234567"},
		{"+2348031234567", "08031234567"},
		{"  08031234567  ", "08031234567"},
	}

	for _, tc := range tests {
		result := NormalizeMSISDN(tc.input)
		if result != tc.expected {
			t.Errorf("NormalizeMSISDN(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestIsValidNetwork(t *testing.T) {
	for _, n := range []string{"mtn", "glo", "airtel", "9mobile", "MTN", " glo "} {
		if !IsValidNetwork(n) {
			t.Errorf("IsValidNetwork(%q) = false, want true", n)
		}
	}
	for _, n := range []string{"", "vodafone", "mtn-ng"} {
		if IsValidNetwork(n) {
			t.Errorf("IsValidNetwork(%q) = true, want false", n)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	if !IsValidEmail("ada@example.com") {
		t.Error("expected valid email")
	}
	for _, s := range []string{"", "ada", "ada@", "@example.com", "a b@example.com"} {
		if IsValidEmail(s) {
			t.Errorf("IsValidEmail(%q) = true, want false", s)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"null\x00byte", 20, "nullbyte"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("network", ""),
		ValidPhone("phone", "123"),
		PositiveAmount("amount", "0"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidate_AllPass(t *testing.T) {
	errs := Validate(
		Required("network", "mtn"),
		ValidNetwork("network", "mtn"),
		ValidPhone("phone", "08031234567"),
		PositiveAmount("amount", "500.00"),
		MaxLength("plan", "1GB-30days", 50),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amount", "500")(); err != nil {
		t.Errorf("expected 500 to be valid, got %v", err)
	}
	if err := PositiveAmount("amount", "-1")(); err == nil {
		t.Error("expected negative amount to fail")
	}
	if err := PositiveAmount("amount", "1.2.3")(); err == nil {
		t.Error("expected malformed amount to fail")
	}
}
