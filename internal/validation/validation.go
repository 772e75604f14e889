// Package validation provides input validation helpers for the public API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/seyidev/vtucore/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// msisdnRegex validates Nigerian phone numbers in local (080...) or
	// international (+23480...) format.
	msisdnRegex = regexp.MustCompile(`^(\+234[789][01]\d{8}|0[789][01]\d{8})$`)
	// emailRegex is a permissive email shape check.
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Networks supported by the fulfillment provider.
var Networks = []string{"mtn", "glo", "airtel", "9mobile"}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidMSISDN checks if a string is a valid Nigerian phone number.
func IsValidMSISDN(s string) bool {
	return msisdnRegex.MatchString(strings.TrimSpace(s))
}

// IsValidEmail checks if a string looks like an email address.
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(strings.TrimSpace(s))
}

// IsValidNetwork checks if a network code is supported.
func IsValidNetwork(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range Networks {
		if s == n {
			return true
		}
	}
	return false
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// NormalizeMSISDN converts an international-format number to local format.
func NormalizeMSISDN(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+234") {
		return "0" + s[4:]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPhone checks if a field is a valid phone number
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidMSISDN(value) {
			return &ValidationError{Field: field, Message: "must be a valid Nigerian phone number"}
		}
		return nil
	}
}

// ValidNetwork checks if a field is a supported network code
func ValidNetwork(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidNetwork(value) {
			return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(Networks, ", ")}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks if a value is a valid amount greater than zero
func PositiveAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := money.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
