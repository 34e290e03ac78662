// Package validation provides input validation helpers for the Middleman API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxTextLength is the maximum length for free-text fields (titles,
// descriptions, chat messages).
const MaxTextLength = 10000

var (
	// txHashRegex validates on-chain transaction references.
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// userIDRegex validates opaque user identifiers.
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTxRef checks if a string is a valid transaction reference.
func IsValidTxRef(ref string) bool {
	return txHashRegex.MatchString(ref)
}

// IsValidUserID checks if a string is a well-formed user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeText trims whitespace, strips null bytes, and caps length.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field validation failures.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Check collects non-nil field errors into a FieldErrors slice.
func Check(checks ...*FieldError) FieldErrors {
	var errs FieldErrors
	for _, c := range checks {
		if c != nil {
			errs = append(errs, *c)
		}
	}
	return errs
}

// Required returns a FieldError when value is empty.
func Required(field, value string) *FieldError {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Message: "is required"}
	}
	return nil
}

// PositiveAmount returns a FieldError when cents is not a positive integer.
func PositiveAmount(field string, cents int64) *FieldError {
	if cents <= 0 {
		return &FieldError{Field: field, Message: "must be a positive amount in minor units"}
	}
	return nil
}

// TxRef returns a FieldError when ref is not a valid transaction reference.
func TxRef(field, ref string) *FieldError {
	if !IsValidTxRef(ref) {
		return &FieldError{Field: field, Message: "must be a 0x-prefixed 64-char hex transaction hash"}
	}
	return nil
}
