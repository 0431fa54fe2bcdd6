// Package validation provides input validation middleware for the subsync API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields like
// override reasons.
const MaxStringLength = 2000

// coachIDRegex validates coach account ids in URL params. Both the
// generated "coach_<hex>" form and ids minted by the hosting application
// are letters, digits, dashes and underscores.
var coachIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCoachID checks if a string is an acceptable coach account id
func IsValidCoachID(id string) bool {
	return coachIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes, and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
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

// Validate runs the given validators and collects their errors
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// CoachIDParamMiddleware validates the :coachID URL parameter on routes
// that use it. No-op when the param is absent.
func CoachIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("coachID")
		if id != "" && !IsValidCoachID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_coach_id",
				"message": "coach id must be 1-64 characters of letters, digits, dashes or underscores",
			})
			return
		}
		c.Next()
	}
}
