package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidCoachID(t *testing.T) {
	assert.True(t, IsValidCoachID("coach_a1b2c3d4e5f60718293a4b5c"))
	assert.True(t, IsValidCoachID("user-provided-id"))
	assert.False(t, IsValidCoachID(""))
	assert.False(t, IsValidCoachID("has space"))
	assert.False(t, IsValidCoachID("semi;colon"))
	assert.False(t, IsValidCoachID(strings.Repeat("a", 65)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("tier", ""),
		MaxLength("reason", strings.Repeat("x", 10), 5),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "tier: is required", errs.Error())

	errs = Validate(Required("tier", "pro"))
	assert.Empty(t, errs)
}

func TestCoachIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CoachIDParamMiddleware())
	r.GET("/overrides/:coachID", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/overrides/coach_abc123", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/overrides/bad%3Bid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body struct{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"pad":"`+strings.Repeat("x", 64)+`"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
