package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterExhaustsBurstThen429(t *testing.T) {
	// 6/min refills far too slowly for this test to win back a token.
	rl := NewRateLimiter(6, 2)

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(r, nil).Code)
	}

	w := doRequest(r, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimiterKeysByUserOverIP(t *testing.T) {
	rl := NewRateLimiter(6, 1)

	r := gin.New()
	r.Use(RequireUser(), rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	alice := map[string]string{"X-User-ID": "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"}
	bob := map[string]string{"X-User-ID": "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"}

	// Same source address, separate budgets.
	assert.Equal(t, http.StatusOK, doRequest(r, alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, alice).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, bob).Code)
}

func TestCallerKeyFallsBackToIP(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/ping", nil)
	c.Request.RemoteAddr = "203.0.113.9:1234"
	assert.Equal(t, "ip:203.0.113.9", callerKey(c))
}
