package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"meetrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(router *gin.Engine, remoteAddr string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w.Code
}

func newLimitedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := newLimitedRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := newLimitedRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1001"))
	// other clients keep their own budget
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1000"))
}

func TestUpgradeRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2

	router := newLimitedRouter(NewUpgradeRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1000"))
}

func TestClientIP(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.10", clientIP(req))
}
