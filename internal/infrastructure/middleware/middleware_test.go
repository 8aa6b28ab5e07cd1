package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"meetrelay/pkg/errors"
	"meetrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newInternalRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(log), ErrorHandlerMiddleware(log))
	router.POST("/internal", InternalTokenMiddleware(token), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/fail", func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("meeting"))
	})
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})
	return router
}

func do(router *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestInternalTokenMiddleware(t *testing.T) {
	router := newInternalRouter("s3cret")

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/internal", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/internal", "bearer s3cret").Code)

	for _, auth := range []string{"", "Bearer", "Bearer wrong", "Basic s3cret", "s3cret"} {
		w := do(router, http.MethodPost, "/internal", auth)
		assert.Equal(t, http.StatusUnauthorized, w.Code, auth)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "UNAUTHORIZED", body["error"])
	}
}

func TestInternalTokenMiddleware_DisabledWithoutToken(t *testing.T) {
	router := newInternalRouter("")

	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodPost, "/internal", "Bearer ").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodPost, "/internal", "Bearer anything").Code)
}

func TestErrorHandlerMiddleware_RendersAppError(t *testing.T) {
	w := do(newInternalRouter("x"), http.MethodGet, "/fail", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestRecoveryMiddleware(t *testing.T) {
	w := do(newInternalRouter("x"), http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTracingMiddleware_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware(logger.NewContextLogger(zap.NewNop())))

	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen, _ = logger.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), seen)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = BearerToken("Token abc")
	assert.False(t, ok)
}
