package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareRedactsTokenPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/sign/:token", func(c *gin.Context) {
		c.Set("contract_id", "1001")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/sign/v1.secret-token-value", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "http_request", entry.Message)
	assert.Equal(t, "/sign/:token", fields["path"])
	assert.Equal(t, "1001", fields["contract_id"])
	assert.Equal(t, "req-42", fields["request_id"])
	assert.NotContains(t, fields["path"], "secret")
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/health", 200, false))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/api/contracts", 500, true))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/webhooks/payments/:provider", 200, false))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/webhooks/payments/:provider", 400, true))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/pay/:token", 429, true))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/contracts", 201, false))
}
