package logger

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestFrom_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), From(context.Background()))
}

func TestWith_RoundTrip(t *testing.T) {
	l := Discard()
	ctx := With(context.Background(), l)
	assert.Same(t, l, From(ctx))
}

func TestNew_DebugForLocal(t *testing.T) {
	l := New("local")
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l = New("production")
	assert.False(t, l.Enabled(context.Background(), slog.LevelDebug))
}

func TestMiddleware_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(Discard()))

	var fromCtx, fromGin *slog.Logger
	r.GET("/ping", func(c *gin.Context) {
		fromCtx = From(c.Request.Context())
		fromGin = FromGin(c, nil)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
	assert.NotNil(t, fromGin)
	assert.Same(t, fromGin, fromCtx)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "rid-1", w.Header().Get(headerRequestID))
}

func TestFromGin_Fallback(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	l := Discard()
	assert.Same(t, l, FromGin(c, l))
}
