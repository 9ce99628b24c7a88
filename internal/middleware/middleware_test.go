package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/annel0/memreplay/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestLoggerSetsTraceID(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(NewRequestLogger(logging.NewWriterLogger("api", &buf, logging.DEBUG)).Handler())

	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = c.GetString(TraceIDKey)
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Trace-Id"))
	assert.Contains(t, buf.String(), "/ping 200")
}

func TestPrometheusMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := NewPrometheusMiddleware("memreplay", reg, reg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw.Handler())
	mw.RegisterMetricsEndpoint(r)
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusConflict) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `memreplay_http_request_errors_total{method="GET",path="/fail",status="409"} 1`), body)

	_, err = NewPrometheusMiddleware("memreplay", reg, reg)
	assert.Error(t, err)
}
