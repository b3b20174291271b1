package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litellm-exporter/internal/api/health"
	"litellm-exporter/internal/metrics"
	"litellm-exporter/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry(metrics.Options{})
	h := health.New(logger.Nop(), nil, nil, nil, "litellm-exporter", "2.0.0")
	return NewServer(ServerConfig{Port: 0, ServiceName: "litellm-exporter", Version: "2.0.0"}, reg.Handler(), h, logger.Nop()), reg
}

func TestServer_Routes(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Spend.Add(2, "t1", "alpha", "aggregated", "aggregated", "gpt-4o", "openai")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "litellm_spend_usd_total{")
	assert.Contains(t, rec.Body.String(), `end_user_id="aggregated"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info serviceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "litellm-exporter", info.Service)
	assert.Equal(t, "/metrics", info.Endpoints["metrics"])
	assert.Equal(t, []string{BackfillNote}, info.Notes)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
