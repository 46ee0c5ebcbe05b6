package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusight/gpusight/internal/observability"
)

type stubReadiness struct{ ready bool }

func (s *stubReadiness) IsReady() bool { return s.ready }

type stubStatus struct{ status any }

func (s *stubStatus) Status() any { return s.status }

func startServer(t *testing.T, readiness ReadinessChecker, status StatusProvider, debug bool) *Server {
	t.Helper()
	srv := NewServer(0, observability.NewMetrics(), readiness, status, debug)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func get(t *testing.T, srv *Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr(), path))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := startServer(t, &stubReadiness{ready: true}, &stubStatus{}, false)

	resp := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	readiness := &stubReadiness{ready: false}
	srv := startServer(t, readiness, &stubStatus{}, false)

	resp := get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	readiness.ready = true
	resp = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := startServer(t, &stubReadiness{}, &stubStatus{}, false)

	resp := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugCapture(t *testing.T) {
	status := &stubStatus{status: map[string]any{"rank_id": 3}}
	srv := startServer(t, &stubReadiness{}, status, true)

	resp := get(t, srv, "/debug/capture")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 3, body["rank_id"])

	status.status = nil
	resp = get(t, srv, "/debug/capture")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDebugDisabledByDefault(t *testing.T) {
	srv := startServer(t, &stubReadiness{}, &stubStatus{}, false)

	resp := get(t, srv, "/debug/capture")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
