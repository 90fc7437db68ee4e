package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/microservices/relay"
)

type staticStatus struct {
	status relay.Status
}

func (s staticStatus) Status() relay.Status { return s.status }

func setupRouter(st relay.Status) *gin.Engine {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "airelay_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()
	return NewRouter(staticStatus{status: st}, registry)
}

func TestHealth(t *testing.T) {
	r := setupRouter(relay.Status{Uplink: "DISCONNECTED", XAppConnections: []string{"a:1"}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "DISCONNECTED", body["uplink"])
	assert.Equal(t, float64(1), body["xapp_connections"])
}

func TestReady(t *testing.T) {
	tests := []struct {
		uplink string
		code   int
	}{
		{"CONNECTED", http.StatusOK},
		{"CONNECTING", http.StatusServiceUnavailable},
		{"DISCONNECTED", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.uplink, func(t *testing.T) {
			r := setupRouter(relay.Status{Uplink: tt.uplink})
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestConnections(t *testing.T) {
	r := setupRouter(relay.Status{
		Uplink:          "CONNECTED",
		XAppConnections: []string{"10.0.0.1:4000", "10.0.0.2:4000"},
		KPIDropped:      3,
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/connections", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"count":2,"connections":["10.0.0.1:4000","10.0.0.2:4000"],"kpi_dropped":3}`,
		w.Body.String())
}

func TestConnectionsEmpty(t *testing.T) {
	r := setupRouter(relay.Status{Uplink: "CONNECTED"})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/connections", nil)
	r.ServeHTTP(w, req)

	assert.JSONEq(t, `{"count":0,"connections":[],"kpi_dropped":0}`, w.Body.String())
}

func TestMetrics(t *testing.T) {
	r := setupRouter(relay.Status{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "airelay_test_total 1")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer("127.0.0.1:0", staticStatus{status: relay.Status{Uplink: "CONNECTED"}}, prometheus.NewRegistry())
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "CONNECTED")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
