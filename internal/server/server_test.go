package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/peermint/settlement/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		CORSOrigin:       "*",
		OutboxBatchSize:  10,
		ExpiryBatchSize:  10,
		ExtensionMinutes: 30,
		HeartbeatDir:     t.TempDir(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

// newReplicaServer builds a worker replica (WORKER_ID set): HTTP only, no
// fabric or background sweeps.
func newReplicaServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		CORSOrigin:       "*",
		WorkerID:         "worker-1",
		OutboxBatchSize:  10,
		ExpiryBatchSize:  10,
		ExtensionMinutes: 30,
		HeartbeatDir:     t.TempDir(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServer_HealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	// a primary that has not started its workers yet reports degraded
	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health before Run = %d, want 503", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status = %q", body.Status)
	}

	if w := do(t, srv, http.MethodGet, "/health/live", ""); w.Code != http.StatusOK {
		t.Fatalf("/health/live = %d", w.Code)
	}

	// readiness flips only once Run has started listening
	if w := do(t, srv, http.MethodGet, "/health/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health/ready before Run = %d, want 503", w.Code)
	}
}

func TestServer_WorkerReplicaHealthy(t *testing.T) {
	srv := newReplicaServer(t)
	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("replica /health = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "settlement_") {
		t.Fatal("metrics output missing settlement_ series")
	}
}

func TestServer_UnknownOrderEnvelope(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/v1/orders/ord_missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Code != "ORDER_NOT_FOUND" {
		t.Fatalf("envelope = %+v", body)
	}
}

func TestServer_ConvertRequiresActor(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodPost, "/v1/convert/usdt-to-sinr", `{"amount":"10.00"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodOptions, "/v1/orders", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestServer_RequestIDPropagated(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health/live", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req_test_123")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req_test_123" {
		t.Fatalf("X-Request-ID = %q, want passthrough", got)
	}
}

func TestServer_WebSocketRouteRegisteredOnPrimary(t *testing.T) {
	srv := newTestServer(t)
	found := false
	for _, r := range srv.Router().Routes() {
		if r.Path == "/ws/orders" {
			found = true
		}
	}
	if !found {
		t.Fatal("primary should expose /ws/orders")
	}
}

func TestServer_WorkerReplicaSkipsFabric(t *testing.T) {
	srv := newReplicaServer(t)
	if srv.hub != nil || srv.outboxWorker != nil || srv.expiryWorker != nil || srv.timeoutWorker != nil {
		t.Fatal("worker replica must not run the fabric or background sweeps")
	}
	for _, r := range srv.Router().Routes() {
		if r.Path == "/ws/orders" {
			t.Fatal("worker replica should not expose /ws/orders")
		}
	}
}
