package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/syncrelay/internal/testhelpers"
)

func newTestRoutes(t *testing.T, cfg *Config, state StateFunc) (*Hub, http.Handler) {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig()
	}
	hub := NewHub(WithNodeID("node-1"))
	return hub, SetupRoutes(NewHandlers(hub, cfg, state, zerolog.Nop()), cfg.AllowedOrigins)
}

func TestHealthHandler(t *testing.T) {
	_, routes := newTestRoutes(t, nil, nil)

	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "syncrelay is running", rr.Body.String())
}

func TestHealthzHandler(t *testing.T) {
	_, routes := newTestRoutes(t, nil, func() string { return "listening" })

	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, Status{Status: "ok", State: "listening", Node: "node-1"}, st)
}

func TestReadyzHandler(t *testing.T) {
	tests := []struct {
		name     string
		state    StateFunc
		drain    bool
		wantCode int
		wantBody string
	}{
		{name: "listening", state: func() string { return "listening" }, wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
		{name: "no state func", wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
		{name: "starting", state: func() string { return "starting" }, wantCode: http.StatusServiceUnavailable, wantBody: `{"error":"not ready: starting"}`},
		{name: "hub draining", drain: true, wantCode: http.StatusServiceUnavailable, wantBody: `{"error":"not ready: draining"}`},
		{name: "stopped", state: func() string { return "stopped" }, wantCode: http.StatusServiceUnavailable, wantBody: `{"error":"not ready: stopped"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, routes := newTestRoutes(t, nil, tt.state)
			if tt.drain {
				hub.Drain()
			}

			rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/readyz", nil)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestWebSocketHandlerRejections(t *testing.T) {
	hub, routes := newTestRoutes(t, nil, nil)

	rr := testhelpers.MakeRequest(t, routes, http.MethodPost, "/ws", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "plain GET is not a handshake")

	hub.Drain()
	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"server is shutting down"}`, rr.Body.String())
}

func TestAdminServesBuiltInPage(t *testing.T) {
	cfg := NewConfig()
	cfg.AdminDir = filepath.Join(t.TempDir(), "missing")
	_, routes := newTestRoutes(t, cfg, nil)

	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "<title>syncrelay admin</title>")

	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath+"/app.js", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminServesDistDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>custom</p>"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o600))

	cfg := NewConfig()
	cfg.AdminDir = dir
	_, routes := newTestRoutes(t, cfg, nil)

	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<p>custom</p>", rr.Body.String())

	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath+"/assets/app.js", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "console.log(1)", rr.Body.String())

	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath+"/assets/", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "directory listings are not served")

	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath+"/nope.css", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminDisabled(t *testing.T) {
	cfg := NewConfig()
	cfg.AdminEnabled = false
	_, routes := newTestRoutes(t, cfg, nil)

	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, AdminPath, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSHeaders(t *testing.T) {
	_, routes := newTestRoutes(t, nil, nil)

	preflight := http.Header{}
	preflight.Set("Origin", "https://client.example.com")
	preflight.Set("Access-Control-Request-Method", http.MethodPost)
	preflight.Set("Access-Control-Request-Headers", "Content-Type")
	rr := testhelpers.MakeRequest(t, routes, http.MethodOptions, "/healthz", preflight)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPost, rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rr.Header().Get("Access-Control-Allow-Headers"))

	denied := http.Header{}
	denied.Set("Origin", "https://client.example.com")
	denied.Set("Access-Control-Request-Method", http.MethodDelete)
	rr = testhelpers.MakeRequest(t, routes, http.MethodOptions, "/healthz", denied)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	simple := http.Header{}
	simple.Set("Origin", "https://client.example.com")
	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, "/healthz", simple)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	_, routes := newTestRoutes(t, cfg, nil)

	allowed := http.Header{}
	allowed.Set("Origin", "https://app.example.com")
	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/healthz", allowed)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	other := http.Header{}
	other.Set("Origin", "https://evil.example.com")
	rr = testhelpers.MakeRequest(t, routes, http.MethodGet, "/healthz", other)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, routes := newTestRoutes(t, nil, nil)

	testhelpers.MakeRequest(t, routes, http.MethodGet, "/healthz", nil)
	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `syncrelay_http_requests_total{method="GET",path="/healthz",status="200"}`)
	assert.Contains(t, body, "syncrelay_connected_clients")
}

func TestStatusRecorderCapturesCode(t *testing.T) {
	_, routes := newTestRoutes(t, nil, func() string { return "draining" })

	testhelpers.MakeRequest(t, routes, http.MethodGet, "/readyz", nil)
	rr := testhelpers.MakeRequest(t, routes, http.MethodGet, "/metrics", nil)

	assert.Contains(t, rr.Body.String(), `syncrelay_http_requests_total{method="GET",path="/readyz",status="503"}`)
}
