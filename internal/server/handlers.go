package server

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

//go:embed static/admin.html
var adminPage []byte

// StateFunc reports the process lifecycle state for health endpoints.
type StateFunc func() string

// Handlers holds the HTTP handlers of the relay.
type Handlers struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	state        StateFunc
	adminEnabled bool
	adminDir     string
	log          zerolog.Logger
}

// NewHandlers wires handlers to hub. state may be nil, in which case the hub's
// draining flag decides readiness.
func NewHandlers(hub *Hub, cfg *Config, state StateFunc, logger zerolog.Logger) *Handlers {
	logger = logger.With().Str("component", "http").Logger()
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		state:        state,
		adminEnabled: cfg.AdminEnabled,
		adminDir:     cfg.AdminDir,
		log:          logger,
	}
}

// WebSocketHandler upgrades the request and registers the connection with the
// hub, which starts its pumps.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if h.hub.Draining() {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if !h.hub.Register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
	}
}

// HealthHandler answers liveness probes with plain text.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("syncrelay is running"))
}

// Status is the body of /healthz.
type Status struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Node        string `json:"node"`
	Connections int    `json:"connections"`
	Peers       int    `json:"peers"`
}

func (h *Handlers) status() Status {
	state := "listening"
	if h.state != nil {
		state = h.state()
	} else if h.hub.Draining() {
		state = "draining"
	}
	return Status{
		Status:      "ok",
		State:       state,
		Node:        h.hub.ID(),
		Connections: h.hub.ClientCount(),
		Peers:       h.hub.PeerCount(),
	}
}

// HealthzHandler reports process state and connection counts as JSON.
func (h *Handlers) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// ReadyzHandler returns 200 only while the relay accepts connections.
func (h *Handlers) ReadyzHandler(w http.ResponseWriter, _ *http.Request) {
	st := h.status()
	if st.State != "listening" || h.hub.Draining() {
		writeJSONError(w, http.StatusServiceUnavailable, "not ready: "+st.State)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// AdminHandler serves ADMIN_DIR/index.html when present and the built-in page
// otherwise.
func (h *Handlers) AdminHandler(w http.ResponseWriter, r *http.Request) {
	index := filepath.Join(h.adminDir, "index.html")
	if fi, err := os.Stat(index); err == nil && !fi.IsDir() {
		http.ServeFile(w, r, index)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(adminPage); err != nil {
		h.log.Debug().Err(err).Msg("error writing admin page")
	}
}

// StaticHandler serves files from ADMIN_DIR under prefix. Missing files and a
// missing directory are plain 404s.
func (h *Handlers) StaticHandler(prefix string) http.Handler {
	fs := http.FileServer(http.Dir(h.adminDir))
	return http.StripPrefix(prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") && r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(h.adminDir); err != nil {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	}))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
