package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminPath is where the admin page is mounted.
const AdminPath = "/___admin"

// SetupRoutes builds the relay router: CORS, request ids, panic recovery and
// metrics on every route.
func SetupRoutes(h *Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/", h.HealthHandler)
	r.Get("/ws", h.WebSocketHandler)
	r.Get("/healthz", h.HealthzHandler)
	r.Get("/readyz", h.ReadyzHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if h.adminEnabled {
		r.Get(AdminPath, h.AdminHandler)
		r.Method(http.MethodGet, AdminPath+"/*", h.StaticHandler(AdminPath))
	}

	return r
}
