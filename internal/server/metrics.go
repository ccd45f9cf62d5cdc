package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "syncrelay"

var (
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "WebSocket clients currently registered with the hub",
		},
	)

	eventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Inbound client events by name and outcome",
		},
		[]string{"event", "outcome"},
	)

	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts delivered to local clients by event and scope",
		},
		[]string{"event", "scope"},
	)

	recipientsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recipients_total",
			Help:      "Frames handed to local client queues",
		},
	)

	slowClientsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_clients_dropped_total",
			Help:      "Clients removed because their send queue was full",
		},
	)

	fanoutPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "publish_errors_total",
			Help:      "Records that failed to publish to the fan-out channel",
		},
	)

	fanoutDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Records dropped because the outbox was full",
		},
	)

	fanoutRecordsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "records_received_total",
			Help:      "Records received from other processes by kind",
		},
		[]string{"kind"},
	)

	fanoutResubscribesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "resubscribes_total",
			Help:      "Times the fan-out subscription was re-established after failing",
		},
	)

	fanoutPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "peers",
			Help:      "Other relay processes seen within the heartbeat timeout",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		connectedClients,
		eventsReceivedTotal,
		broadcastsTotal,
		recipientsTotal,
		slowClientsTotal,
		fanoutPublishErrorsTotal,
		fanoutDroppedTotal,
		fanoutRecordsReceivedTotal,
		fanoutResubscribesTotal,
		fanoutPeers,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// statusRecorder wraps http.ResponseWriter to capture status code. It passes
// Hijack through so WebSocket upgrades keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// MetricsMiddleware instruments requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		statusLabel := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
