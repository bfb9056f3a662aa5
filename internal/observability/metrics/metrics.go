package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "multicam"

// Recorder holds the Prometheus collectors for the control plane. Every
// method is safe on a nil receiver so components can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cameraTransitions *prometheus.CounterVec
	processLaunches   *prometheus.CounterVec
	processExits      *prometheus.CounterVec
	processKills      *prometheus.CounterVec
	reconcileFixes    *prometheus.CounterVec
	reapedConnections prometheus.Counter
	notifications     *prometheus.CounterVec
	notifyDropped     *prometheus.CounterVec
	sessions          prometheus.Gauge
	liveChannels      prometheus.Gauge
	activeRelays      prometheus.Gauge
}

var defaultRecorder = New()

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		cameraTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "camera_transitions_total",
			Help:      "Camera lifecycle transitions by target state.",
		}, []string{"to"}),
		processLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_launches_total",
			Help:      "Encoder launches by role and outcome.",
		}, []string{"role", "outcome"}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_exits_total",
			Help:      "Observed encoder exits by role.",
		}, []string{"role"}),
		processKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_forced_kills_total",
			Help:      "Encoders that ignored SIGTERM within the grace period.",
		}, []string{"role"}),
		reconcileFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_corrections_total",
			Help:      "Channel state corrections applied by the sweeper.",
		}, []string{"direction"}),
		reapedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_connections_total",
			Help:      "Stale camera connections removed by the sweeper.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Operator notifications published by event type.",
		}, []string{"type"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber or the outbound queue was full.",
		}, []string{"type"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operator_sessions",
			Help:      "Connected operator websocket sessions.",
		}),
		liveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_channels",
			Help:      "Channels currently marked live.",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relays",
			Help:      "Running third-party relay processes.",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.cameraTransitions,
		r.processLaunches,
		r.processExits,
		r.processKills,
		r.reconcileFixes,
		r.reapedConnections,
		r.notifications,
		r.notifyDropped,
		r.sessions,
		r.liveChannels,
		r.activeRelays,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// CameraTransition counts a camera entering a lifecycle state. Removal is
// reported as "removed".
func (r *Recorder) CameraTransition(to string) {
	if r == nil {
		return
	}
	r.cameraTransitions.WithLabelValues(normalizeName(to)).Inc()
}

// ProcessLaunched records the outcome of an encoder launch.
func (r *Recorder) ProcessLaunched(role, outcome string) {
	if r == nil {
		return
	}
	r.processLaunches.WithLabelValues(normalizeName(role), normalizeName(outcome)).Inc()
}

// ProcessExited records an encoder exit.
func (r *Recorder) ProcessExited(role string) {
	if r == nil {
		return
	}
	r.processExits.WithLabelValues(normalizeName(role)).Inc()
}

// ProcessKilled records a forced kill after the grace period.
func (r *Recorder) ProcessKilled(role string) {
	if r == nil {
		return
	}
	r.processKills.WithLabelValues(normalizeName(role)).Inc()
}

// ReconcileCorrection records a sweeper correction ("to_live" or "to_offline").
func (r *Recorder) ReconcileCorrection(direction string) {
	if r == nil {
		return
	}
	r.reconcileFixes.WithLabelValues(normalizeName(direction)).Inc()
}

// ConnectionsReaped adds n reaped connections.
func (r *Recorder) ConnectionsReaped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reapedConnections.Add(float64(n))
}

// NotificationPublished counts an event accepted for delivery.
func (r *Recorder) NotificationPublished(eventType string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(normalizeName(eventType)).Inc()
}

// NotificationDropped counts an event that could not be delivered.
func (r *Recorder) NotificationDropped(eventType string) {
	if r == nil {
		return
	}
	r.notifyDropped.WithLabelValues(normalizeName(eventType)).Inc()
}

// SessionOpened increments the operator session gauge.
func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

// SessionClosed decrements the operator session gauge.
func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

// SetLiveChannels sets the live channel gauge.
func (r *Recorder) SetLiveChannels(n int) {
	if r == nil {
		return
	}
	r.liveChannels.Set(float64(n))
}

// SetActiveRelays sets the relay gauge.
func (r *Recorder) SetActiveRelays(n int) {
	if r == nil {
		return
	}
	r.activeRelays.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
// refresh runs before each scrape to update gauges computed from state.
func (r *Recorder) Handler(refresh func()) http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, req)
	})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
