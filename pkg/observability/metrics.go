package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signup_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Conversation metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_turns_total",
			Help: "Conversation turns by resulting stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signup_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	signupLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signup_ready_to_submitted_seconds",
			Help:    "Time from a complete intent to a submitted registration",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Dispatch metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_tool_calls_total",
			Help: "Protected tool calls by provider, operation and outcome",
		},
		[]string{"provider", "op", "outcome"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signup_tool_call_duration_seconds",
			Help:    "Protected tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	mandatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_mandates_total",
			Help: "Mandate uses: minted, reused or refreshed",
		},
		[]string{"event"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_logins_total",
			Help: "Provider logins: reused, shared, authenticated or failed",
		},
		[]string{"outcome"},
	)

	// Discovery and session metrics
	discoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_discovery_total",
			Help: "Discovery resolutions by outcome (hit, fast_path, fallback, full)",
		},
		[]string{"outcome"},
	)

	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signup_session_persist_failures_total",
			Help: "Session writes that failed to reach the backend",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signup_active_sessions",
			Help: "Sessions held in memory",
		},
	)

	turnsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signup_turns_in_flight",
			Help: "Sessions with a turn running or queued",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnDuration,
			signupLatency,
			toolCallsTotal,
			toolCallDuration,
			mandatesTotal,
			loginsTotal,
			discoveryTotal,
			persistFailures,
			activeSessions,
			turnsInFlight,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTurn records one conversation turn. kind is "turn" or "action".
func RecordTurn(kind, stage, outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(stage, outcome).Inc()
	turnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSignupLatency records the time from a ready triad to submission.
func RecordSignupLatency(d time.Duration) {
	signupLatency.Observe(d.Seconds())
}

// RecordDiscovery records how a discovery lookup was served.
func RecordDiscovery(outcome string) {
	discoveryTotal.WithLabelValues(outcome).Inc()
}

// RecordPersistFailure counts a failed session write. Its signature matches
// the session store's persist error hook.
func RecordPersistFailure(string, error) {
	persistFailures.Inc()
}

// SetActiveSessions sets the in-memory session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// SetTurnsInFlight sets the gauge of sessions with a turn running or queued.
func SetTurnsInFlight(n int) {
	turnsInFlight.Set(float64(n))
}

// Recorder feeds dispatcher measurements into the Prometheus metrics.
type Recorder struct{}

var _ dispatch.Recorder = Recorder{}

func (Recorder) ToolCall(provider string, op dispatch.Op, outcome string, elapsed time.Duration) {
	toolCallsTotal.WithLabelValues(provider, string(op), outcome).Inc()
	toolCallDuration.WithLabelValues(provider, string(op)).Observe(elapsed.Seconds())
}

func (Recorder) MandateUse(event string) {
	mandatesTotal.WithLabelValues(event).Inc()
}

func (Recorder) Login(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}
