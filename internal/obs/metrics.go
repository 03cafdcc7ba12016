package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the HTTP and keystore collectors. A nil *Metrics is valid and
// records nothing, so tests can skip registration entirely.
type Metrics struct {
	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	credentialsIssued *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	balanceDebits     *prometheus.CounterVec
	credentialsSwept  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		credentialsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_credentials_issued_total",
			Help: "Credentials issued, by kind.",
		}, []string{"kind"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_credential_verifications_total",
			Help: "Credential verifications, by result.",
		}, []string{"result"}),
		balanceDebits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_balance_debits_total",
			Help: "Balance-gated issuance attempts, by result.",
		}, []string{"result"}),
		credentialsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_credentials_swept_total",
			Help: "Expired credentials removed by the sweep.",
		}),
	}
	reg.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.credentialsIssued, m.verifications, m.balanceDebits, m.credentialsSwept,
	)
	return m
}

// Handler exposes the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

// RequestFinished records a completed request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) RequestFinished(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpInFlight.Dec()
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}

func (m *Metrics) CredentialIssued(kind string) {
	if m == nil {
		return
	}
	m.credentialsIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Debit(result string) {
	if m == nil {
		return
	}
	m.balanceDebits.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.credentialsSwept.Add(float64(n))
}
