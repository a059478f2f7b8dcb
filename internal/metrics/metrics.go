package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Peage service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Payment verification metrics.
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// Wallet spend metrics.
	SpendsTotal           *prometheus.CounterVec
	BudgetRejectionsTotal *prometheus.CounterVec
	SpendAmountCents      prometheus.Counter

	// Settlement metrics.
	SettlementSubmitsTotal   *prometheus.CounterVec
	SettlementSubmitDuration prometheus.Histogram

	// Audit collector metrics.
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_payment_verifications_total",
			Help: "Total number of payment proof verifications by outcome.",
		}, []string{"outcome"}),

		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peage_payment_verification_duration_seconds",
			Help:    "Duration of payment proof verification in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		SpendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_wallet_spends_total",
			Help: "Total number of wallet spend attempts by outcome.",
		}, []string{"outcome", "asset"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_budget_rejections_total",
			Help: "Total number of spends rejected by custody policy, by reason.",
		}, []string{"reason"}),

		SpendAmountCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_wallet_spend_cents_total",
			Help: "Total confirmed outbound spend in accounting cents.",
		}),

		SettlementSubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_settlement_submits_total",
			Help: "Total number of transactions relayed to the settlement network.",
		}, []string{"status"}),

		SettlementSubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peage_settlement_submit_duration_seconds",
			Help:    "Duration of settlement submit plus confirmation in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_audit_flushes_total",
			Help: "Total number of audit collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peage_audit_flush_duration_seconds",
			Help:    "Duration of audit collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.VerificationsTotal,
		m.VerificationDuration,
		m.SpendsTotal,
		m.BudgetRejectionsTotal,
		m.SpendAmountCents,
		m.SettlementSubmitsTotal,
		m.SettlementSubmitDuration,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncVerification increments the verification counter for the given outcome
// ("valid" or a failure code).
func (m *Metrics) IncVerification(outcome string) {
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveVerificationDuration records how long a proof verification took.
func (m *Metrics) ObserveVerificationDuration(seconds float64) {
	m.VerificationDuration.Observe(seconds)
}

// IncSpend increments the spend counter for the given outcome and asset.
func (m *Metrics) IncSpend(outcome, asset string) {
	m.SpendsTotal.WithLabelValues(outcome, asset).Inc()
}

// IncBudgetRejection increments the budget rejection counter for a reason.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

// AddSpendCents adds a confirmed spend amount to the running total.
func (m *Metrics) AddSpendCents(cents int64) {
	m.SpendAmountCents.Add(float64(cents))
}

// IncSettlementSubmit increments the settlement submit counter.
func (m *Metrics) IncSettlementSubmit(status string) {
	m.SettlementSubmitsTotal.WithLabelValues(status).Inc()
}

// ObserveSettlementSubmitDuration records a submit-and-confirm duration.
func (m *Metrics) ObserveSettlementSubmitDuration(seconds float64) {
	m.SettlementSubmitDuration.Observe(seconds)
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pattern string, statusCode int, seconds float64, requestBytes, responseBytes int64) {
	code := fmt.Sprintf("%d", statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
	if requestBytes > 0 {
		m.HTTPRequestSize.WithLabelValues(method, pattern).Observe(float64(requestBytes))
	}
	if responseBytes > 0 {
		m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(responseBytes))
	}
}
