package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_approval_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slack_approval_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	approvalsPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slack_approval_requests_posted_total",
			Help: "Approval request messages posted to Slack",
		},
	)

	interactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_approval_interactions_total",
			Help: "Button interactions by outcome",
		},
		[]string{"outcome"},
	)

	decisionSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_approval_decision_submissions_total",
			Help: "Decisions submitted to the pipeline by result",
		},
		[]string{"decision", "result"},
	)
)

// Interaction outcomes recorded on the interactions counter
const (
	OutcomeApproved     = "approved"
	OutcomeRejected     = "rejected"
	OutcomeExpired      = "expired"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnauthorized = "unauthorized"
	OutcomeFailed       = "failed"
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	status := "unknown"
	switch {
	case statusCode >= 200 && statusCode < 300:
		status = "2xx"
	case statusCode >= 300 && statusCode < 400:
		status = "3xx"
	case statusCode >= 400 && statusCode < 500:
		status = "4xx"
	case statusCode >= 500:
		status = "5xx"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordApprovalPosted records a posted approval request message
func RecordApprovalPosted() {
	approvalsPosted.Inc()
}

// RecordInteraction records a handled interaction by outcome
func RecordInteraction(outcome string) {
	interactionsTotal.WithLabelValues(outcome).Inc()
}

// RecordDecisionSubmission records a PutApprovalResult call by result
func RecordDecisionSubmission(decision, result string) {
	decisionSubmissions.WithLabelValues(decision, result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
