// Package metrics exposes Prometheus collectors for the agent server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repo_agent"

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Workflow runs by final status.",
	}, []string{"status"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Workflow runs currently executing.",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Executed plan steps by final status.",
	}, []string{"status"})

	subActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sub_actions_total",
		Help:      "Executed sub-actions by tool and final status.",
	}, []string{"tool", "status"})

	plannerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "planner_fallbacks_total",
		Help:      "Model responses that failed validation and degraded to a freeform step.",
	})

	githubRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "github_requests_total",
		Help:      "Repository API requests by operation and HTTP status code.",
	}, []string{"operation", "code"})

	githubLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "github_request_duration_seconds",
		Help:      "Repository API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// RunStarted increments the active run gauge.
func RunStarted() { activeRuns.Inc() }

// RunFinished records a run outcome and decrements the active gauge.
func RunFinished(status string) {
	activeRuns.Dec()
	runsTotal.WithLabelValues(status).Inc()
}

// StepFinished records a step outcome.
func StepFinished(status string) {
	stepsTotal.WithLabelValues(status).Inc()
}

// SubActionFinished records a sub-action outcome.
func SubActionFinished(tool, status string) {
	subActionsTotal.WithLabelValues(tool, status).Inc()
}

// PlannerFallback counts a degraded planner response.
func PlannerFallback() { plannerFallbacks.Inc() }

// GitHubRequest records one API call. A code of 0 means the request never got a response.
func GitHubRequest(operation string, code int, elapsed time.Duration) {
	githubRequests.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	githubLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
