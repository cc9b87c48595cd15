// Package metrics exposes the scheduler's Prometheus metrics: counters and
// histograms guarded by a package-level registry, behind Reset() (for test
// isolation) and Handler() (for serving /metrics).
//
// Grounded directly on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/metrics/metrics.go: the same mu-guarded *prometheus.
// Registry + Reset()/Handler() shape, re-labeled for task-lifecycle
// operations (submit/poll/kill/event-handler) instead of Redfish ops.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobSubmits       *prometheus.CounterVec
	jobSubmitLatency *prometheus.HistogramVec
	jobPolls         *prometheus.CounterVec
	taskStateChanges *prometheus.CounterVec
	eventHandlers    *prometheus.CounterVec
	mainLoopLatency  prometheus.Histogram
)

// Named job-submission outcomes, used as a metric label.
const (
	OutcomeSubmitted    = "submitted"
	OutcomeSubmitFailed = "submit-failed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests to
// ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	jobSubmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cylc_job_submits_total",
		Help: "Job submission attempts by outcome.",
	}, []string{"outcome"})

	jobSubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cylc_job_submit_latency_seconds",
		Help:    "Time spent dispatching a job-submit batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	jobPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cylc_job_polls_total",
		Help: "Job poll invocations by trust outcome.",
	}, []string{"trusted"})

	taskStateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cylc_task_state_changes_total",
		Help: "Task proxy status transitions by resulting status.",
	}, []string{"status"})

	eventHandlers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cylc_event_handlers_total",
		Help: "Event handler invocations by event and outcome.",
	}, []string{"event", "outcome"})

	mainLoopLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cylc_main_loop_tick_seconds",
		Help:    "Wall-clock duration of one scheduler main-loop tick.",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(jobSubmits, jobSubmitLatency, jobPolls, taskStateChanges, eventHandlers, mainLoopLatency)
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobSubmit records one job-submission outcome.
func ObserveJobSubmit(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	jobSubmits.WithLabelValues(outcome).Inc()
}

// ObserveSubmitLatency records how long a job-submit batch took for
// platform.
func ObserveSubmitLatency(platform string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	jobSubmitLatency.WithLabelValues(platform).Observe(d.Seconds())
}

// ObserveJobPoll records a poll invocation's trust outcome.
func ObserveJobPoll(trusted bool) {
	mu.RLock()
	defer mu.RUnlock()
	label := "true"
	if !trusted {
		label = "false"
	}
	jobPolls.WithLabelValues(label).Inc()
}

// ObserveTaskStateChange records a task reaching status.
func ObserveTaskStateChange(status string) {
	mu.RLock()
	defer mu.RUnlock()
	taskStateChanges.WithLabelValues(status).Inc()
}

// ObserveEventHandler records one event-handler invocation's outcome
// ("ok", "retry", or "failed").
func ObserveEventHandler(event, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	eventHandlers.WithLabelValues(event, outcome).Inc()
}

// ObserveMainLoopTick records one scheduler tick's duration.
func ObserveMainLoopTick(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	mainLoopLatency.Observe(d.Seconds())
}
