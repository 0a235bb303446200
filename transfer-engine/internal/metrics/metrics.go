package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "transfer"

// Registry holds every transfer engine collector. It is separate from the
// default registry so tests can gather it without global noise.
var Registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "executions_total",
			Help:      "Count of finalized executions by status and mode.",
		},
		[]string{"status", "mode", "error_kind"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of an execution from start to final record.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)
	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "units_total",
			Help:      "Units allocated or left unallocated by completed executions.",
		},
		[]string{"outcome"},
	)
	gateRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "gate_refusals_total",
			Help:      "Count of live executions refused by the safety gate, by rule.",
		},
		[]string{"rule"},
	)
	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lock_contention_total",
			Help:      "Count of executions rejected because the policy was already running.",
		},
	)
	nonConverged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "allocation_non_converged_total",
			Help:      "Count of product allocations that hit the pass limit.",
		},
	)
	streamResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "stream_results_total",
			Help:      "Count of execution records streamed to kafka and s3, by result.",
		},
		[]string{"result"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			executionsTotal,
			executionDuration,
			unitsTotal,
			gateRefusals,
			lockContention,
			nonConverged,
			streamResults,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func mode(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "live"
}

// RecordExecution records one finalized execution.
func RecordExecution(status, errorKind string, simulation bool, elapsed time.Duration) {
	executionsTotal.WithLabelValues(status, mode(simulation), errorKind).Inc()
	executionDuration.WithLabelValues(mode(simulation)).Observe(elapsed.Seconds())
}

func RecordUnits(allocated, unallocated int) {
	unitsTotal.WithLabelValues("allocated").Add(float64(allocated))
	unitsTotal.WithLabelValues("unallocated").Add(float64(unallocated))
}

func RecordGateRefusal(rule string) {
	gateRefusals.WithLabelValues(rule).Inc()
}

func RecordLockContention() {
	lockContention.Inc()
}

func RecordNonConverged() {
	nonConverged.Inc()
}

func RecordStreamResult(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	streamResults.WithLabelValues(result).Inc()
}
