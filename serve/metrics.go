package serve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guseggert/liveserve/proc"
)

// Metrics observes the serve session.
type Metrics interface {
	// ChildLaunched records a launch. initial is true for the first launch of the session.
	ChildLaunched(initial bool, err error)

	// ChildTerminated records how a termination resolved and how long it took.
	ChildTerminated(outcome proc.Outcome, duration time.Duration)

	HeartbeatFailed()

	LogRecordsForwarded(n int)

	// Restarted records the time taken to terminate the old child and launch the new one.
	Restarted(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ChildLaunched(initial bool, err error)                        {}
func (noopMetrics) ChildTerminated(outcome proc.Outcome, duration time.Duration) {}
func (noopMetrics) HeartbeatFailed()                                             {}
func (noopMetrics) LogRecordsForwarded(n int)                                    {}
func (noopMetrics) Restarted(duration time.Duration)                             {}

func NewNoopMetrics() Metrics { return noopMetrics{} }

// PrometheusMetrics implements Metrics on its own registry.
type PrometheusMetrics struct {
	launches            *prometheus.CounterVec
	terminations        *prometheus.CounterVec
	terminationDuration prometheus.Histogram
	heartbeatFailures   prometheus.Counter
	logRecords          prometheus.Counter
	restartDuration     prometheus.Histogram

	registry *prometheus.Registry
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "liveserve"
	}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	m.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of serve process launches",
		},
		[]string{"kind", "status"},
	)

	m.terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Total number of serve process terminations by outcome",
		},
		[]string{"outcome"},
	)

	m.terminationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "termination_duration_seconds",
			Help:      "Duration of serve process terminations",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.heartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Total number of failed session heartbeats",
		},
	)

	m.logRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_records_forwarded_total",
			Help:      "Total number of log records forwarded to the output",
		},
	)

	m.restartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restart_duration_seconds",
			Help:      "Duration of restarts, from terminating the old process until the new one is launched",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	m.registry.MustRegister(
		m.launches,
		m.terminations,
		m.terminationDuration,
		m.heartbeatFailures,
		m.logRecords,
		m.restartDuration,
	)

	return m
}

func (m *PrometheusMetrics) ChildLaunched(initial bool, err error) {
	kind := "restart"
	if initial {
		kind = "initial"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.launches.WithLabelValues(kind, status).Inc()
}

func (m *PrometheusMetrics) ChildTerminated(outcome proc.Outcome, duration time.Duration) {
	m.terminations.WithLabelValues(outcome.String()).Inc()
	if outcome != proc.OutcomeNoop {
		m.terminationDuration.Observe(duration.Seconds())
	}
}

func (m *PrometheusMetrics) HeartbeatFailed() { m.heartbeatFailures.Inc() }

func (m *PrometheusMetrics) LogRecordsForwarded(n int) { m.logRecords.Add(float64(n)) }

func (m *PrometheusMetrics) Restarted(duration time.Duration) {
	m.restartDuration.Observe(duration.Seconds())
}

// Registry returns the registry for HTTP handler setup.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ Metrics = (*PrometheusMetrics)(nil)
