package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	projectStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "starts_total",
			Help:      "Number of successful project starts.",
		}, []string{"project"},
	)
	projectStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"project"},
	)
	projectCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "crashes_total",
			Help:      "Number of unexpected process exits.",
		}, []string{"project"},
	)
	projectLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "launch_failures_total",
			Help:      "Number of starts that failed to spawn a process.",
		}, []string{"project"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"project", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "current_state",
			Help:      "Current lifecycle state per project (1 = active state, 0 = inactive).",
		}, []string{"project", "state"},
	)

	consoleLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "console",
			Name:      "lines_total",
			Help:      "Console output lines drained per project.",
		}, []string{"project"},
	)
	consoleBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "console",
			Name:      "bytes_total",
			Help:      "Console output bytes drained per project.",
		}, []string{"project"},
	)

	terminalTokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "terminal",
			Name:      "tokens_issued_total",
			Help:      "Connect tokens issued.",
		},
	)
	terminalTokensExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "terminal",
			Name:      "tokens_expired_total",
			Help:      "Connect tokens that expired unconsumed.",
		},
	)
	terminalExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "terminal",
			Name:      "exchanges_total",
			Help:      "Token exchange attempts by outcome.",
		}, []string{"result"},
	)
	terminalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "terminal",
			Name:      "sessions_active",
			Help:      "Live terminal sessions.",
		},
	)

	backupJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "jobs_total",
			Help:      "Backup jobs by trigger and result.",
		}, []string{"project", "trigger", "result"},
	)
	backupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Wall time of completed backup jobs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"project"},
	)
	backupSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "last_size_bytes",
			Help:      "Size of the most recent successful archive.",
		}, []string{"project"},
	)
)

// Register registers all metrics with the provided registerer. Safe to
// call multiple times; collectors already present are left alone.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		projectStarts, projectStops, projectCrashes, projectLaunchFailures,
		stateTransitions, currentStates,
		consoleLines, consoleBytes,
		terminalTokensIssued, terminalTokensExpired, terminalExchanges, terminalSessions,
		backupJobs, backupDuration, backupSize,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
// The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(project string) {
	if regOK.Load() {
		projectStarts.WithLabelValues(project).Inc()
	}
}

func IncStop(project string) {
	if regOK.Load() {
		projectStops.WithLabelValues(project).Inc()
	}
}

func IncCrash(project string) {
	if regOK.Load() {
		projectCrashes.WithLabelValues(project).Inc()
	}
}

func IncLaunchFailure(project string) {
	if regOK.Load() {
		projectLaunchFailures.WithLabelValues(project).Inc()
	}
}

func RecordStateTransition(project, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(project, from, to).Inc()
	}
}

func SetCurrentState(project, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(project, state).Set(v)
	}
}

func AddConsoleOutput(project string, bytes int) {
	if regOK.Load() {
		consoleLines.WithLabelValues(project).Inc()
		consoleBytes.WithLabelValues(project).Add(float64(bytes))
	}
}

func TokenIssued() {
	if regOK.Load() {
		terminalTokensIssued.Inc()
	}
}

func TokenExpired() {
	if regOK.Load() {
		terminalTokensExpired.Inc()
	}
}

func RecordExchange(result string) {
	if regOK.Load() {
		terminalExchanges.WithLabelValues(result).Inc()
	}
}

func SessionOpened() {
	if regOK.Load() {
		terminalSessions.Inc()
	}
}

func SessionClosed() {
	if regOK.Load() {
		terminalSessions.Dec()
	}
}

func RecordBackup(project, trigger, result string, seconds float64, sizeBytes int64) {
	if !regOK.Load() {
		return
	}
	backupJobs.WithLabelValues(project, trigger, result).Inc()
	if result == "success" {
		backupDuration.WithLabelValues(project).Observe(seconds)
		backupSize.WithLabelValues(project).Set(float64(sizeBytes))
	}
}
