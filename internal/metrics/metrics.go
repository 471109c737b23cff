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

	backendSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Number of successful backend spawns.",
		}, []string{"name"},
	)
	backendCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "crashes_total",
			Help:      "Number of backend crashes by cause.",
		}, []string{"name", "cause"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of restarts performed.",
		}, []string{"name"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of readiness probes by result.",
		}, []string{"name", "result"},
	)
	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Readiness probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)

	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Number of update feed checks by result.",
		}, []string{"result"},
	)
	updateDownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "update",
			Name:      "download_bytes_total",
			Help:      "Total bytes received across update downloads.",
		},
	)

	ipcClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "ipc",
			Name:      "connected_clients",
			Help:      "Currently connected event stream clients.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendSpawns, backendCrashes, backendRestarts, backendStops,
		stateTransitions, currentStates,
		healthChecks, healthCheckDuration,
		updateChecks, updateDownloadBytes,
		ipcClients,
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route and the server.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string) {
	if regOK.Load() {
		backendSpawns.WithLabelValues(name).Inc()
	}
}

func IncCrash(name, cause string) {
	if regOK.Load() {
		backendCrashes.WithLabelValues(name, cause).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		backendStops.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func ObserveHealthCheck(name string, healthy bool, seconds float64) {
	if regOK.Load() {
		result := "fail"
		if healthy {
			result = "ok"
		}
		healthChecks.WithLabelValues(name, result).Inc()
		healthCheckDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncUpdateCheck(result string) {
	if regOK.Load() {
		updateChecks.WithLabelValues(result).Inc()
	}
}

func AddDownloadBytes(n int64) {
	if regOK.Load() && n > 0 {
		updateDownloadBytes.Add(float64(n))
	}
}

func SetIPCClients(n int) {
	if regOK.Load() {
		ipcClients.Set(float64(n))
	}
}
