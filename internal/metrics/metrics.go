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

	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "scan",
			Name:      "events_total",
			Help:      "Number of submitted scan events by terminal outcome.",
		}, []string{"outcome"},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Number of delivery attempts by result.",
		}, []string{"result"},
	)
	retryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "delivery",
			Name:      "retry_exhausted_total",
			Help:      "Number of operations that consumed their full retry budget.",
		},
	)
	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "history",
			Name:      "flushes_total",
			Help:      "Number of history flushes by result.",
		}, []string{"result"},
	)
	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scanflow",
			Subsystem: "history",
			Name:      "flush_duration_seconds",
			Help:      "Observed durations of history file flushes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	rotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "history",
			Name:      "rotations_total",
			Help:      "Number of history file rotations.",
		},
	)
	archiveFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scanflow",
			Subsystem: "history",
			Name:      "archive_files",
			Help:      "Current number of retained archive files.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanflow",
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Number of state machine transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scanflow",
			Subsystem: "state",
			Name:      "current",
			Help:      "Current engine state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		scansTotal, deliveryAttempts, retryExhausted,
		flushesTotal, flushDuration, rotationsTotal, archiveFiles,
		stateTransitions, currentStates,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordScan(outcome string) {
	if regOK.Load() {
		scansTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordDeliveryAttempt(result string) {
	if regOK.Load() {
		deliveryAttempts.WithLabelValues(result).Inc()
	}
}

func RecordRetryExhausted() {
	if regOK.Load() {
		retryExhausted.Inc()
	}
}

func RecordFlush(result string, seconds float64) {
	if regOK.Load() {
		flushesTotal.WithLabelValues(result).Inc()
		flushDuration.Observe(seconds)
	}
}

func RecordRotation() {
	if regOK.Load() {
		rotationsTotal.Inc()
	}
}

func SetArchiveFiles(n int) {
	if regOK.Load() {
		archiveFiles.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}
