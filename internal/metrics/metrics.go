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

	notificationsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "delivery",
			Name:      "enqueued_total",
			Help:      "Number of delivery jobs accepted into the queue.",
		},
	)
	notificationsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Number of notifications successfully forwarded and marked delivered.",
		},
	)
	notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Number of delivery jobs dropped, by reason (queue_full, forward_failed).",
		}, []string{"reason"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "expbot",
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Current number of jobs waiting in the delivery queue.",
		},
	)
	notificationsMuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "notify",
			Name:      "muted_total",
			Help:      "Number of notifications persisted but not enqueued because the user is muted.",
		},
	)
	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of tracked process starts.",
		},
	)
	processEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "process",
			Name:      "ends_total",
			Help:      "Number of tracked process ends by terminal status.",
		}, []string{"status"},
	)
	processDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "expbot",
			Subsystem: "process",
			Name:      "duration_seconds",
			Help:      "Observed wall-clock duration of ended processes.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "expbot",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Number of requests rejected for an unknown or inactive API key.",
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
		notificationsEnqueued, notificationsDelivered, notificationsDropped,
		queueDepth, notificationsMuted, processStarts, processEnds,
		processDuration, authFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler returns an http.Handler serving metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncEnqueued()                           { notificationsEnqueued.Inc() }
func IncDelivered()                          { notificationsDelivered.Inc() }
func IncDropped(reason string)               { notificationsDropped.WithLabelValues(reason).Inc() }
func SetQueueDepth(n int)                    { queueDepth.Set(float64(n)) }
func IncMuted()                              { notificationsMuted.Inc() }
func IncProcessStart()                       { processStarts.Inc() }
func IncProcessEnd(status string)            { processEnds.WithLabelValues(status).Inc() }
func ObserveProcessDuration(seconds float64) { processDuration.Observe(seconds) }
func IncAuthFailure()                        { authFailures.Inc() }
