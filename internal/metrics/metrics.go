// Package metrics exposes Prometheus collectors for the recordpump service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsProcessedTotal  *prometheus.CounterVec
	recordsDeadLetterTotal *prometheus.CounterVec
	inFlightTasks          prometheus.Gauge
	governorWaitSeconds    prometheus.Gauge
	watermarkValue         *prometheus.GaugeVec
	engineCallSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordpump_records_processed_total",
				Help: "Total number of records harvested, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsDeadLetterTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordpump_dead_letter_total",
				Help: "Total number of messages rejected without requeue, labeled by reason.",
			},
			[]string{"reason"},
		)

		inFlightTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recordpump_in_flight_tasks",
				Help: "Number of tasks currently submitted to the worker pool.",
			},
		)

		governorWaitSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recordpump_governor_wait_seconds",
				Help: "Most recent wait recommended by the governor. -1 means hard pause.",
			},
		)

		watermarkValue = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recordpump_watermark_value",
				Help: "Most recent congestion value sampled per datastore target.",
			},
			[]string{"target"},
		)

		engineCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recordpump_engine_call_seconds",
				Help:    "Histogram of record-processing call latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProcessed increments the processed counter for the given outcome.
func ObserveProcessed(outcome string) {
	recordsProcessedTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeadLetter increments the dead-letter counter for the given reason.
func ObserveDeadLetter(reason string) {
	recordsDeadLetterTotal.WithLabelValues(reason).Inc()
}

// SetInFlight records the current in-flight task count.
func SetInFlight(n int) {
	inFlightTasks.Set(float64(n))
}

// SetGovernorWait records the most recent governor recommendation.
func SetGovernorWait(d time.Duration) {
	if d < 0 {
		governorWaitSeconds.Set(-1)
		return
	}
	governorWaitSeconds.Set(d.Seconds())
}

// SetWatermark records the congestion value sampled from a target.
func SetWatermark(target string, value int64) {
	watermarkValue.WithLabelValues(target).Set(float64(value))
}

// ObserveEngineCall records the duration of one record-processing call.
func ObserveEngineCall(outcome string, duration time.Duration) {
	engineCallSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}
