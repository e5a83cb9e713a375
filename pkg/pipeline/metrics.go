package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "pipeline", Name: "samples_total", Help: "Feature vectors assembled."},
	)
	sampleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "pipeline", Name: "sample_errors_total", Help: "Sampling ticks skipped on sensor read failure."},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "pipeline", Name: "queue_drops_total", Help: "Items dropped because a bounded queue was full."},
		[]string{"queue"},
	)
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "evsecure", Subsystem: "pipeline", Name: "alerts_total", Help: "Alerts emitted by the scoring task."},
		[]string{"level"},
	)
	combinedScore = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "evsecure", Subsystem: "pipeline", Name: "combined_score", Help: "Most recent combined anomaly score."},
	)
)

func init() {
	_ = prometheus.Register(samplesTotal)
	_ = prometheus.Register(sampleErrors)
	_ = prometheus.Register(queueDrops)
	_ = prometheus.Register(alertsTotal)
	_ = prometheus.Register(combinedScore)
}
