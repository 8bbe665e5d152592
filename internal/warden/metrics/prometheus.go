package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/hyrule/warden/internal/warden/config"
)

// RegisterTransferLatency creates and registers a prometheus histogram
// to observe the latency of replica transfers dispatched by the repair
// engine.
func RegisterTransferLatency(conf config.Prometheus) (Histogram, error) {
	transferLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "transfer_latency",
			Buckets:   conf.GRPCLatencyBuckets,
		},
	)

	return transferLatency, prometheus.Register(transferLatency)
}

// RegisterChallengeLatency creates and registers a prometheus histogram
// to observe verification challenge round trip times.
func RegisterChallengeLatency(conf config.Prometheus) (Histogram, error) {
	challengeLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "challenge_latency",
			Buckets:   conf.GRPCLatencyBuckets,
		},
	)

	return challengeLatency, prometheus.Register(challengeLatency)
}

// RegisterRepairJobsInFlight creates and registers a gauge
// to track the number of repair jobs being processed
func RegisterRepairJobsInFlight() (Gauge, error) {
	repairJobsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "repair_jobs",
		},
	)
	return repairJobsInFlight, prometheus.Register(repairJobsInFlight)
}

// Gauge is a subset of a prometheus Gauge
type Gauge interface {
	Inc()
	Dec()
}

// Counter is a subset of a prometheus Counter
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram is a subset of a prometheus Histogram
type Histogram interface {
	Observe(float64)
}
