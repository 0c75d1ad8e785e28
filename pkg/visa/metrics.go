package visa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "itech"
	subSystem = "visa"
)

var (
	// Total number of commands sent, by operation
	commandCounters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subSystem,
		Name:      "commands_total",
		Help:      "Total number of SCPI lines sent",
	}, []string{"op"})
	// Total number of commands that failed at the transport level
	errorCounters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subSystem,
		Name:      "errors_total",
		Help:      "Total number of SCPI transport failures",
	}, []string{"op"})
	roundTripHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subSystem,
		Name:      "roundtrip_seconds",
		Help:      "Duration of SCPI queries from write to reply",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
