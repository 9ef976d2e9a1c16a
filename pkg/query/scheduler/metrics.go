package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultCompleted = "completed"
	resultError     = "error"
	resultFailed    = "failed"
	resultCancelled = "cancelled"
)

type metrics struct {
	registeredChains prometheus.Gauge
	chainsTotal      *prometheus.CounterVec
	turnsTotal       prometheus.Counter
	notReadyTotal    prometheus.Counter
	turnSeconds      prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		registeredChains: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quercus_scheduler_registered_chains",
			Help: "Number of opchains currently registered.",
		}),
		chainsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quercus_scheduler_chains_total",
			Help: "Opchains finished, by result.",
		}, []string{"result"}),
		turnsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_scheduler_turns_total",
			Help: "Scheduling turns executed.",
		}),
		notReadyTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_scheduler_not_ready_total",
			Help: "Turns that yielded because the chain's input was not ready.",
		}),
		turnSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "quercus_scheduler_turn_duration_seconds",
			Help:    "Duration of a single scheduling turn.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}
