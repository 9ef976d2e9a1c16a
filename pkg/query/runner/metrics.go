package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	stageLeaf         = "leaf"
	stageIntermediate = "intermediate"
)

type metrics struct {
	stagesTotal     *prometheus.CounterVec
	stageRejections prometheus.Counter
	breakerFailures prometheus.Counter
	cancelsTotal    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		stagesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quercus_runner_stages_total",
			Help: "Stage plans accepted for execution, by kind.",
		}, []string{"kind"}),
		stageRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_runner_stage_rejections_total",
			Help: "Stage plans rejected at submission.",
		}),
		breakerFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_runner_breaker_failures_total",
			Help: "Stages whose pipeline breaker materialization failed.",
		}),
		cancelsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_runner_cancels_total",
			Help: "Cancel requests handled.",
		}),
	}
}
