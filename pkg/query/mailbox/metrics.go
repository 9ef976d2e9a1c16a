package mailbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	transportLocal  = "local"
	transportRemote = "remote"

	releaseTerminal = "terminal"
	releaseForced   = "forced"
	releaseExpired  = "expired"
)

type metrics struct {
	openQueues    prometheus.Gauge
	sendsTotal    *prometheus.CounterVec
	framesTotal   prometheus.Counter
	connsTotal    prometheus.Counter
	releasedTotal *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		openQueues: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quercus_mailbox_open_channels",
			Help: "Number of mailbox channels currently registered.",
		}),
		sendsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quercus_mailbox_sends_total",
			Help: "Total blocks accepted for delivery, by transport.",
		}, []string{"transport"}),
		framesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_mailbox_frames_received_total",
			Help: "Total block frames received from peer workers.",
		}),
		connsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quercus_mailbox_connections_total",
			Help: "Total inbound transport connections accepted.",
		}),
		releasedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quercus_mailbox_released_total",
			Help: "Total channels released, by reason.",
		}, []string{"reason"}),
	}
}
