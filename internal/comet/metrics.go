package comet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the broker's operational counters.
type Metrics struct {
	ConnectedAgents prometheus.Gauge
	DispatchTotal   *prometheus.CounterVec
	BusPublishTotal *prometheus.CounterVec
}

// NewMetrics registers the comet collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jiascheduler_comet_connected_agents",
			Help: "Number of agent connections currently registered.",
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jiascheduler_comet_dispatch_total",
			Help: "Dispatch and runtime-action requests forwarded to agents.",
		}, []string{"kind", "result"}),
		BusPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jiascheduler_comet_bus_publish_total",
			Help: "Events published to the scheduling event bus.",
		}, []string{"kind", "result"}),
	}
}
