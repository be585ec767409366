package app

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's operational counters.
type Metrics struct {
	InboundCalls   *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	Transfers      *prometheus.CounterVec
	BridgeFailures prometheus.Counter
	ActiveSessions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomhop",
			Name:      "inbound_calls_total",
			Help:      "Inbound calls by kind (new or replacement).",
		}, []string{"kind"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomhop",
			Name:      "commands_recognized_total",
			Help:      "Recognized navigation commands by direction.",
		}, []string{"direction"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomhop",
			Name:      "transfers_total",
			Help:      "Completed room transfers by direction.",
		}, []string{"direction"}),
		BridgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhop",
			Name:      "bridge_failures_total",
			Help:      "Bridge establishments that failed.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomhop",
			Name:      "active_sessions",
			Help:      "Sessions currently in the live set.",
		}),
	}
	reg.MustRegister(m.InboundCalls, m.Commands, m.Transfers, m.BridgeFailures, m.ActiveSessions)
	return m
}
