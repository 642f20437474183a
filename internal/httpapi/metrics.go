package httpapi

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	inbound       *prometheus.CounterVec
	outbound      *prometheus.CounterVec
	statusUpdates *prometheus.CounterVec
	wsClients     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sms_inbox",
			Name:      "inbound_messages_total",
			Help:      "Inbound webhook deliveries by result (stored, duplicate, error).",
		}, []string{"result"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sms_inbox",
			Name:      "outbound_messages_total",
			Help:      "Outbound send requests by result code.",
		}, []string{"result"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sms_inbox",
			Name:      "status_callbacks_total",
			Help:      "Delivery status callbacks by outcome (applied, ignored, error).",
		}, []string{"outcome"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sms_inbox",
			Name:      "websocket_clients",
			Help:      "Open real-time websocket connections.",
		}),
	}
	for _, c := range []prometheus.Collector{m.inbound, m.outbound, m.statusUpdates, m.wsClients} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("httpapi: register metrics: %w", err)
		}
	}
	return m, nil
}
