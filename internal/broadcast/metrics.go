package broadcast

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the hub's subscriber count and dropped deliveries.
func (h *Hub) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sms_inbox",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Connected real-time subscribers on this instance.",
		}, func() float64 { return float64(h.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sms_inbox",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Events skipped for subscribers whose buffer was full.",
		}, func() float64 { return float64(h.Dropped()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("broadcast: register metrics: %w", err)
		}
	}
	return nil
}
