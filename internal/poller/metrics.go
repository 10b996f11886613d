package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the exporter's own poller metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	Ticks        prometheus.Counter
	TickFailures prometheus.Counter
	EventsSent   prometheus.Counter
	TickDuration prometheus.Gauge
}

// NewMetrics creates the poller metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pgqexporter",
			Name:      "ticks_total",
			Help:      "Sampling ticks run by the poller.",
		}),
		TickFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pgqexporter",
			Name:      "tick_failures_total",
			Help:      "Sampling ticks that ended in an error.",
		}),
		EventsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pgqexporter",
			Name:      "events_sent_total",
			Help:      "Metric events handed to the sender.",
		}),
		TickDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgqexporter",
			Name:      "last_tick_duration_seconds",
			Help:      "Wall time of the most recent tick.",
		}),
	}
}

func (m *Metrics) observeTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Set(d.Seconds())
	if err != nil {
		m.TickFailures.Inc()
	}
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.EventsSent.Inc()
}
