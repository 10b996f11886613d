package registry

import "github.com/tinytelemetry/pgqexporter/internal/model"

// NewDefault returns a registry tagged "pgq" with the stock pgq metrics:
// new_events and events_per_second per queue, pending_events per consumer.
func NewDefault() *Registry {
	r := New(model.DefaultTypeTag)

	mustRegister(r.RegisterGauge("new_events", "new events qty for queue", Options{
		From:   "queue",
		Column: "ev_new",
	}))
	mustRegister(r.RegisterGauge("events_per_second", "new events qty for queue", Options{
		From: "queue",
		Derive: QueueFunc(func(queue model.Row) (float64, error) {
			if v, ok := queue.Float("ev_per_sec"); ok {
				return v, nil
			}
			return 0.0, nil
		}),
	}))
	mustRegister(r.RegisterGauge("pending_events", "pending events qty for queue and consumer", Options{
		From: "consumer",
	}))

	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
