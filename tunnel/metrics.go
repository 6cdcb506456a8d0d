package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests prometheus.Counter
	failures prometheus.Counter
	retries  prometheus.Counter
	recycles prometheus.Counter
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)
	return &metrics{
		requests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "tunnel",
			Name:      "requests_total",
			Help:      "Requests executed through the tunnel pool.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "tunnel",
			Name:      "request_failures_total",
			Help:      "Requests that exhausted the retry budget.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "tunnel",
			Name:      "request_retries_total",
			Help:      "Requests that succeeded after at least one retry.",
		}),
		recycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "tunnel",
			Name:      "connection_recycles_total",
			Help:      "Pooled connections closed due to age or failure.",
		}),
	}
}
