package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

var deliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "minimailgun",
		Subsystem: "delivery",
		Name:      "outcomes_total",
		Help:      "Processed envelopes by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}
