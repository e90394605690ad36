package client

import "github.com/prometheus/client_golang/prometheus"

var (
	clientCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqkv",
			Subsystem: "client",
			Name:      "events",
			Help:      "Counter of client transaction events",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(clientCounter)
}
