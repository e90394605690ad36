package server

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqkv",
			Subsystem: "replica",
			Name:      "commits",
			Help:      "Counter of commit outcomes.",
		}, []string{"replica", "result"})

	assignCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqkv",
			Subsystem: "replica",
			Name:      "assignments",
			Help:      "Counter of received order assignments.",
		}, []string{"replica", "type"})

	readCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqkv",
			Subsystem: "replica",
			Name:      "reads",
			Help:      "Counter of served reads.",
		}, []string{"replica", "result"})

	heldCommitsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seqkv",
			Subsystem: "replica",
			Name:      "held_commits",
			Help:      "Commit requests waiting in the holdback queue.",
		}, []string{"replica"})

	cursorGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seqkv",
			Subsystem: "replica",
			Name:      "cursor",
			Help:      "Next order number the replica applies.",
		}, []string{"replica"})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(assignCounter)
	prometheus.MustRegister(readCounter)
	prometheus.MustRegister(heldCommitsGauge)
	prometheus.MustRegister(cursorGauge)
}
