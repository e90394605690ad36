package sequencer

import "github.com/prometheus/client_golang/prometheus"

var (
	sequencerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqkv",
			Subsystem: "sequencer",
			Name:      "events",
			Help:      "Counter of sequencer events",
		}, []string{"type"})

	sequencerGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seqkv",
			Subsystem: "sequencer",
			Name:      "next_order",
			Help:      "Next order number the sequencer hands out.",
		})
)

func init() {
	prometheus.MustRegister(sequencerCounter)
	prometheus.MustRegister(sequencerGauge)
}
