package block

import "github.com/prometheus/client_golang/prometheus"

var (
	blockDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nidps_block_decisions_total",
			Help: "Block decisions taken for threat events, by outcome",
		},
		[]string{"outcome"},
	)
	firewallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nidps_firewall_errors_total",
			Help: "Firewall operations that failed after all retries",
		},
		[]string{"op"},
	)
	activeBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nidps_active_blocks",
			Help: "Number of addresses currently blocked",
		},
	)
	sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nidps_block_sweeps_total",
			Help: "Expiry sweeps run",
		},
	)
)

func init() {
	prometheus.MustRegister(blockDecisions)
	prometheus.MustRegister(firewallErrors)
	prometheus.MustRegister(activeBlocks)
	prometheus.MustRegister(sweeps)
}
