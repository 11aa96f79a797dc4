package threat

import "github.com/prometheus/client_golang/prometheus"

var (
	threatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nidps_threats_detected_total",
			Help: "Threat events emitted, by attack type",
		},
		[]string{"attack_type"},
	)
	intelErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nidps_intel_lookup_errors_total",
			Help: "Known-bad lookups that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(threatsDetected)
	prometheus.MustRegister(intelErrors)
}
