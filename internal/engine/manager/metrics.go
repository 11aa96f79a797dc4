package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	packetsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nidps_packets_processed_total",
		Help: "Packets classified by the ingestion loop, by label.",
	}, []string{"label"})
	packetsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nidps_packets_dropped_total",
		Help: "Packets dropped because the input queue was full or the engine stopped.",
	})
	schemaErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nidps_schema_errors_total",
		Help: "Packets rejected by the feature extractor.",
	})
	systemEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nidps_system_events_total",
		Help: "System events recorded, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(packetsProcessed, packetsDropped, schemaErrors, systemEvents)
}
