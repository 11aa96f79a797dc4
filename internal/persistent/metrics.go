package persistent

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nidps_audit_records_written_total",
		Help: "Audit records written to durable storage",
	})
	recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nidps_audit_records_dropped_total",
		Help: "Audit records dropped because the persistence buffer was full",
	})
	persistenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nidps_audit_write_errors_total",
		Help: "Failed audit batch writes",
	})
)

func init() {
	prometheus.MustRegister(recordsWritten, recordsDropped, persistenceErrors)
}
