package classifier

import "github.com/prometheus/client_golang/prometheus"

var (
	predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nidps_classifier_predictions_total",
			Help: "Predictions served, by label",
		},
		[]string{"label"},
	)
	modelLoadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nidps_classifier_load_failures_total",
			Help: "Model artifact loads that were rejected",
		},
	)
	modelInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nidps_classifier_model_info",
			Help: "Set to 1 for the serving model version",
		},
		[]string{"version"},
	)
)

func init() {
	prometheus.MustRegister(predictions)
	prometheus.MustRegister(modelLoadFailures)
	prometheus.MustRegister(modelInfo)
}
