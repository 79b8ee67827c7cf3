package scaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_hpa_reconcile_actions_total",
			Help: "Mutations applied to autoscalers, by action.",
		},
		[]string{"action"},
	)

	reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_hpa_reconcile_errors_total",
			Help: "Failed reconciliations, by reason.",
		},
		[]string{"reason"},
	)

	managedAutoscalers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auto_hpa_managed_autoscalers",
			Help: "Managed autoscalers currently known to the controller.",
		},
	)

	configurationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_hpa_configuration_errors_total",
			Help: "Malformed policy fields replaced by their default, by key.",
		},
		[]string{"key"},
	)

	driftSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auto_hpa_drift_sweep_duration_seconds",
			Help:    "Duration of drift correction sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	gracePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auto_hpa_grace_pending",
			Help: "Workloads waiting for their grace window to elapse.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileActions,
		reconcileErrors,
		managedAutoscalers,
		configurationErrors,
		driftSweepDuration,
		gracePending,
	)
}

// CountConfigurationError records a defaulted policy field.
func CountConfigurationError(key string) {
	configurationErrors.WithLabelValues(key).Inc()
}

func errorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTransient(err):
		return "unavailable"
	default:
		return "other"
	}
}
