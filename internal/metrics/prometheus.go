package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the load generator.
type PrometheusMetrics struct {
	// Counters
	CallsTotal        *prometheus.CounterVec
	StatePatchesTotal *prometheus.CounterVec

	// Gauges
	InFlight      prometheus.Gauge
	RunStatus     *prometheus.GaugeVec
	BatchDuration *prometheus.GaugeVec

	// Histograms
	CallLatency *prometheus.HistogramVec
	RPCLatency  *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nearload_calls_total",
				Help: "Contract calls by outcome status and call type",
			},
			[]string{"status", "call_type"},
		),

		StatePatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nearload_state_patches_total",
				Help: "sandbox_patch_state requests by result",
			},
			[]string{"result"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nearload_calls_in_flight",
				Help: "Calls submitted and awaiting an outcome",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nearload_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		BatchDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nearload_batch_duration_seconds",
				Help: "Duration of the last batch by phase (construction, execution)",
			},
			[]string{"phase"},
		),

		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nearload_call_latency_seconds",
				Help:    "Submission to outcome latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"call_type"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nearload_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordOutcome counts an outcome and observes its latency.
func (m *PrometheusMetrics) RecordOutcome(callType, status string, latencySeconds float64) {
	m.CallsTotal.WithLabelValues(status, callType).Inc()
	if latencySeconds > 0 {
		m.CallLatency.WithLabelValues(callType).Observe(latencySeconds)
	}
}

// RecordStatePatch counts a state patch request.
func (m *PrometheusMetrics) RecordStatePatch(success bool) {
	result := "applied"
	if !success {
		result = "rejected"
	}
	m.StatePatchesTotal.WithLabelValues(result).Inc()
}

// knownRPCMethods bounds the method label cardinality.
var knownRPCMethods = map[string]bool{
	"broadcast_tx_commit": true,
	"broadcast_tx_async":  true,
	"tx":                  true,
	"query":               true,
	"block":               true,
	"chunk":               true,
	"status":              true,
	"sandbox_patch_state": true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// SetInFlight updates the in-flight gauge.
func (m *PrometheusMetrics) SetInFlight(n int64) {
	m.InFlight.Set(float64(n))
}

// SetBatchDuration records the duration of a batch phase.
func (m *PrometheusMetrics) SetBatchDuration(phase string, seconds float64) {
	m.BatchDuration.WithLabelValues(phase).Set(seconds)
}

// SetRunStatus marks status as the only active run status.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "provisioning", "running", "verifying", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}

// Reset clears counters and gauges. Histograms are cumulative and stay.
func (m *PrometheusMetrics) Reset() {
	m.CallsTotal.Reset()
	m.StatePatchesTotal.Reset()
	m.BatchDuration.Reset()
	m.InFlight.Set(0)
	m.SetRunStatus("idle")
}
