package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	unlocksTotal       *prometheus.CounterVec
	creditOpsTotal     *prometheus.CounterVec
	creditOpAmount     *prometheus.HistogramVec
	redeemsTotal       *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		unlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_total",
			Help:      "Total number of unlock attempts by method and outcome.",
		}, []string{"method", "outcome"}),

		creditOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Total number of credit ledger operations.",
		}, []string{"operation", "success"}),

		creditOpAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_operation_amount",
			Help:      "Distribution of credit ledger operation amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"operation"}),

		redeemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_redeems_total",
			Help:      "Total number of purchase redemptions by platform and outcome.",
		}, []string{"platform", "product_type", "outcome"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

// RecordUnlock implements entitlement.Metrics.
func (m *Metrics) RecordUnlock(method, outcome string) {
	m.unlocksTotal.WithLabelValues(method, outcome).Inc()
}

// RecordCreditOperation implements entitlement.Metrics.
func (m *Metrics) RecordCreditOperation(operation string, amount int, success bool) {
	m.creditOpsTotal.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
	if success {
		m.creditOpAmount.WithLabelValues(operation).Observe(float64(amount))
	}
}

// RecordRedeem implements entitlement.Metrics.
func (m *Metrics) RecordRedeem(platform, productType, outcome string) {
	m.redeemsTotal.WithLabelValues(platform, productType, outcome).Inc()
}

// RecordStorageOperation implements entitlement.Metrics.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
