package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func TestRecordUnlock(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "entitlement")

	metrics.RecordUnlock("credits", "granted")
	metrics.RecordUnlock("credits", "granted")
	metrics.RecordUnlock("premium", "premium_required")

	family := gatherFamily(t, reg, "entitlement_unlocks_total")
	if family == nil {
		t.Fatal("unlocks_total not registered")
	}
	if len(family.GetMetric()) != 2 {
		t.Fatalf("Label combination count mismatch: got %d, want 2", len(family.GetMetric()))
	}
	for _, metric := range family.GetMetric() {
		switch labelValue(metric, "method") {
		case "credits":
			if got := metric.GetCounter().GetValue(); got != 2 {
				t.Errorf("credits counter mismatch: got %v, want 2", got)
			}
		case "premium":
			if got := metric.GetCounter().GetValue(); got != 1 {
				t.Errorf("premium counter mismatch: got %v, want 1", got)
			}
		}
	}
}

func TestRecordCreditOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "entitlement")

	metrics.RecordCreditOperation("deduct", 5, true)
	metrics.RecordCreditOperation("deduct", 7, false)

	family := gatherFamily(t, reg, "entitlement_credit_operations_total")
	if family == nil {
		t.Fatal("credit_operations_total not registered")
	}
	if len(family.GetMetric()) != 2 {
		t.Fatalf("Label combination count mismatch: got %d, want 2", len(family.GetMetric()))
	}

	// Only the successful operation lands in the amount histogram.
	amounts := gatherFamily(t, reg, "entitlement_credit_operation_amount")
	if amounts == nil {
		t.Fatal("credit_operation_amount not registered")
	}
	hist := amounts.GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Errorf("Histogram sample count mismatch: got %d, want 1", hist.GetSampleCount())
	}
	if hist.GetSampleSum() != 5 {
		t.Errorf("Histogram sum mismatch: got %v, want 5", hist.GetSampleSum())
	}
}

func TestRecordRedeem(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "entitlement")

	metrics.RecordRedeem("apple", "credits", "granted")

	family := gatherFamily(t, reg, "entitlement_purchase_redeems_total")
	if family == nil {
		t.Fatal("purchase_redeems_total not registered")
	}
	metric := family.GetMetric()[0]
	if labelValue(metric, "platform") != "apple" || labelValue(metric, "outcome") != "granted" {
		t.Errorf("Label mismatch: %+v", metric.GetLabel())
	}
}

func TestRecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "entitlement")

	metrics.RecordStorageOperation("get_grant", 3*time.Millisecond, nil)
	metrics.RecordStorageOperation("get_grant", 5*time.Millisecond, errors.New("timeout"))

	duration := gatherFamily(t, reg, "entitlement_storage_operation_duration_seconds")
	if duration == nil {
		t.Fatal("storage_operation_duration_seconds not registered")
	}
	if got := duration.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("Duration sample count mismatch: got %d, want 2", got)
	}

	errTotal := gatherFamily(t, reg, "entitlement_storage_operation_errors_total")
	if errTotal == nil {
		t.Fatal("storage_operation_errors_total not registered")
	}
	if got := errTotal.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Error counter mismatch: got %v, want 1", got)
	}
}
