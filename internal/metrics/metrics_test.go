package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if err := h.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordChat(t *testing.T) {
	before := getCounterValue(ChatRequestsTotal, "answered")
	beforeCount := getHistogramCount(ChatLatencySeconds)

	RecordChat("answered", 250*time.Millisecond)

	if got := getCounterValue(ChatRequestsTotal, "answered"); got != before+1 {
		t.Fatalf("ChatRequestsTotal = %v, want %v", got, before+1)
	}
	if got := getHistogramCount(ChatLatencySeconds); got != beforeCount+1 {
		t.Fatalf("ChatLatencySeconds count = %v, want %v", got, beforeCount+1)
	}
}

func TestRecordTaskTransition(t *testing.T) {
	before := getCounterValue(TaskTransitionsTotal, "claim")
	RecordTaskTransition("claim")
	if got := getCounterValue(TaskTransitionsTotal, "claim"); got != before+1 {
		t.Fatalf("TaskTransitionsTotal = %v, want %v", got, before+1)
	}
}

func TestRecordCapabilityVerification(t *testing.T) {
	before := getCounterValue(CapabilityVerificationsTotal, "ActionMismatch")
	RecordCapabilityVerification("ActionMismatch")
	if got := getCounterValue(CapabilityVerificationsTotal, "ActionMismatch"); got != before+1 {
		t.Fatalf("CapabilityVerificationsTotal = %v, want %v", got, before+1)
	}
}

func TestRecordDaemonTick(t *testing.T) {
	before := getCounterValue(DaemonLoopTicksTotal, "heartbeat", "ok")
	RecordDaemonTick("heartbeat", "ok")
	if got := getCounterValue(DaemonLoopTicksTotal, "heartbeat", "ok"); got != before+1 {
		t.Fatalf("DaemonLoopTicksTotal = %v, want %v", got, before+1)
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{"closed": 0, "half-open": 1, "open": 2, "unknown": 0}
	for in, want := range cases {
		if got := BreakerStateValue(in); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", in, got, want)
		}
	}
}
