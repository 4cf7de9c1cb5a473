package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func newTestTelemetry() *Telemetry {
	return New(SLOTargets{
		RetrievalLatencyMs: 2500, BuildTimeSeconds: 420, ComplianceAccuracy: 0.97,
		AuditTraceVerified: 1.0, CPUPercent: 80, MemoryPercent: 75,
	}, prometheus.NewRegistry())
}

func TestLogEvent_CountersNeverDecrease(t *testing.T) {
	tel := newTestTelemetry()
	tel.LogEvent(DecisionEvent{EventType: "validation-check", AgentID: "system", LatencyMs: 120, Success: true, Severity: "info"})
	first := tel.Counter("validation-check", "info", "system", true)
	tel.LogEvent(DecisionEvent{EventType: "validation-check", AgentID: "system", LatencyMs: 130, Success: true, Severity: "info"})
	second := tel.Counter("validation-check", "info", "system", true)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.GreaterOrEqual(t, second, first)
}

func TestLogDrift_Increments(t *testing.T) {
	tel := newTestTelemetry()
	tel.LogDrift("warning", "schema-mismatch")
	tel.LogDrift("warning", "schema-mismatch")
	assert.Equal(t, int64(2), tel.DriftCount("warning", "schema-mismatch"))
}

func TestCheckSLOCompliance_FlagsViolatedSLOs(t *testing.T) {
	tel := newTestTelemetry()
	tel.LogEvent(DecisionEvent{EventType: "payment-processing", AgentID: "system", LatencyMs: 5000, Success: true, Severity: "info"})

	results, violated := tel.CheckSLOCompliance(90, 60, 100, 0.99, true)
	assert.NotEmpty(t, results)
	assert.Contains(t, violated, "cpu_percent")
}

func TestMetricsText_IncludesCounters(t *testing.T) {
	tel := newTestTelemetry()
	tel.LogEvent(DecisionEvent{EventType: "validation-check", AgentID: "system", LatencyMs: 50, Success: true, Severity: "info"})
	text := tel.MetricsText()
	assert.Contains(t, text, "occam_decision_total")
	assert.Contains(t, text, `occam_decision_latency_ms_bucket{event_type="validation-check",le="50"} 1`)
	assert.Contains(t, text, `occam_decision_latency_ms_bucket{event_type="validation-check",le="10"} 0`)
	assert.Contains(t, text, `occam_decision_latency_ms_count{event_type="validation-check"} 1`)
}
