// Package telemetry tracks per-decision-node metrics, a sliding-window SLO
// evaluator, and a drift counter, and exposes everything through both
// Prometheus collectors and a plain-text exposition endpoint.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bucket boundaries for latency histograms.
var latencyBucketsMs = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

const maxWindowEvents = 10000

// DecisionEvent is a single telemetry sample for a decision node.
type DecisionEvent struct {
	EventType       string
	AgentID         string
	LatencyMs       float64
	Success         bool
	ConfidenceScore *float64
	Metadata        map[string]string
	Severity        string
	at              time.Time
}

type windowStats struct {
	samples []DecisionEvent // ring buffer, oldest first
}

func (w *windowStats) add(e DecisionEvent) {
	w.samples = append(w.samples, e)
	if len(w.samples) > maxWindowEvents {
		w.samples = w.samples[len(w.samples)-maxWindowEvents:]
	}
}

// latencyHist is a cumulative fixed-bucket histogram; buckets[i] counts
// observations <= latencyBucketsMs[i], with one extra slot for +Inf.
type latencyHist struct {
	buckets [len(latencyBucketsMs) + 1]int64
	sum     float64
	count   int64
}

func (h *latencyHist) observe(ms float64) {
	for i, bound := range latencyBucketsMs {
		if ms <= bound {
			h.buckets[i]++
		}
	}
	h.buckets[len(latencyBucketsMs)]++
	h.sum += ms
	h.count++
}

func (w *windowStats) successRateAndLatency() (rate, avgLatency float64) {
	if len(w.samples) == 0 {
		return 1, 0
	}
	var ok int
	var total float64
	for _, s := range w.samples {
		if s.Success {
			ok++
		}
		total += s.LatencyMs
	}
	return float64(ok) / float64(len(w.samples)), total / float64(len(w.samples))
}

// Telemetry is the kernel's metrics and SLO evaluator.
type Telemetry struct {
	mu sync.Mutex

	windows map[string]*windowStats // keyed by eventType
	prevAvg map[string]float64      // previous window's average latency, for trend

	counters map[[4]string]int64 // (eventType, severity, agentId, success)
	drift    map[[2]string]int64 // (severity, action)
	hist     map[string]*latencyHist

	slo SLOTargets

	eventCounter     prometheus.Counter
	latencyHistogram *prometheus.HistogramVec
	successGauge     *prometheus.GaugeVec
	driftCounter     *prometheus.CounterVec
}

// SLOTargets holds the service-level objectives; all overridable at construction.
type SLOTargets struct {
	RetrievalLatencyMs float64
	BuildTimeSeconds   float64
	ComplianceAccuracy float64
	AuditTraceVerified float64
	CPUPercent         float64
	MemoryPercent      float64
}

// SLOResult is one SLO's evaluation outcome.
type SLOResult struct {
	Name      string  `json:"name"`
	Target    float64 `json:"target"`
	Actual    float64 `json:"actual"`
	Compliant bool    `json:"compliant"`
	Trend     string  `json:"trend"` // improving | degrading | stable
}

// New constructs a Telemetry instance and registers its Prometheus collectors
// with reg (pass prometheus.NewRegistry() for test isolation).
func New(slo SLOTargets, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		windows:  make(map[string]*windowStats),
		prevAvg:  make(map[string]float64),
		counters: make(map[[4]string]int64),
		drift:    make(map[[2]string]int64),
		hist:     make(map[string]*latencyHist),
		slo:      slo,
		eventCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occam_decision_events_total", Help: "Total decision node events observed.",
		}),
		latencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "occam_decision_latency_ms", Help: "Decision node latency in milliseconds.",
			Buckets: latencyBucketsMs,
		}, []string{"event_type"}),
		successGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "occam_decision_success_rate", Help: "Sliding-window success rate per event type.",
		}, []string{"event_type"}),
		driftCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occam_drift_total", Help: "Drift events by severity and action.",
		}, []string{"severity", "action"}),
	}
	if reg != nil {
		reg.MustRegister(t.eventCounter, t.latencyHistogram, t.successGauge, t.driftCounter)
	}
	return t
}

// LogEvent records a decision-node observation.
func (t *Telemetry) LogEvent(e DecisionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.at = time.Now().UTC()
	w, ok := t.windows[e.EventType]
	if !ok {
		w = &windowStats{}
		t.windows[e.EventType] = w
	}
	w.add(e)

	successStr := "false"
	if e.Success {
		successStr = "true"
	}
	t.counters[[4]string{e.EventType, e.Severity, e.AgentID, successStr}]++

	h, ok := t.hist[e.EventType]
	if !ok {
		h = &latencyHist{}
		t.hist[e.EventType] = h
	}
	h.observe(e.LatencyMs)

	t.eventCounter.Inc()
	t.latencyHistogram.WithLabelValues(e.EventType).Observe(e.LatencyMs)
	rate, _ := w.successRateAndLatency()
	t.successGauge.WithLabelValues(e.EventType).Set(rate)
}

// LogDrift increments the drift counter for (severity, action).
func (t *Telemetry) LogDrift(severity, action string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drift[[2]string{severity, action}]++
	t.driftCounter.WithLabelValues(severity, action).Inc()
}

// DriftCount returns the current drift counter for (severity, action).
func (t *Telemetry) DriftCount(severity, action string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drift[[2]string{severity, action}]
}

// Counter returns the current value for (eventType, severity, agentId, success).
func (t *Telemetry) Counter(eventType, severity, agentID string, success bool) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	successStr := "false"
	if success {
		successStr = "true"
	}
	return t.counters[[4]string{eventType, severity, agentID, successStr}]
}

// CheckSLOCompliance evaluates each named SLO against the current window and
// process-level stats supplied by the caller (cpuPercent/memPercent/buildSecs,
// auditVerified — since the telemetry package itself has no audit or OS access).
func (t *Telemetry) CheckSLOCompliance(cpuPercent, memPercent, buildSeconds, complianceAccuracy float64, auditVerified bool) (results []SLOResult, violated []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	retrievalActual := t.overallAvgLatency()
	retrievalTrend := t.trend("__retrieval__", retrievalActual)

	audit := 0.0
	if auditVerified {
		audit = 1.0
	}

	entries := []SLOResult{
		{Name: "retrieval_latency_ms", Target: t.slo.RetrievalLatencyMs, Actual: retrievalActual, Trend: retrievalTrend},
		{Name: "build_time_seconds", Target: t.slo.BuildTimeSeconds, Actual: buildSeconds, Trend: "stable"},
		{Name: "compliance_accuracy", Target: t.slo.ComplianceAccuracy, Actual: complianceAccuracy, Trend: "stable"},
		{Name: "audit_trace_verified", Target: t.slo.AuditTraceVerified, Actual: audit, Trend: "stable"},
		{Name: "cpu_percent", Target: t.slo.CPUPercent, Actual: cpuPercent, Trend: "stable"},
		{Name: "memory_percent", Target: t.slo.MemoryPercent, Actual: memPercent, Trend: "stable"},
	}

	for i := range entries {
		e := &entries[i]
		switch e.Name {
		case "retrieval_latency_ms", "build_time_seconds", "cpu_percent", "memory_percent":
			e.Compliant = e.Actual <= e.Target
		default:
			e.Compliant = e.Actual >= e.Target
		}
		if !e.Compliant {
			violated = append(violated, e.Name)
		}
	}
	return entries, violated
}

func (t *Telemetry) overallAvgLatency() float64 {
	var total float64
	var count int
	for _, w := range t.windows {
		for _, s := range w.samples {
			total += s.LatencyMs
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// trend compares actual against the previously recorded value for key and
// updates the stored value; the first observation is always "stable".
func (t *Telemetry) trend(key string, actual float64) string {
	prev, ok := t.prevAvg[key]
	t.prevAvg[key] = actual
	if !ok {
		return "stable"
	}
	const epsilon = 0.01
	switch {
	case actual < prev*(1-epsilon):
		return "improving"
	case actual > prev*(1+epsilon):
		return "degrading"
	default:
		return "stable"
	}
}

// MetricsText renders counters, gauges, and drift in a simple
// `name{labels} value` exposition format suitable for scraping.
func (t *Telemetry) MetricsText() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	keys := make([]string, 0, len(t.counters))
	index := make(map[string][4]string)
	for k := range t.counters {
		s := strings.Join(k[:], ",")
		keys = append(keys, s)
		index[s] = k
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := index[k]
		fmt.Fprintf(&b, "occam_decision_total{event_type=%q,severity=%q,agent_id=%q,success=%q} %d\n",
			parts[0], parts[1], parts[2], parts[3], t.counters[parts])
	}

	driftKeys := make([]string, 0, len(t.drift))
	driftIndex := make(map[string][2]string)
	for k := range t.drift {
		s := strings.Join(k[:], ",")
		driftKeys = append(driftKeys, s)
		driftIndex[s] = k
	}
	sort.Strings(driftKeys)
	for _, k := range driftKeys {
		parts := driftIndex[k]
		fmt.Fprintf(&b, "occam_drift_total{severity=%q,action=%q} %d\n", parts[0], parts[1], t.drift[parts])
	}

	windowKeys := make([]string, 0, len(t.windows))
	for eventType := range t.windows {
		windowKeys = append(windowKeys, eventType)
	}
	sort.Strings(windowKeys)
	for _, eventType := range windowKeys {
		rate, avgLatency := t.windows[eventType].successRateAndLatency()
		fmt.Fprintf(&b, "occam_decision_success_rate{event_type=%q} %f\n", eventType, rate)
		fmt.Fprintf(&b, "occam_decision_avg_latency_ms{event_type=%q} %f\n", eventType, avgLatency)
	}

	histKeys := make([]string, 0, len(t.hist))
	for eventType := range t.hist {
		histKeys = append(histKeys, eventType)
	}
	sort.Strings(histKeys)
	for _, eventType := range histKeys {
		h := t.hist[eventType]
		for i, bound := range latencyBucketsMs {
			fmt.Fprintf(&b, "occam_decision_latency_ms_bucket{event_type=%q,le=%q} %d\n", eventType, fmt.Sprint(bound), h.buckets[i])
		}
		fmt.Fprintf(&b, "occam_decision_latency_ms_bucket{event_type=%q,le=\"+Inf\"} %d\n", eventType, h.buckets[len(latencyBucketsMs)])
		fmt.Fprintf(&b, "occam_decision_latency_ms_sum{event_type=%q} %f\n", eventType, h.sum)
		fmt.Fprintf(&b, "occam_decision_latency_ms_count{event_type=%q} %d\n", eventType, h.count)
	}
	return b.String()
}
