// Package audit implements the kernel's append-only, hash-chained audit
// trail. Every event's hash covers the previous event's hash plus a
// canonical, key-sorted serialization of the event itself, so a third party
// can recompute and verify the whole chain independently.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

// Severity classifies an AuditEvent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Result is the outcome an event recorded.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

var zeroHash = hex.EncodeToString(make([]byte, sha256.Size))

// Event is an AuditEvent prior to chaining — the caller supplies everything
// except eventId/prevHash/hash/timestamp, which Log.Append assigns.
type Event struct {
	TraceID      string            `json:"traceId,omitempty"`
	EventType    string            `json:"eventType"`
	Severity     Severity          `json:"severity"`
	ActorID      string            `json:"actorId,omitempty"`
	WorkflowID   string            `json:"workflowId,omitempty"`
	EntityID     string            `json:"entityId,omitempty"`
	Action       string            `json:"action"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Result       Result            `json:"result"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// Record is a chained AuditEvent as persisted and returned from queries.
type Record struct {
	Event
	EventID   string    `json:"eventId"`
	PrevHash  string    `json:"prevHash"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"` // last field, so each persisted line ends with its hash
	seq       int64
}

// canonical returns the deterministic, key-sorted byte representation of the
// record used as the hash preimage (excluding Hash itself).
func canonical(r *Record) []byte {
	m := map[string]interface{}{
		"eventId":      r.EventID,
		"prevHash":     r.PrevHash,
		"timestamp":    r.Timestamp.UTC().Format(time.RFC3339Nano),
		"traceId":      r.TraceID,
		"eventType":    r.EventType,
		"severity":     r.Severity,
		"actorId":      r.ActorID,
		"workflowId":   r.WorkflowID,
		"entityId":     r.EntityID,
		"action":       r.Action,
		"description":  r.Description,
		"metadata":     r.Metadata,
		"result":       r.Result,
		"errorMessage": r.ErrorMessage,
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := make([]byte, 0, 256)
	for _, k := range keys {
		v, _ := json.Marshal(m[k])
		buf = append(buf, []byte(k)...)
		buf = append(buf, ':')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}

func computeHash(prevHash string, r *Record) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical(r))
	return hex.EncodeToString(h.Sum(nil))
}

// Filter selects a subset of the chain for Query.
type Filter struct {
	EntityID   string
	WorkflowID string
	EventType  string
	Severity   Severity
	From, To   time.Time
	Limit      int
}

// VerifyResult is the outcome of recomputing the chain over a range.
type VerifyResult struct {
	OK              bool `json:"ok"`
	FirstBreakIndex int  `json:"firstBreakIndex,omitempty"`
}

// Log is the append-only, hash-chained audit trail. Appends serialize through
// a single writer lock so the chain is well-ordered; verification may run
// concurrently and always sees a consistent prefix.
type Log struct {
	mu       sync.RWMutex
	path     string
	records  []*Record
	lastHash string
	log      *zap.Logger
	file     *os.File
	writer   *bufio.Writer
}

// Open loads an existing line-delimited audit log (or creates one) at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{path: path, lastHash: zeroHash, log: logger}
	if err := l.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening log for append: %w", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return l, nil
}

func (l *Log) load() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: opening log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	seq := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("audit: corrupt log entry %d: %w", seq, err)
		}
		r.seq = seq
		rec := r
		l.records = append(l.records, &rec)
		l.lastHash = rec.Hash
		seq++
	}
	return scanner.Err()
}

// Append chains and persists a new event, returning the stored Record.
func (l *Log) Append(e Event) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Timestamps are monotonic per chain: a clock step backwards never
	// produces an event earlier than the current tail.
	ts := time.Now().UTC()
	if n := len(l.records); n > 0 && !ts.After(l.records[n-1].Timestamp) {
		ts = l.records[n-1].Timestamp.Add(time.Nanosecond)
	}

	r := &Record{
		Event:     e,
		EventID:   uuid.NewString(),
		PrevHash:  l.lastHash,
		Timestamp: ts,
		seq:       int64(len(l.records)),
	}
	r.Hash = computeHash(r.PrevHash, r)

	b, err := json.Marshal(r)
	if err != nil {
		return nil, occamerr.NewInternal("audit marshal failed", err)
	}
	if _, err := l.writer.Write(append(b, '\n')); err != nil {
		return nil, occamerr.NewInternal("audit append failed", err)
	}
	if err := l.writer.Flush(); err != nil {
		return nil, occamerr.NewInternal("audit flush failed", err)
	}

	l.records = append(l.records, r)
	l.lastHash = r.Hash
	l.log.Debug("audit event appended", zap.String("eventId", r.EventID), zap.String("eventType", r.EventType))
	return r, nil
}

// LogStateTransition appends an info-severity state_transition event (warning
// if the transition failed).
func (l *Log) LogStateTransition(workflowID, from, to, actor, reason string, approvalRequestID string, success bool) (*Record, error) {
	sev := SeverityInfo
	result := ResultSuccess
	if !success {
		sev, result = SeverityWarning, ResultFailure
	}
	meta := map[string]string{"from": from, "to": to, "reason": reason}
	if approvalRequestID != "" {
		meta["approvalRequestId"] = approvalRequestID
	}
	return l.Append(Event{
		EventType: "state_transition", Severity: sev, ActorID: actor,
		WorkflowID: workflowID, Action: "state_transition", Metadata: meta, Result: result,
	})
}

// LogApproval appends an approval lifecycle event. Denials are warning severity.
func (l *Log) LogApproval(requestID, decision, approver, reason string) (*Record, error) {
	sev := SeverityInfo
	if decision == "denied" || decision == "expired" {
		sev = SeverityWarning
	}
	return l.Append(Event{
		EventType: "approval", Severity: sev, ActorID: approver, Action: "approval." + decision,
		Metadata: map[string]string{"requestId": requestID, "reason": reason}, Result: ResultSuccess,
	})
}

// LogAnomaly appends an anomaly-detection event at the given severity.
func (l *Log) LogAnomaly(entityID, kind string, severity Severity, detail string) (*Record, error) {
	return l.Append(Event{
		EventType: "anomaly", Severity: severity, EntityID: entityID, Action: "anomaly." + kind,
		Description: detail, Result: ResultSuccess,
	})
}

// LogNotification appends a notification-dispatch outcome event.
func (l *Log) LogNotification(workflowID, channel, recipient string, success bool, failureReason string) (*Record, error) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	return l.Append(Event{
		EventType: "notification", Severity: SeverityInfo, WorkflowID: workflowID,
		Action: "notification.send", Metadata: map[string]string{"channel": channel, "recipient": recipient},
		Result: result, ErrorMessage: failureReason,
	})
}

// LogIntegrityViolation appends a critical integrity-violation event.
func (l *Log) LogIntegrityViolation(action, detail string) (*Record, error) {
	return l.Append(Event{
		EventType: "integrity_violation", Severity: SeverityCritical, Action: action,
		Description: detail, Result: ResultFailure,
	})
}

// Query returns events matching filter, timestamp-sorted descending, honoring Limit.
func (l *Log) Query(f Filter) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, 0)
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.EventType != "" && r.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && r.Severity != f.Severity {
			continue
		}
		if !f.From.IsZero() && r.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Timestamp.After(f.To) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Verify recomputes hashes over [fromIndex, toIndex) (full chain if both zero)
// and reports the first index where the chain breaks, if any.
func (l *Log) Verify(fromIndex, toIndex int) VerifyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if toIndex <= 0 || toIndex > len(l.records) {
		toIndex = len(l.records)
	}
	prev := zeroHash
	if fromIndex > 0 && fromIndex <= len(l.records) {
		prev = l.records[fromIndex-1].Hash
	}
	for i := fromIndex; i < toIndex; i++ {
		r := l.records[i]
		if r.PrevHash != prev {
			return VerifyResult{OK: false, FirstBreakIndex: i}
		}
		if computeHash(r.PrevHash, r) != r.Hash {
			return VerifyResult{OK: false, FirstBreakIndex: i}
		}
		prev = r.Hash
	}
	return VerifyResult{OK: true}
}

// ComplianceReport summarizes activity in a window for reporting.
type ComplianceReport struct {
	ReportType      string         `json:"reportType"`
	From            time.Time      `json:"from"`
	To              time.Time      `json:"to"`
	TotalEvents     int            `json:"totalEvents"`
	ActionBreakdown map[string]int `json:"actionBreakdown"`
	SecurityEvents  int            `json:"securityEvents"`
	FailedEvents    int            `json:"failedEvents"`
	IntegrityStatus string         `json:"integrityStatus"`
}

// GenerateComplianceReport rolls up chain activity between from and to,
// verifying chain integrity over the same window.
func (l *Log) GenerateComplianceReport(reportType string, from, to time.Time) *ComplianceReport {
	records := l.Query(Filter{From: from, To: to})
	r := &ComplianceReport{
		ReportType: reportType, From: from, To: to,
		ActionBreakdown: make(map[string]int),
	}
	for _, rec := range records {
		r.TotalEvents++
		r.ActionBreakdown[rec.Action]++
		if rec.Severity == SeverityHigh || rec.Severity == SeverityCritical {
			r.SecurityEvents++
		}
		if rec.Result == ResultFailure {
			r.FailedEvents++
		}
	}
	v := l.Verify(0, 0)
	if v.OK {
		r.IntegrityStatus = "verified"
	} else {
		r.IntegrityStatus = "chain_broken"
	}
	return r
}

// Close flushes and releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		_ = l.writer.Flush()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
