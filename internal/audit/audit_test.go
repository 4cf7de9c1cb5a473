package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_ChainsHashes(t *testing.T) {
	l := openTestLog(t)

	r1, err := l.Append(Event{EventType: "state_transition", Severity: SeverityInfo, Action: "advance", Result: ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, zeroHash, r1.PrevHash)

	r2, err := l.Append(Event{EventType: "state_transition", Severity: SeverityInfo, Action: "advance", Result: ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PrevHash)

	verify := l.Verify(0, 0)
	assert.True(t, verify.OK)
}

func TestVerify_DetectsTamperedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path, nil)
	require.NoError(t, err)

	_, err = l.Append(Event{EventType: "e1", Action: "a1", Result: ResultSuccess, Severity: SeverityInfo})
	require.NoError(t, err)
	_, err = l.Append(Event{EventType: "e2", Action: "a2", Result: ResultSuccess, Severity: SeverityInfo})
	require.NoError(t, err)
	_, err = l.Append(Event{EventType: "e3", Action: "a3", Result: ResultSuccess, Severity: SeverityInfo})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Tamper with the second record's metadata in the persisted file, leaving
	// its stored hash untouched.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(raw)
	require.Len(t, lines, 3)

	var tampered Record
	require.NoError(t, json.Unmarshal(lines[1], &tampered))
	tampered.Metadata = map[string]string{"tampered": "true"}
	lines[1], err = json.Marshal(tampered)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, joinLines(lines), 0o644))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	result := reopened.Verify(0, 0)
	assert.False(t, result.OK)
	assert.Equal(t, 1, result.FirstBreakIndex)
}

func TestQuery_FiltersAndOrdersDescending(t *testing.T) {
	l := openTestLog(t)
	_, _ = l.Append(Event{EventType: "x", EntityID: "e1", Action: "a", Result: ResultSuccess, Severity: SeverityInfo})
	_, _ = l.Append(Event{EventType: "y", EntityID: "e2", Action: "a", Result: ResultSuccess, Severity: SeverityInfo})
	_, _ = l.Append(Event{EventType: "x", EntityID: "e1", Action: "a", Result: ResultSuccess, Severity: SeverityInfo})

	results := l.Query(Filter{EntityID: "e1"})
	require.Len(t, results, 2)
	// Most recent first.
	assert.True(t, results[0].Timestamp.After(results[1].Timestamp) || results[0].Timestamp.Equal(results[1].Timestamp))
}

func TestGenerateComplianceReport_RollsUpActivity(t *testing.T) {
	l := openTestLog(t)
	_, _ = l.Append(Event{EventType: "state_transition", Action: "advance", Result: ResultSuccess, Severity: SeverityInfo})
	_, _ = l.Append(Event{EventType: "approval", Action: "approval.denied", Result: ResultFailure, Severity: SeverityWarning})
	_, _ = l.Append(Event{EventType: "integrity_violation", Action: "vault.get", Result: ResultFailure, Severity: SeverityCritical})

	report := l.GenerateComplianceReport("daily", l.records[0].Timestamp.Add(-1), l.records[len(l.records)-1].Timestamp.Add(1))
	assert.Equal(t, 3, report.TotalEvents)
	assert.Equal(t, 2, report.FailedEvents)
	assert.Equal(t, 1, report.SecurityEvents)
	assert.Equal(t, "verified", report.IntegrityStatus)
}

func splitLines(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				out = append(out, b[start:i])
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, b[start:])
	}
	return out
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}
