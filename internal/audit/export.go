package audit

// Statistics summarizes a set of forensic entries for compliance review.
type Statistics struct {
	Total          int            `json:"total"`
	ByOutcome      map[string]int `json:"by_outcome"`
	ByStatus       map[string]int `json:"by_status"`
	FirstTimestamp string         `json:"first_ts,omitempty"`
	LastTimestamp  string         `json:"last_ts,omitempty"`
}

// ComplianceExport is the read-only export surface of the forensic log.
type ComplianceExport struct {
	Entries    []ForensicEntry `json:"entries"`
	Statistics Statistics      `json:"statistics"`
}

// ExportForCompliance returns a snapshot of all sealed entries plus summary
// statistics. It never mutates the log.
func (l *Log) ExportForCompliance() ComplianceExport {
	entries := l.Entries()
	return ComplianceExport{
		Entries:    entries,
		Statistics: Summarize(entries),
	}
}

// Summarize computes statistics over a sequence of sealed entries.
func Summarize(entries []ForensicEntry) Statistics {
	stats := Statistics{
		Total:     len(entries),
		ByOutcome: make(map[string]int),
		ByStatus:  make(map[string]int),
	}
	for i, e := range entries {
		stats.ByOutcome[e.Outcome]++
		stats.ByStatus[e.Execution.Status]++
		if i == 0 {
			stats.FirstTimestamp = e.Timestamp
		}
		stats.LastTimestamp = e.Timestamp
	}
	return stats
}
