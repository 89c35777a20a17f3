package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Archive is an append-only sqlite store of sealed forensic entries, keyed
// by date for daily compliance export. Rows are only ever inserted; there is
// no update or delete path.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS forensic_entries (
	audit_id   TEXT PRIMARY KEY,
	day        TEXT NOT NULL,
	ts         TEXT NOT NULL,
	action_id  TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	status     TEXT NOT NULL,
	seal_hash  TEXT NOT NULL,
	entry_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forensic_day ON forensic_entries(day);
`

// OpenArchive opens (or creates) the sqlite archive at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Insert appends one sealed entry. Unsealed entries are rejected; a
// duplicate audit_id is an error, never an overwrite.
func (a *Archive) Insert(e ForensicEntry) error {
	if !e.Sealed || e.SealHash == "" {
		return fmt.Errorf("audit: refusing to archive unsealed entry %q", e.AuditID)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	day := ""
	if len(e.Timestamp) >= 10 {
		day = e.Timestamp[:10]
	}
	_, err = a.db.Exec(
		`INSERT INTO forensic_entries (audit_id, day, ts, action_id, outcome, status, seal_hash, entry_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AuditID, day, e.Timestamp, e.ActionID, e.Outcome, e.Execution.Status, e.SealHash, string(raw),
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ExportDay returns all entries archived under the given date key
// (YYYY-MM-DD), in insertion order, with statistics.
func (a *Archive) ExportDay(day string) (ComplianceExport, error) {
	rows, err := a.db.Query(
		`SELECT entry_json FROM forensic_entries WHERE day = ? ORDER BY ts, audit_id`, day)
	if err != nil {
		return ComplianceExport{}, fmt.Errorf("audit: query day %s: %w", day, err)
	}
	defer rows.Close()

	var entries []ForensicEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return ComplianceExport{}, fmt.Errorf("audit: scan row: %w", err)
		}
		var e ForensicEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return ComplianceExport{}, fmt.Errorf("audit: decode archived entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ComplianceExport{}, fmt.Errorf("audit: iterate rows: %w", err)
	}

	return ComplianceExport{Entries: entries, Statistics: Summarize(entries)}, nil
}

// Count returns the total number of archived entries.
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM forensic_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
