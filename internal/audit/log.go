// Package audit implements the forensic audit log: an append-only,
// hash-sealed record of every authorization decision and execution outcome.
// Entries are sealed immutable at construction; the persistent form is a
// SHA-256 hash-chained JSONL file rotated daily, with an optional sqlite
// compliance archive.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/selfsession/authcore/internal/clock"
)

// TimestampFormat is the canonical UTC timestamp layout used in all records.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Record is one line in the chained JSONL log. Exactly one of Event or Entry
// is set, indicated by Kind.
type Record struct {
	Timestamp string         `json:"ts"`
	Kind      string         `json:"kind"` // "event" or "entry"
	Event     *Event         `json:"event,omitempty"`
	Entry     *ForensicEntry `json:"entry,omitempty"`
	PrevHash  string         `json:"prev_hash"`
}

// Log is the in-process forensic audit log. It keeps the append-only entry
// sequence in memory and, when a store or archive is attached, persists each
// record as it is written. Writers are serialized; readers only ever see
// fully constructed, sealed entries.
type Log struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries []ForensicEntry
	events  []Event
	store   *Store
	archive *Archive
	dropped int
}

// New creates an in-memory forensic log using the given clock.
func New(clk clock.Clock) *Log {
	return &Log{clk: clk}
}

// Persist attaches a daily-rotated JSONL store. Subsequent events and
// entries are appended to it.
func (l *Log) Persist(s *Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = s
}

// ArchiveTo attaches a sqlite compliance archive. Subsequent sealed entries
// are inserted into it.
func (l *Log) ArchiveTo(a *Archive) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archive = a
}

// Event records a component decision event.
func (l *Log) Event(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp == "" {
		ev.Timestamp = l.clk.Now().UTC().Format(TimestampFormat)
	}
	l.events = append(l.events, ev)
	if l.store != nil {
		// Store failures must not block the in-memory record, but a lost
		// event leaves a gap in the persisted chain, so the loss is counted
		// and reported through DroppedEvents.
		if err := l.store.Append(Record{Kind: "event", Event: &ev}, l.clk.Now()); err != nil {
			l.dropped++
		}
	}
}

// DroppedEvents reports how many events failed to persist to the attached
// store. Non-zero means the on-disk chain is missing decision events the
// in-memory log still holds.
func (l *Log) DroppedEvents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Append seals the entry and appends it to the log. The sealed entry is
// returned; the log never holds or exposes an unsealed entry.
func (l *Log) Append(e ForensicEntry) (ForensicEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.AuditID == "" {
		return ForensicEntry{}, fmt.Errorf("audit: entry has no audit_id")
	}
	if e.Timestamp == "" {
		e.Timestamp = l.clk.Now().UTC().Format(TimestampFormat)
	}
	sealed := e.Seal()
	l.entries = append(l.entries, sealed)

	if l.store != nil {
		if err := l.store.Append(Record{Kind: "entry", Entry: &sealed}, l.clk.Now()); err != nil {
			return sealed, fmt.Errorf("audit: persist entry: %w", err)
		}
	}
	if l.archive != nil {
		if err := l.archive.Insert(sealed); err != nil {
			return sealed, fmt.Errorf("audit: archive entry: %w", err)
		}
	}
	return sealed, nil
}

// Entries returns a copy of the sealed entry sequence.
func (l *Log) Entries() []ForensicEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ForensicEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Events returns a copy of the recorded component events.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsByType returns recorded events of the given type.
func (l *Log) EventsByType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Now returns the log's clock reading, formatted. Convenience for callers
// stamping sub-records consistently.
func (l *Log) Now() time.Time {
	return l.clk.Now()
}
