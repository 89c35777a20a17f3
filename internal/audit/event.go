package audit

// EventType classifies lightweight component events. These record every
// authorization decision around the sealed forensic entries: grant issuance,
// capability checks, token issuance and consumption, state transitions.
type EventType string

const (
	EventAuthorityIssued  EventType = "AUTHORITY_ISSUED"
	EventAuthorityCheck   EventType = "AUTHORITY_CHECK"
	EventAuthorityRevoked EventType = "AUTHORITY_REVOKED"
	EventACCIssued        EventType = "ACC_ISSUED"
	EventACCConsumed      EventType = "ACC_TOKEN_CONSUMED"
	EventACCVoided        EventType = "ACC_TOKEN_VOIDED"
	EventStateTransition  EventType = "STATE_TRANSITION"
	EventEntrySealed      EventType = "ENTRY_SEALED"
)

// Event is a single component decision record. If it's not logged, it
// didn't happen.
type Event struct {
	Timestamp      string    `json:"ts"`
	Type           EventType `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state,omitempty"`
	Reason         string    `json:"reason"`
	AuthorityValid *bool     `json:"authority_valid,omitempty"`
}

// Recorder receives component events. The forensic log implements it;
// components depend only on this interface.
type Recorder interface {
	Event(ev Event)
}

// Discard is a Recorder that drops events, for call sites that have no log.
type Discard struct{}

// Event implements Recorder.
func (Discard) Event(Event) {}

// Valid is a helper for populating Event.AuthorityValid.
func Valid(b bool) *bool {
	return &b
}
