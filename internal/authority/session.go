package authority

import (
	"time"

	"github.com/google/uuid"

	"github.com/selfsession/authcore/internal/capability"
)

// ProcessIdentity pins a session to one concrete process: the app identifier
// plus its launch timestamp. A relaunched process is a different identity.
type ProcessIdentity struct {
	AppID      string    `json:"app_id"`
	LaunchedAt time.Time `json:"launched_at"`
}

// Session holds the ordered grants issued to one process. Sessions are
// destroyed on explicit end or TTL expiry, never by inference.
type Session struct {
	SessionID string             `json:"session_id"`
	Process   ProcessIdentity    `json:"process"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`

	grants []capability.Grant
	halted bool
}

func newSession(proc ProcessIdentity, now time.Time, ttl time.Duration) *Session {
	return &Session{
		SessionID: "sess-" + uuid.NewString(),
		Process:   proc,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// expired reports whether the session TTL has elapsed.
func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Grants returns a copy of the session's grant sequence.
func (s *Session) Grants() []capability.Grant {
	out := make([]capability.Grant, len(s.grants))
	copy(out, s.grants)
	return out
}

// Halted reports whether the session has been revoked.
func (s *Session) Halted() bool {
	return s.halted
}
