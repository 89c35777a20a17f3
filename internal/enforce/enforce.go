// Package enforce is the platform adapter boundary: the glue that asserts
// session validity before platform operations and tears authority down the
// moment the governed process goes away.
package enforce

import (
	"fmt"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
)

// Liveness reports whether the governed process is still running. Platform
// adapters supply their own probe; tests supply a stub.
type Liveness func(sessionID string) bool

// Guard wraps platform operations with the two ordered assertions: process
// liveness first, then session validity. A dead process must read as
// inactive before any grant could be consulted.
type Guard struct {
	auth *authority.Authority
	gate *acc.Gate
	rec  audit.Recorder
	live Liveness
}

// NewGuard creates a guard over the authority and confirmation gate.
func NewGuard(auth *authority.Authority, gate *acc.Gate, rec audit.Recorder, live Liveness) *Guard {
	if rec == nil {
		rec = audit.Discard{}
	}
	if live == nil {
		live = func(string) bool { return true }
	}
	return &Guard{auth: auth, gate: gate, rec: rec, live: live}
}

// Do runs fn only if the process is alive and the session is active, in
// that order. A failed liveness probe ends the session before returning.
func (g *Guard) Do(sessionID string, fn func() error) error {
	if !g.live(sessionID) {
		g.OnSessionEnd(sessionID, "process no longer running")
		return fmt.Errorf("enforce: session %s process is gone", sessionID)
	}
	if !g.auth.SessionActive(sessionID) {
		return fmt.Errorf("enforce: session %s is not active", sessionID)
	}
	return fn()
}

// OnSessionEnd revokes everything the session held, synchronously. By the
// time this returns, no grant or pending confirmation from the session can
// authorize anything.
func (g *Guard) OnSessionEnd(sessionID, reason string) {
	g.auth.RevokeAll(sessionID)
	voided := 0
	if g.gate != nil {
		voided = g.gate.RevokeAll(sessionID)
	}
	g.auth.EndSession(sessionID)

	g.rec.Event(audit.Event{
		Type:      audit.EventAuthorityRevoked,
		SessionID: sessionID,
		Reason:    fmt.Sprintf("session ended (%s), %d pending confirmations voided", reason, voided),
	})
}
