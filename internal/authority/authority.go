// Package authority implements the capability authority: the default-deny
// store of time-bounded, scope-bounded grants that is the single source of
// truth for "is this currently allowed". Grants never self-extend and a
// revoked or expired grant can never again authorize an action.
package authority

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
)

// Authority owns every session and its grants. All mutation is serialized;
// a grant is never visible to a reader before it is fully constructed.
type Authority struct {
	mu       sync.Mutex
	clk      clock.Clock
	rec      audit.Recorder
	sessions map[string]*Session
}

// New creates an Authority with the given clock and audit recorder.
func New(clk clock.Clock, rec audit.Recorder) *Authority {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Authority{
		clk:      clk,
		rec:      rec,
		sessions: make(map[string]*Session),
	}
}

// OpenSession creates a session for the given process identity with the
// given TTL and returns its ID.
func (a *Authority) OpenSession(proc ProcessIdentity, ttl time.Duration) (*Session, error) {
	if proc.AppID == "" {
		return nil, fmt.Errorf("authority: process identity requires an app id")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("authority: session TTL must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := newSession(proc, a.clk.Now(), ttl)
	a.sessions[s.SessionID] = s

	a.rec.Event(audit.Event{
		Type:      audit.EventAuthorityIssued,
		SessionID: s.SessionID,
		Reason:    fmt.Sprintf("session opened for %s (ttl %s)", proc.AppID, ttl),
	})
	return s, nil
}

// Grant stores g in the session. Fails with InvalidGrantError if the grant
// is already expired, malformed, or the session is gone.
func (a *Authority) Grant(sessionID string, g capability.Grant) (capability.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		return capability.Grant{}, &UnknownSessionError{SessionID: sessionID}
	}
	if s.halted {
		return capability.Grant{}, &InvalidGrantError{Reason: "session is halted"}
	}
	if !g.Capability.IsValid() {
		return capability.Grant{}, &InvalidGrantError{Reason: fmt.Sprintf("unknown capability %q", g.Capability)}
	}
	if g.Scope.OwnerID == "" {
		return capability.Grant{}, &InvalidGrantError{Reason: "scope requires an owner id"}
	}

	now := a.clk.Now()
	if g.GrantedAt.IsZero() {
		g.GrantedAt = now
	}
	if g.Expired(now) {
		return capability.Grant{}, &InvalidGrantError{Reason: "grant expires in the past"}
	}
	if g.GrantID == "" {
		g.GrantID = "grant-" + uuid.NewString()
	}

	s.grants = append(s.grants, g)

	a.rec.Event(audit.Event{
		Type:           audit.EventAuthorityIssued,
		SessionID:      sessionID,
		Reason:         fmt.Sprintf("grant %s: %s until %s", g.GrantID, g.Capability, g.ExpiresAt.UTC().Format(audit.TimestampFormat)),
		AuthorityValid: audit.Valid(true),
	})
	return g, nil
}

// AssertAllowed checks the request against the session's grants. Default
// deny: it succeeds only if a stored, unexpired, scope-matching grant exists
// for the exact capability. Both outcomes emit an audit event.
func (a *Authority) AssertAllowed(sessionID string, req capability.Request) (capability.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clk.Now()
	g, denial := a.matchLocked(sessionID, req, now)

	if denial != nil {
		a.rec.Event(audit.Event{
			Type:           audit.EventAuthorityCheck,
			SessionID:      sessionID,
			Reason:         fmt.Sprintf("%s denied: %s (%s)", req.Capability, denial.Code, denial.Reason),
			AuthorityValid: audit.Valid(false),
		})
		return capability.Grant{}, denial
	}

	a.rec.Event(audit.Event{
		Type:           audit.EventAuthorityCheck,
		SessionID:      sessionID,
		Reason:         fmt.Sprintf("%s allowed by grant %s", req.Capability, g.GrantID),
		AuthorityValid: audit.Valid(true),
	})
	return g, nil
}

// IsAllowed runs the same matching logic without emitting denial errors.
// Diagnostic use only; it never mutates state.
func (a *Authority) IsAllowed(sessionID string, req capability.Request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, denial := a.matchLocked(sessionID, req, a.clk.Now())
	return denial == nil
}

// matchLocked applies the matching rules and picks the denial code by
// specificity: an expired match outranks a cross-owner match, which
// outranks a plain no-match.
func (a *Authority) matchLocked(sessionID string, req capability.Request, now time.Time) (capability.Grant, *DenialError) {
	deny := func(code, reason string) *DenialError {
		return &DenialError{Code: code, Capability: req.Capability, SessionID: sessionID, Reason: reason}
	}

	s, ok := a.sessions[sessionID]
	if !ok {
		return capability.Grant{}, deny(CodeCapabilityDenied, "no such session")
	}
	if s.halted {
		return capability.Grant{}, deny(CodeSessionHalted, "session revoked")
	}
	if s.expired(now) {
		// TTL expiry destroys the session's authority; grants are cleared
		// so nothing can resurrect them.
		s.grants = nil
		s.halted = true
		return capability.Grant{}, deny(CodeSessionExpired, "session TTL elapsed")
	}
	if !req.Capability.IsValid() {
		return capability.Grant{}, deny(CodeCapabilityDenied, "unknown capability")
	}

	sawExpired := false
	sawCrossOwner := false
	for _, g := range s.grants {
		if g.Capability != req.Capability {
			continue
		}
		if g.Scope.OwnerID != req.Scope.OwnerID {
			sawCrossOwner = true
			continue
		}
		if !g.Scope.Covers(req.Scope) {
			continue
		}
		if g.Expired(now) {
			sawExpired = true
			continue
		}
		return g, nil
	}

	switch {
	case sawExpired:
		return capability.Grant{}, deny(CodeGrantExpired, "matching grant past TTL")
	case sawCrossOwner:
		return capability.Grant{}, deny(CodeCrossOwnerAccess, "owner mismatch")
	default:
		return capability.Grant{}, deny(CodeCapabilityDenied, "no matching grant")
	}
}

// Revoke removes a single grant from the session. Revocation is
// irreversible; the grant can never again authorize an action.
func (a *Authority) Revoke(sessionID, grantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		return &UnknownSessionError{SessionID: sessionID}
	}
	for i, g := range s.grants {
		if g.GrantID == grantID {
			s.grants = append(s.grants[:i], s.grants[i+1:]...)
			a.rec.Event(audit.Event{
				Type:           audit.EventAuthorityRevoked,
				SessionID:      sessionID,
				Reason:         fmt.Sprintf("grant %s revoked", grantID),
				AuthorityValid: audit.Valid(false),
			})
			return nil
		}
	}
	return fmt.Errorf("authority: grant %q not found in session %q", grantID, sessionID)
}

// RevokeAll clears every grant for the session and halts it, synchronously.
// Subsequent assertions for the session fail immediately.
func (a *Authority) RevokeAll(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	n := len(s.grants)
	s.grants = nil
	s.halted = true

	a.rec.Event(audit.Event{
		Type:           audit.EventAuthorityRevoked,
		SessionID:      sessionID,
		Reason:         fmt.Sprintf("all grants revoked (%d cleared)", n),
		AuthorityValid: audit.Valid(false),
	})
}

// EndSession destroys the session entirely. Equivalent to RevokeAll plus
// removal from the session table.
func (a *Authority) EndSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	s.grants = nil
	s.halted = true
	delete(a.sessions, sessionID)

	a.rec.Event(audit.Event{
		Type:           audit.EventAuthorityRevoked,
		SessionID:      sessionID,
		Reason:         "session ended",
		AuthorityValid: audit.Valid(false),
	})
}

// SessionActive reports whether the session exists, is unhalted, and is
// within TTL. Used by platform enforcement adapters for their session
// assertion step.
func (a *Authority) SessionActive(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	return ok && !s.halted && !s.expired(a.clk.Now())
}
