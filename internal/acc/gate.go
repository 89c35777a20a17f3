// Package acc implements the active confirmation gate: single-use challenge
// tokens that bind one human confirmation to one specific request. A token
// proves deliberate engagement at a moment in time and is destroyed by its
// first validation attempt, successful or not.
package acc

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
)

// Token is one pending confirmation. The expected response is held only as
// a hash; the token itself never reveals how to satisfy its challenge.
type Token struct {
	ACCID     string             `json:"acc_id"`
	SessionID string             `json:"session_id"`
	Request   capability.Request `json:"request"`
	Challenge ChallengeKind      `json:"challenge"`
	Payload   string             `json:"payload"`
	IssuedAt  time.Time          `json:"issued_at"`
	ExpiresAt time.Time          `json:"expires_at"`

	hash     string
	consumed bool
}

// Consumed reports whether the token has been spent.
func (t *Token) Consumed() bool { return t.consumed }

// Gate issues and validates confirmation tokens. Tokens are strictly
// single-use: any completed validation attempt consumes the token, so a
// wrong response cannot be retried against the same challenge.
type Gate struct {
	mu       sync.Mutex
	clk      clock.Clock
	rec      audit.Recorder
	ttl      time.Duration
	tokens   map[string]*Token
	sessions map[string][]string // session id -> pending token ids
}

// NewGate creates a gate whose tokens live for ttl.
func NewGate(clk clock.Clock, rec audit.Recorder, ttl time.Duration) *Gate {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Gate{
		clk:      clk,
		rec:      rec,
		ttl:      ttl,
		tokens:   make(map[string]*Token),
		sessions: make(map[string][]string),
	}
}

// Issue creates a token for the request under the given grant. The grant
// must require active confirmation; issuing tokens for requests that do not
// need them would train users to confirm reflexively.
func (g *Gate) Issue(sessionID string, req capability.Request, grant capability.Grant) (*Token, error) {
	if !grant.RequiresACC {
		return nil, fmt.Errorf("acc: grant %s does not require active confirmation", grant.GrantID)
	}

	kind, err := RandomKind()
	if err != nil {
		return nil, err
	}
	ch, err := NewChallenge(kind)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	t := &Token{
		ACCID:     "acc-" + uuid.NewString(),
		SessionID: sessionID,
		Request:   req,
		Challenge: ch.Kind,
		Payload:   ch.Payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
		hash:      ch.Hash,
	}
	g.tokens[t.ACCID] = t
	g.sessions[sessionID] = append(g.sessions[sessionID], t.ACCID)

	g.rec.Event(audit.Event{
		Type:      audit.EventACCIssued,
		SessionID: sessionID,
		Reason:    fmt.Sprintf("token %s issued (%s) for %s", t.ACCID, t.Challenge, req.Capability),
	})
	return t, nil
}

// Validate checks the human's response against the token's challenge.
// Whatever the outcome, a completed attempt consumes the token. On success
// it returns the spent token so the dispatcher can bind it to the request.
func (g *Gate) Validate(accID, response string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tokens[accID]
	if !ok {
		return nil, &ValidationError{Code: CodeTokenNotFound, ACCID: accID}
	}
	if t.consumed {
		return nil, &ValidationError{Code: CodeTokenAlreadyConsumed, ACCID: accID}
	}

	// The attempt completes here; the token is spent regardless of outcome.
	t.consumed = true

	now := g.clk.Now()
	if !now.Before(t.ExpiresAt) {
		g.consumedEventLocked(t, "expired before validation")
		return nil, &ValidationError{Code: CodeTokenExpired, ACCID: accID}
	}
	if subtle.ConstantTimeCompare([]byte(HashResponse(response)), []byte(t.hash)) != 1 {
		g.consumedEventLocked(t, "challenge response mismatch")
		return nil, &ValidationError{Code: CodeChallengeMismatch, ACCID: accID}
	}

	g.consumedEventLocked(t, "challenge satisfied")
	return t, nil
}

// Pending returns the unconsumed, unexpired tokens for a session.
func (g *Gate) Pending(sessionID string) []*Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	var out []*Token
	for _, id := range g.sessions[sessionID] {
		t := g.tokens[id]
		if t != nil && !t.consumed && now.Before(t.ExpiresAt) {
			out = append(out, t)
		}
	}
	return out
}

// RevokeAll voids every pending token for the session. Used when the
// session's authority is revoked; a revoked session must not be able to
// complete an in-flight confirmation.
func (g *Gate) RevokeAll(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, id := range g.sessions[sessionID] {
		t := g.tokens[id]
		if t != nil && !t.consumed {
			t.consumed = true
			n++
			g.rec.Event(audit.Event{
				Type:      audit.EventACCVoided,
				SessionID: sessionID,
				Reason:    fmt.Sprintf("token %s voided by session revocation", t.ACCID),
			})
		}
	}
	delete(g.sessions, sessionID)
	return n
}

func (g *Gate) consumedEventLocked(t *Token, reason string) {
	g.rec.Event(audit.Event{
		Type:      audit.EventACCConsumed,
		SessionID: t.SessionID,
		Reason:    fmt.Sprintf("token %s consumed: %s", t.ACCID, reason),
	})
}
