package enforce

import (
	"testing"
	"time"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*authority.Authority, *acc.Gate, *authority.Session, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	auth := authority.New(clk, nil)
	gate := acc.NewGate(clk, nil, time.Minute)
	sess, err := auth.OpenSession(authority.ProcessIdentity{AppID: "test-app", LaunchedAt: t0}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return auth, gate, sess, clk
}

func TestDoRunsWhenAliveAndActive(t *testing.T) {
	auth, gate, sess, _ := setup(t)
	guard := NewGuard(auth, gate, nil, func(string) bool { return true })

	ran := false
	if err := guard.Do(sess.SessionID, func() error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("operation should have run")
	}
}

func TestDeadProcessEndsSessionBeforeRunning(t *testing.T) {
	auth, gate, sess, _ := setup(t)
	guard := NewGuard(auth, gate, nil, func(string) bool { return false })

	ran := false
	err := guard.Do(sess.SessionID, func() error { ran = true; return nil })
	if err == nil {
		t.Fatal("dead process must refuse")
	}
	if ran {
		t.Fatal("operation must not run for a dead process")
	}
	// The session is gone by the time Do returns, not eventually.
	if auth.SessionActive(sess.SessionID) {
		t.Fatal("session must be ended synchronously")
	}
}

func TestInactiveSessionRefused(t *testing.T) {
	auth, gate, sess, clk := setup(t)
	guard := NewGuard(auth, gate, nil, nil)

	clk.Advance(2 * time.Hour) // session TTL elapses

	ran := false
	if err := guard.Do(sess.SessionID, func() error { ran = true; return nil }); err == nil {
		t.Fatal("expired session must refuse")
	}
	if ran {
		t.Fatal("operation must not run for an expired session")
	}
}

func TestOnSessionEndRevokesEverything(t *testing.T) {
	auth, gate, sess, clk := setup(t)
	guard := NewGuard(auth, gate, nil, nil)

	g, err := auth.Grant(sess.SessionID, capability.Grant{
		Capability:  capability.FileWrite,
		Scope:       capability.Scope{OwnerID: "alice"},
		ExpiresAt:   clk.Now().Add(time.Hour),
		RequiresACC: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := gate.Issue(sess.SessionID, capability.Request{Capability: capability.FileWrite, Scope: capability.Scope{OwnerID: "alice"}}, g)
	if err != nil {
		t.Fatal(err)
	}

	guard.OnSessionEnd(sess.SessionID, "window closed")

	if auth.SessionActive(sess.SessionID) {
		t.Error("session must be inactive after end")
	}
	if _, err := gate.Validate(tok.ACCID, "anything"); err == nil {
		t.Error("pending token must be voided by session end")
	}
}
