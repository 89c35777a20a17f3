package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/bridge"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/proposal"
	"github.com/selfsession/authcore/internal/workorder"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk   *clock.Fake
	log   *audit.Log
	auth  *authority.Authority
	gate  *acc.Gate
	loop  *bridge.Loopback
	dp    *Dispatcher
	sess  *authority.Session
	scope capability.Scope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	log := audit.New(clk)
	auth := authority.New(clk, log)
	gate := acc.NewGate(clk, log, time.Minute)
	engine := policy.NewEngine(
		policy.MaxGainLimit(6.0),
		policy.ProtectedResource{Protected: []string{"master-bus"}},
	)
	loop := bridge.NewLoopback()

	sess, err := auth.OpenSession(authority.ProcessIdentity{AppID: "test-app", LaunchedAt: t0}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		clk:   clk,
		log:   log,
		auth:  auth,
		gate:  gate,
		loop:  loop,
		dp:    New(clk, log, auth, engine, gate, loop, WithConfigHash("sha256:testcfg")),
		sess:  sess,
		scope: capability.Scope{OwnerID: "alice"},
	}
}

func (h *harness) grant(t *testing.T, cap capability.Capability, requiresACC bool) capability.Grant {
	t.Helper()
	g, err := h.auth.Grant(h.sess.SessionID, capability.Grant{
		Capability:  cap,
		Scope:       h.scope,
		ExpiresAt:   h.clk.Now().Add(time.Hour),
		RequiresACC: requiresACC,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func (h *harness) order(cap capability.Capability, op policy.OperationKind, resource string, params map[string]float64) workorder.WorkOrder {
	p := proposal.New(cap, op, resource, "test action")
	p.Parameters = params
	p.Confidence = 0.9
	wo := workorder.New(h.sess.SessionID, p, h.scope)
	wo.FSMPath = []string{"GENERATED", "VISIBLE", "HOLDING", "ARMED", "CONFIRM_READY"}
	wo.HoldDurationMs = 450
	wo.ConfirmationTime = h.clk.Now()
	return wo
}

// answerFor recovers the expected challenge response from the payload.
func answerFor(tok *acc.Token) string {
	s := tok.Payload
	if i := strings.LastIndex(s, ": "); i >= 0 {
		s = s[i+2:]
	}
	return strings.Trim(s, `"`)
}

func TestDispatchExecutes(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)
	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2})

	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if entry.Outcome != audit.OutcomeExecuted {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeExecuted)
	}
	if !entry.VerifySeal() {
		t.Fatal("entry seal must verify")
	}
	if entry.AuditID != wo.AuditID {
		t.Errorf("audit id = %s, want %s", entry.AuditID, wo.AuditID)
	}
	if entry.ConfigHash != "sha256:testcfg" {
		t.Errorf("config hash = %q", entry.ConfigHash)
	}
	if entry.Execution.Status != audit.StatusSuccess {
		t.Errorf("execution status = %s", entry.Execution.Status)
	}
	if h.loop.Calls() != 1 {
		t.Errorf("bridge calls = %d, want exactly 1", h.loop.Calls())
	}
}

func TestCapabilityDeniedSealsEntryWithoutExecution(t *testing.T) {
	h := newHarness(t)
	// No grant at all.
	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2})

	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err == nil {
		t.Fatal("ungranted capability must refuse")
	}
	if entry.Outcome != audit.OutcomeCapabilityDenied {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeCapabilityDenied)
	}
	if entry.Execution.Status != audit.StatusSkipped {
		t.Errorf("execution status = %s, want %s", entry.Execution.Status, audit.StatusSkipped)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

func TestACCRequiredWithoutToken(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.FileWrite, true)
	wo := h.order(capability.FileWrite, policy.OpWrite, "mix-v2.wav", nil)

	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err == nil {
		t.Fatal("confirmation-required grant without a token must refuse")
	}
	if entry.Outcome != audit.OutcomeACCRequired {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeACCRequired)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

func TestACCTokenSingleUse(t *testing.T) {
	h := newHarness(t)
	g := h.grant(t, capability.FileWrite, true)

	tok, err := h.gate.Issue(h.sess.SessionID, capability.Request{Capability: capability.FileWrite, Scope: h.scope}, g)
	if err != nil {
		t.Fatal(err)
	}
	conf := Confirmation{ACCID: tok.ACCID, Response: answerFor(tok)}

	wo := h.order(capability.FileWrite, policy.OpWrite, "mix-v2.wav", nil)
	entry, err := h.dp.Dispatch(context.Background(), wo, conf)
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if entry.Outcome != audit.OutcomeExecuted {
		t.Fatalf("outcome = %s", entry.Outcome)
	}

	// The same token cannot authorize a second dispatch.
	wo2 := h.order(capability.FileWrite, policy.OpWrite, "mix-v3.wav", nil)
	entry2, err := h.dp.Dispatch(context.Background(), wo2, conf)
	if err == nil {
		t.Fatal("spent token must not authorize again")
	}
	if entry2.Outcome != audit.OutcomeACCRequired {
		t.Fatalf("outcome = %s, want %s", entry2.Outcome, audit.OutcomeACCRequired)
	}
	if h.loop.Calls() != 1 {
		t.Errorf("bridge calls = %d, want 1", h.loop.Calls())
	}
}

func TestACCTokenBoundToRequest(t *testing.T) {
	h := newHarness(t)
	fileGrant := h.grant(t, capability.FileWrite, true)
	h.grant(t, capability.GainAdjustment, true)

	// The human confirmed a file write, not a gain change.
	tok, err := h.gate.Issue(h.sess.SessionID, capability.Request{Capability: capability.FileWrite, Scope: h.scope}, fileGrant)
	if err != nil {
		t.Fatal(err)
	}
	conf := Confirmation{ACCID: tok.ACCID, Response: answerFor(tok)}

	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2})
	entry, err := h.dp.Dispatch(context.Background(), wo, conf)
	if err == nil {
		t.Fatal("token for another request must not authorize dispatch")
	}
	if entry.Outcome != audit.OutcomeACCRequired {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeACCRequired)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

func TestACCTokenBoundToOwner(t *testing.T) {
	h := newHarness(t)
	g := h.grant(t, capability.FileWrite, true)

	tok, err := h.gate.Issue(h.sess.SessionID, capability.Request{Capability: capability.FileWrite, Scope: capability.Scope{OwnerID: "bob"}}, g)
	if err != nil {
		t.Fatal(err)
	}
	conf := Confirmation{ACCID: tok.ACCID, Response: answerFor(tok)}

	wo := h.order(capability.FileWrite, policy.OpWrite, "mix-v2.wav", nil)
	entry, err := h.dp.Dispatch(context.Background(), wo, conf)
	if err == nil {
		t.Fatal("token confirmed for another owner must not authorize dispatch")
	}
	if entry.Outcome != audit.OutcomeACCRequired {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeACCRequired)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

func TestPolicyBlockNamesPolicy(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)
	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": 12.0})

	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err == nil {
		t.Fatal("over-limit gain must be blocked")
	}
	if entry.Outcome != audit.OutcomePolicyBlock {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomePolicyBlock)
	}
	if entry.PolicyName != "MAX_GAIN_LIMIT" {
		t.Errorf("policy = %q, want MAX_GAIN_LIMIT", entry.PolicyName)
	}
	if entry.Execution.Status != audit.StatusBlocked {
		t.Errorf("execution status = %s, want %s", entry.Execution.Status, audit.StatusBlocked)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

// warnPolicy allows everything with a WARNING, to exercise advisories.
type warnPolicy struct{}

func (warnPolicy) Name() string { return "LOUDNESS_ADVISORY" }

func (warnPolicy) Evaluate(req policy.Request) policy.Result {
	return policy.Result{Allowed: true, Level: policy.LevelWarning, Reason: "approaching loudness ceiling"}
}

func TestAdvisoriesSealedIntoEntry(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)

	engine := policy.NewEngine(warnPolicy{}, policy.MaxGainLimit(6.0))
	dp := New(h.clk, h.log, h.auth, engine, h.gate, h.loop)

	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2})
	entry, err := dp.Dispatch(context.Background(), wo, Confirmation{})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if entry.Outcome != audit.OutcomeExecuted {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeExecuted)
	}
	if len(entry.Advisories) != 1 {
		t.Fatalf("got %d advisories, want 1: %+v", len(entry.Advisories), entry.Advisories)
	}
	a := entry.Advisories[0]
	if a.PolicyName != "LOUDNESS_ADVISORY" || a.Level != string(policy.LevelWarning) || a.Reason != "approaching loudness ceiling" {
		t.Errorf("advisory = %+v", a)
	}
	if !entry.VerifySeal() {
		t.Error("entry with advisories must still seal intact")
	}

	// A blocked attempt keeps the advisories gathered before the block.
	wo2 := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": 40})
	entry2, err := dp.Dispatch(context.Background(), wo2, Confirmation{})
	if err == nil {
		t.Fatal("over-limit gain must be blocked")
	}
	if entry2.Outcome != audit.OutcomePolicyBlock {
		t.Fatalf("outcome = %s, want %s", entry2.Outcome, audit.OutcomePolicyBlock)
	}
	if len(entry2.Advisories) != 1 || entry2.Advisories[0].PolicyName != "LOUDNESS_ADVISORY" {
		t.Errorf("blocked entry advisories = %+v", entry2.Advisories)
	}
}

func TestMissingAuditBindingRefusedWithoutEntry(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)
	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", nil)
	wo.AuditID = ""

	_, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	var derr *DispatchError
	if !errors.As(err, &derr) || derr.Outcome != audit.OutcomeMissingAuditBinding {
		t.Fatalf("got %v, want missing-audit-binding refusal", err)
	}
	if h.loop.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0", h.loop.Calls())
	}
}

func TestIncompleteOrderSealsInvalidEntry(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)
	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", nil)
	wo.HoldDurationMs = 0

	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err == nil {
		t.Fatal("incomplete lifecycle evidence must refuse")
	}
	if entry.Outcome != audit.OutcomeInvalidOrder {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeInvalidOrder)
	}
}

func TestHaltedSessionOutcome(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)
	h.auth.RevokeAll(h.sess.SessionID)

	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", nil)
	entry, err := h.dp.Dispatch(context.Background(), wo, Confirmation{})
	if err == nil {
		t.Fatal("halted session must refuse")
	}
	if entry.Outcome != audit.OutcomeSessionHalted {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeSessionHalted)
	}
}

// stallBridge holds execution until released, to keep a dispatch in flight.
// Later calls pass straight through once release is closed.
type stallBridge struct {
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (b *stallBridge) Domain() string { return "stall" }

func (b *stallBridge) Execute(ctx context.Context, wo workorder.WorkOrder) (bridge.Result, error) {
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.release
	return bridge.Result{Status: bridge.StatusSuccess}, nil
}

func TestBusyLockedSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)

	stall := &stallBridge{entered: make(chan struct{}), release: make(chan struct{})}
	dp := New(h.clk, h.log, h.auth, policy.NewEngine(), h.gate, stall)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", nil)
		_, err := dp.Dispatch(context.Background(), wo, Confirmation{})
		if err != nil {
			t.Errorf("in-flight dispatch failed: %v", err)
		}
	}()

	<-stall.entered

	// Second attempt for the same session while the first is in flight.
	wo2 := h.order(capability.GainAdjustment, policy.OpAdjust, "track-2/gain", nil)
	_, err := dp.Dispatch(context.Background(), wo2, Confirmation{})
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("got %v, want BusyError", err)
	}

	close(stall.release)
	wg.Wait()

	// After the first settles, the session accepts dispatches again.
	wo3 := h.order(capability.GainAdjustment, policy.OpAdjust, "track-3/gain", nil)
	if _, err := dp.Dispatch(context.Background(), wo3, Confirmation{}); err != nil {
		t.Fatalf("dispatch after release failed: %v", err)
	}
}

func TestOneEntryPerAttempt(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)

	// Three attempts: one executed, one policy block, one denial.
	h.dp.Dispatch(context.Background(), h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2}), Confirmation{})
	h.dp.Dispatch(context.Background(), h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": 40}), Confirmation{})
	h.dp.Dispatch(context.Background(), h.order(capability.FileWrite, policy.OpWrite, "mix.wav", nil), Confirmation{})

	entries := h.log.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (one per attempt)", len(entries))
	}
	for _, e := range entries {
		if !e.VerifySeal() {
			t.Errorf("entry %s not sealed intact", e.AuditID)
		}
	}
}

func TestBridgeFailureSealed(t *testing.T) {
	h := newHarness(t)
	h.grant(t, capability.GainAdjustment, false)

	failing := &failBridge{}
	dp := New(h.clk, h.log, h.auth, policy.NewEngine(), h.gate, failing)

	wo := h.order(capability.GainAdjustment, policy.OpAdjust, "track-1/gain", nil)
	entry, err := dp.Dispatch(context.Background(), wo, Confirmation{})
	var derr *DispatchError
	if !errors.As(err, &derr) || derr.Outcome != audit.OutcomeBridgeFailed {
		t.Fatalf("got %v, want bridge-failed", err)
	}
	if entry.Outcome != audit.OutcomeBridgeFailed {
		t.Fatalf("outcome = %s, want %s", entry.Outcome, audit.OutcomeBridgeFailed)
	}
	if entry.Execution.Status != string(bridge.StatusFailed) {
		t.Errorf("execution status = %s", entry.Execution.Status)
	}
	if failing.calls != 1 {
		t.Errorf("bridge calls = %d, want exactly 1 (no retry)", failing.calls)
	}
}

type failBridge struct {
	calls int
}

func (b *failBridge) Domain() string { return "fail" }

func (b *failBridge) Execute(ctx context.Context, wo workorder.WorkOrder) (bridge.Result, error) {
	b.calls++
	return bridge.Result{}, errors.New("device rejected the command")
}
