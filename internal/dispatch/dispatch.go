// Package dispatch implements the execution dispatcher: the single chokepoint
// between an authorized work order and the bridge. Every attempt runs the
// same fixed gauntlet and produces exactly one sealed forensic entry, no
// matter where it stopped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/bridge"
	"github.com/selfsession/authcore/internal/clock"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/workorder"
)

// DefaultBridgeTimeout bounds a single bridge invocation.
const DefaultBridgeTimeout = 10 * time.Second

// BusyError reports a concurrent dispatch already in flight for the session.
// The caller retries after the current attempt settles; nothing queues.
type BusyError struct {
	SessionID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("dispatch already in flight for session %s", e.SessionID)
}

// DispatchError reports a refused or failed attempt. Outcome matches the
// sealed forensic entry's outcome code.
type DispatchError struct {
	Outcome string
	Reason  string
	Cause   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch refused (%s): %s", e.Outcome, e.Reason)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// TokenChecker is the slice of the confirmation gate the dispatcher needs.
type TokenChecker interface {
	Validate(accID, response string) (*acc.Token, error)
}

// Dispatcher runs the fixed pre-execution gauntlet: audit binding, capability
// authority, active confirmation, policy, then the bridge exactly once, then
// the seal. Per session, at most one attempt runs at a time.
type Dispatcher struct {
	clk       clock.Clock
	log       *audit.Log
	authority *authority.Authority
	engine    *policy.Engine
	gate      TokenChecker
	bridge    bridge.Bridge

	timeout    time.Duration
	configHash string

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBridgeTimeout overrides the bridge invocation deadline.
func WithBridgeTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithConfigHash stamps every sealed entry with the active config's hash.
func WithConfigHash(h string) Option {
	return func(dp *Dispatcher) { dp.configHash = h }
}

// New creates a dispatcher over the given components.
func New(clk clock.Clock, log *audit.Log, auth *authority.Authority, engine *policy.Engine, gate TokenChecker, b bridge.Bridge, opts ...Option) *Dispatcher {
	dp := &Dispatcher{
		clk:       clk,
		log:       log,
		authority: auth,
		engine:    engine,
		gate:      gate,
		bridge:    b,
		timeout:   DefaultBridgeTimeout,
		inFlight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp
}

// Confirmation carries the human's response to an issued challenge token.
// Zero value means no confirmation was provided.
type Confirmation struct {
	ACCID    string
	Response string
}

// Dispatch runs one attempt of the work order. The returned entry is the
// sealed forensic record of the attempt; err is non-nil whenever the bridge
// did not run to success. A BusyError attempt is the one case that seals no
// entry under the work order's audit ID: the in-flight attempt owns it.
func (dp *Dispatcher) Dispatch(ctx context.Context, wo workorder.WorkOrder, conf Confirmation) (audit.ForensicEntry, error) {
	// Audit binding comes first. An order that cannot be recorded is not
	// refused-and-logged; it is refused, full stop.
	if err := wo.Validate(); err != nil {
		var verr *workorder.ValidationError
		if errors.As(err, &verr) && verr.MissingAuditBinding() {
			return audit.ForensicEntry{}, &DispatchError{
				Outcome: audit.OutcomeMissingAuditBinding,
				Reason:  "work order carries no audit binding",
				Cause:   err,
			}
		}
		return dp.refuse(wo, audit.OutcomeInvalidOrder, audit.StatusDenied, err.Error(), "", err)
	}

	if !dp.acquire(wo.SessionID) {
		return audit.ForensicEntry{}, &BusyError{SessionID: wo.SessionID}
	}
	defer dp.release(wo.SessionID)

	// Capability authority.
	grant, err := dp.authority.AssertAllowed(wo.SessionID, wo.CapabilityRequest())
	if err != nil {
		outcome := audit.OutcomeCapabilityDenied
		var denial *authority.DenialError
		if errors.As(err, &denial) && denial.Code == authority.CodeSessionHalted {
			outcome = audit.OutcomeSessionHalted
		}
		return dp.refuse(wo, outcome, audit.StatusDenied, err.Error(), "", err)
	}

	// Active confirmation, when the grant demands it.
	if grant.RequiresACC {
		if conf.ACCID == "" {
			err := &DispatchError{Outcome: audit.OutcomeACCRequired, Reason: "grant requires active confirmation, none provided"}
			return dp.refuse(wo, audit.OutcomeACCRequired, audit.StatusDenied, err.Reason, "", err)
		}
		token, err := dp.gate.Validate(conf.ACCID, conf.Response)
		if err != nil {
			return dp.refuse(wo, audit.OutcomeACCRequired, audit.StatusDenied, err.Error(), "", err)
		}
		if token.SessionID != wo.SessionID {
			err := &DispatchError{Outcome: audit.OutcomeACCRequired, Reason: "confirmation token belongs to another session"}
			return dp.refuse(wo, audit.OutcomeACCRequired, audit.StatusDenied, err.Reason, "", err)
		}
		// The token confirms one specific request; a confirmation collected
		// for a different capability or owner authorizes nothing here.
		if token.Request.Capability != wo.Proposal.Capability || token.Request.Scope.OwnerID != wo.Scope.OwnerID {
			err := &DispatchError{Outcome: audit.OutcomeACCRequired, Reason: "confirmation token was issued for a different request"}
			return dp.refuse(wo, audit.OutcomeACCRequired, audit.StatusDenied, err.Reason, "", err)
		}
	}

	// Policy. Deterministic, fail fast; the first block names the policy.
	// Non-blocking advisories travel into the sealed entry.
	res := dp.engine.Evaluate(wo.Proposal.PolicyRequest())
	adv := toAdvisories(res.Advisories)
	if !res.Allowed {
		err := &DispatchError{Outcome: audit.OutcomePolicyBlock, Reason: res.Reason}
		return dp.refuseAdvised(wo, audit.OutcomePolicyBlock, audit.StatusBlocked, res.Reason, res.PolicyName, adv, err)
	}

	// Bridge, exactly once.
	started := dp.clk.Now()
	result := bridge.Invoke(ctx, dp.bridge, wo, dp.timeout)
	elapsed := dp.clk.Now().Sub(started)

	exec := audit.Execution{
		Domain:     result.Domain,
		Status:     string(result.Status),
		ResultHash: result.ResultHash,
		ExecutedAt: started.UTC().Format(audit.TimestampFormat),
		DurationMs: elapsed.Milliseconds(),
	}

	if result.Status != bridge.StatusSuccess {
		entry, serr := dp.seal(wo, audit.OutcomeBridgeFailed, result.Err, "", adv, exec)
		if serr != nil {
			return entry, serr
		}
		return entry, &DispatchError{Outcome: audit.OutcomeBridgeFailed, Reason: result.Err}
	}
	return dp.seal(wo, audit.OutcomeExecuted, "executed", "", adv, exec)
}

// toAdvisories converts the engine's non-blocking results into the audit
// record's form.
func toAdvisories(results []policy.Result) []audit.Advisory {
	if len(results) == 0 {
		return nil
	}
	out := make([]audit.Advisory, 0, len(results))
	for _, r := range results {
		out = append(out, audit.Advisory{
			PolicyName: r.PolicyName,
			Level:      string(r.Level),
			Reason:     r.Reason,
		})
	}
	return out
}

// acquire claims the session's dispatch slot.
func (dp *Dispatcher) acquire(sessionID string) bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.inFlight[sessionID] {
		return false
	}
	dp.inFlight[sessionID] = true
	return true
}

func (dp *Dispatcher) release(sessionID string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	delete(dp.inFlight, sessionID)
}

// refuse seals a no-execution entry for a refused attempt and returns the
// caller's error alongside it.
func (dp *Dispatcher) refuse(wo workorder.WorkOrder, outcome, status, reason, policyName string, cause error) (audit.ForensicEntry, error) {
	return dp.refuseAdvised(wo, outcome, status, reason, policyName, nil, cause)
}

func (dp *Dispatcher) refuseAdvised(wo workorder.WorkOrder, outcome, status, reason, policyName string, adv []audit.Advisory, cause error) (audit.ForensicEntry, error) {
	exec := audit.Execution{Status: audit.StatusSkipped}
	if status == audit.StatusBlocked {
		exec.Status = audit.StatusBlocked
	}
	entry, serr := dp.seal(wo, outcome, reason, policyName, adv, exec)
	if serr != nil {
		return entry, serr
	}
	return entry, cause
}

// seal builds and appends the single forensic entry for this attempt.
func (dp *Dispatcher) seal(wo workorder.WorkOrder, outcome, reason, policyName string, adv []audit.Advisory, exec audit.Execution) (audit.ForensicEntry, error) {
	entry := audit.ForensicEntry{
		AuditID:    wo.AuditID,
		ActionID:   wo.Proposal.ActionID,
		Outcome:    outcome,
		Reason:     reason,
		PolicyName: policyName,
		Rationale:  wo.Proposal.Rationale(),
		Authority: audit.Authority{
			FSMPath:        wo.FSMPath,
			HoldDurationMs: wo.HoldDurationMs,
			SessionID:      wo.SessionID,
		},
		Execution:  exec,
		Advisories: adv,
		ConfigHash: dp.configHash,
	}
	if !wo.ConfirmationTime.IsZero() {
		entry.Authority.ConfirmationTime = wo.ConfirmationTime.UTC().Format(audit.TimestampFormat)
	}
	return dp.log.Append(entry)
}
