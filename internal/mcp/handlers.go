package mcp

import (
	"context"
	"errors"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/dispatch"
	"github.com/selfsession/authcore/internal/fsm"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/proposal"
	"github.com/selfsession/authcore/internal/workorder"
)

// --- Input/Output types ---

// SessionInput defines parameters for the authcore_session tool.
type SessionInput struct {
	AppID string `json:"app_id" jsonschema:"identifier of the governed process"`
}

// SessionOutput returns the opened session.
type SessionOutput struct {
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
}

// GrantInput defines parameters for the authcore_grant tool.
type GrantInput struct {
	SessionID   string   `json:"session_id" jsonschema:"session the grant belongs to"`
	Capability  string   `json:"capability" jsonschema:"capability name (e.g. GAIN_ADJUSTMENT, FILE_WRITE)"`
	OwnerID     string   `json:"owner_id" jsonschema:"owner whose resources the grant covers"`
	WindowID    string   `json:"window_id,omitempty" jsonschema:"optional window restriction"`
	ResourceIDs []string `json:"resource_ids,omitempty" jsonschema:"optional resource restriction"`
	TTLSec      int      `json:"ttl_sec" jsonschema:"grant lifetime in seconds"`
	RequiresACC bool     `json:"requires_acc,omitempty" jsonschema:"whether use requires an active confirmation challenge"`
}

// GrantOutput returns the stored grant.
type GrantOutput struct {
	GrantID   string `json:"grant_id"`
	ExpiresAt string `json:"expires_at"`
}

// CheckInput defines parameters for the authcore_check tool.
type CheckInput struct {
	SessionID  string             `json:"session_id" jsonschema:"session to check against"`
	Capability string             `json:"capability" jsonschema:"capability the request needs"`
	OwnerID    string             `json:"owner_id" jsonschema:"owner of the targeted resource"`
	Operation  string             `json:"operation" jsonschema:"operation kind (read/adjust/write/delete/export/navigate)"`
	Resource   string             `json:"resource,omitempty" jsonschema:"targeted resource"`
	Parameters map[string]float64 `json:"parameters,omitempty" jsonschema:"declared numeric parameters"`
}

// CheckOutput contains the dry-run decision.
type CheckOutput struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
}

// ProposeInput defines parameters for the authcore_propose tool.
type ProposeInput struct {
	SessionID   string             `json:"session_id" jsonschema:"session proposing the action"`
	Capability  string             `json:"capability" jsonschema:"capability the action needs"`
	OwnerID     string             `json:"owner_id" jsonschema:"owner of the targeted resource"`
	Operation   string             `json:"operation" jsonschema:"operation kind"`
	Resource    string             `json:"resource" jsonschema:"targeted resource"`
	Parameters  map[string]float64 `json:"parameters,omitempty" jsonschema:"declared numeric parameters"`
	Description string             `json:"description" jsonschema:"human-readable rationale for the action"`
	Confidence  float64            `json:"confidence,omitempty" jsonschema:"proposer confidence in [0,1], informational only"`
}

// ProposeOutput returns the created action.
type ProposeOutput struct {
	ActionID string `json:"action_id"`
	State    string `json:"state"`
}

// HoldInput defines parameters for the authcore_hold tool.
type HoldInput struct {
	ActionID string `json:"action_id" jsonschema:"action being held"`
	Phase    string `json:"phase" jsonschema:"hold phase: start, release or disarm"`
}

// HoldOutput returns the lifecycle result of the hold event.
type HoldOutput struct {
	State          string `json:"state"`
	HoldDurationMs int64  `json:"hold_duration_ms,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ChallengeInput defines parameters for the authcore_challenge tool.
type ChallengeInput struct {
	ActionID string `json:"action_id" jsonschema:"armed action to issue a challenge for"`
}

// ChallengeOutput returns the issued challenge.
type ChallengeOutput struct {
	ACCID     string `json:"acc_id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	ExpiresAt string `json:"expires_at"`
}

// DispatchInput defines parameters for the authcore_dispatch tool.
type DispatchInput struct {
	ActionID string `json:"action_id" jsonschema:"action to dispatch"`
	ACCID    string `json:"acc_id,omitempty" jsonschema:"confirmation token id, if a challenge was issued"`
	Response string `json:"response,omitempty" jsonschema:"the user's challenge response"`
}

// DispatchOutput reports the sealed attempt.
type DispatchOutput struct {
	AuditID  string `json:"audit_id,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
	State    string `json:"state"`
	SealHash string `json:"seal_hash,omitempty"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists published challenges.
type PendingOutput struct {
	Challenges []PendingItem `json:"challenges"`
}

// PendingItem describes one published challenge.
type PendingItem struct {
	ACCID     string `json:"acc_id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	ExpiresAt string `json:"expires_at"`
}

// AuditVerifyInput defines parameters for the authcore_audit_verify tool.
type AuditVerifyInput struct {
	Path string `json:"path" jsonschema:"path to a forensic JSONL log file"`
}

// AuditVerifyOutput reports chain integrity.
type AuditVerifyOutput struct {
	Valid     bool   `json:"valid"`
	Records   int    `json:"records"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// --- Handlers ---

func (s *Server) handleSession(ctx context.Context, req *mcpsdk.CallToolRequest, input SessionInput) (*mcpsdk.CallToolResult, SessionOutput, error) {
	sess, err := s.auth.OpenSession(authority.ProcessIdentity{AppID: input.AppID, LaunchedAt: s.clk.Now()}, s.cfg.SessionTTL())
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, SessionOutput{}, err
	}
	return nil, SessionOutput{
		SessionID: sess.SessionID,
		ExpiresAt: sess.ExpiresAt.UTC().Format(audit.TimestampFormat),
	}, nil
}

func (s *Server) handleGrant(ctx context.Context, req *mcpsdk.CallToolRequest, input GrantInput) (*mcpsdk.CallToolResult, GrantOutput, error) {
	g, err := s.auth.Grant(input.SessionID, capability.Grant{
		Capability: capability.Capability(input.Capability),
		Scope: capability.Scope{
			OwnerID:     input.OwnerID,
			WindowID:    input.WindowID,
			ResourceIDs: input.ResourceIDs,
		},
		ExpiresAt:   s.clk.Now().Add(time.Duration(input.TTLSec) * time.Second),
		RequiresACC: input.RequiresACC,
	})
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, GrantOutput{}, err
	}
	return nil, GrantOutput{
		GrantID:   g.GrantID,
		ExpiresAt: g.ExpiresAt.UTC().Format(audit.TimestampFormat),
	}, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	_, err := s.auth.AssertAllowed(input.SessionID, capability.Request{
		Capability: capability.Capability(input.Capability),
		Scope:      capability.Scope{OwnerID: input.OwnerID},
	})
	if err != nil {
		return nil, CheckOutput{Allowed: false, Reason: err.Error()}, nil
	}

	res := s.engine.Evaluate(policy.Request{
		Capability: capability.Capability(input.Capability),
		Operation:  policy.OperationKind(input.Operation),
		Resource:   input.Resource,
		Parameters: input.Parameters,
	})
	return nil, CheckOutput{Allowed: res.Allowed, Reason: res.Reason, PolicyName: res.PolicyName}, nil
}

func (s *Server) handlePropose(ctx context.Context, req *mcpsdk.CallToolRequest, input ProposeInput) (*mcpsdk.CallToolResult, ProposeOutput, error) {
	p := proposal.New(
		capability.Capability(input.Capability),
		policy.OperationKind(input.Operation),
		input.Resource,
		input.Description,
	)
	p.Parameters = input.Parameters
	p.Confidence = input.Confidence
	if err := p.Validate(); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ProposeOutput{}, err
	}

	m := fsm.New(s.clk, s.log, p.ActionID, input.SessionID,
		fsm.WithHoldThreshold(s.cfg.HoldThreshold()),
		fsm.WithInactivityTimeout(s.cfg.InactivityTimeout()),
	)
	if err := m.Present(); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ProposeOutput{}, err
	}

	s.mu.Lock()
	s.actions[p.ActionID] = &actionState{
		proposal:  p,
		machine:   m,
		sessionID: input.SessionID,
		scope:     capability.Scope{OwnerID: input.OwnerID},
	}
	s.mu.Unlock()

	return nil, ProposeOutput{ActionID: p.ActionID, State: string(m.State())}, nil
}

func (s *Server) handleHold(ctx context.Context, req *mcpsdk.CallToolRequest, input HoldInput) (*mcpsdk.CallToolResult, HoldOutput, error) {
	st, err := s.action(input.ActionID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, HoldOutput{}, err
	}

	switch input.Phase {
	case "start":
		if err := st.machine.HoldStart(); err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, HoldOutput{State: string(st.machine.State())}, err
		}
		return nil, HoldOutput{State: string(st.machine.State())}, nil

	case "release":
		err := st.machine.HoldRelease()
		var insufficient *fsm.HoldInsufficientError
		if errors.As(err, &insufficient) {
			return nil, HoldOutput{
				State:     string(st.machine.State()),
				Retryable: true,
				Reason:    insufficient.Error(),
			}, nil
		}
		if err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, HoldOutput{State: string(st.machine.State())}, err
		}
		return nil, HoldOutput{
			State:          string(st.machine.State()),
			HoldDurationMs: st.machine.HoldDuration().Milliseconds(),
		}, nil

	case "disarm":
		if err := st.machine.Disarm(); err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, HoldOutput{State: string(st.machine.State())}, err
		}
		return nil, HoldOutput{State: string(st.machine.State())}, nil

	default:
		return &mcpsdk.CallToolResult{IsError: true}, HoldOutput{}, errors.New(`phase must be "start", "release" or "disarm"`)
	}
}

func (s *Server) handleChallenge(ctx context.Context, req *mcpsdk.CallToolRequest, input ChallengeInput) (*mcpsdk.CallToolResult, ChallengeOutput, error) {
	st, err := s.action(input.ActionID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ChallengeOutput{}, err
	}

	capReq := capability.Request{Capability: st.proposal.Capability, Scope: st.scope}
	grant, err := s.auth.AssertAllowed(st.sessionID, capReq)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ChallengeOutput{}, err
	}

	token, err := s.gate.Issue(st.sessionID, capReq, grant)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ChallengeOutput{}, err
	}
	s.setActionToken(input.ActionID, token.ACCID)

	// Publish for external surfaces; MCP output carries it too.
	_ = s.published.Publish(token, "")

	return nil, ChallengeOutput{
		ACCID:     token.ACCID,
		Kind:      string(token.Challenge),
		Payload:   token.Payload,
		ExpiresAt: token.ExpiresAt.UTC().Format(audit.TimestampFormat),
	}, nil
}

func (s *Server) handleDispatch(ctx context.Context, req *mcpsdk.CallToolRequest, input DispatchInput) (*mcpsdk.CallToolResult, DispatchOutput, error) {
	st, err := s.action(input.ActionID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DispatchOutput{}, err
	}

	// Confirmation is recorded before dispatch; the gate re-validates the
	// token inside the gauntlet.
	if st.machine.State() == fsm.StateArmed {
		if err := st.machine.Confirm(); err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, DispatchOutput{State: string(st.machine.State())}, err
		}
	}

	accID, response := input.ACCID, input.Response
	if accID == "" {
		accID = s.actionToken(input.ActionID)
	}
	if response == "" && accID != "" {
		if staged, ok := s.stagedResponse(accID); ok {
			response = staged
		}
	}

	wo := workorder.New(st.sessionID, st.proposal, st.scope)
	wo.FSMPath = st.machine.Path()
	wo.HoldDurationMs = st.machine.HoldDuration().Milliseconds()
	wo.ConfirmationTime = st.machine.ConfirmedAt()
	wo.ACCTokenID = accID

	entry, err := s.dispatcher.Dispatch(ctx, wo, dispatch.Confirmation{
		ACCID:    accID,
		Response: response,
	})
	if accID != "" {
		_ = s.published.Remove(accID)
	}

	if err != nil {
		var busy *dispatch.BusyError
		if errors.As(err, &busy) {
			return &mcpsdk.CallToolResult{IsError: true}, DispatchOutput{
				Outcome: audit.OutcomeBusyLocked,
				Reason:  busy.Error(),
				State:   string(st.machine.State()),
			}, nil
		}
		return &mcpsdk.CallToolResult{IsError: true}, DispatchOutput{
			AuditID:  entry.AuditID,
			Outcome:  entry.Outcome,
			Reason:   entry.Reason,
			State:    string(st.machine.State()),
			SealHash: entry.SealHash,
		}, nil
	}

	if err := st.machine.MarkExecuted(); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DispatchOutput{AuditID: entry.AuditID, Outcome: entry.Outcome}, err
	}

	return nil, DispatchOutput{
		AuditID:  entry.AuditID,
		Outcome:  entry.Outcome,
		State:    string(st.machine.State()),
		SealHash: entry.SealHash,
	}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	challenges, err := s.published.List()
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, PendingOutput{}, err
	}

	out := PendingOutput{}
	for _, c := range challenges {
		out.Challenges = append(out.Challenges, PendingItem{
			ACCID:     c.ACCID,
			SessionID: c.SessionID,
			Kind:      string(c.Kind),
			Payload:   c.Payload,
			ExpiresAt: c.ExpiresAt.UTC().Format(audit.TimestampFormat),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	result := audit.Verify(input.Path)
	out := AuditVerifyOutput{
		Valid:     result.Valid,
		Records:   result.Lines,
		Error:     result.Error,
		ErrorLine: result.ErrorLine,
	}
	if !result.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
