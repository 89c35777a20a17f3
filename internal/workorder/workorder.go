// Package workorder defines the execution ticket produced when an action
// completes its authorization lifecycle. A work order binds the proposal,
// the session, the lifecycle evidence and the forensic audit ID into the
// single unit the dispatcher accepts. No work order, no execution.
package workorder

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/proposal"
)

// WorkOrder authorizes exactly one dispatch attempt of one action.
type WorkOrder struct {
	WorkOrderID string `json:"work_order_id"`
	AuditID     string `json:"audit_id"`
	SessionID   string `json:"session_id"`

	Proposal proposal.Proposal `json:"proposal"`
	Scope    capability.Scope  `json:"scope"`

	FSMPath          []string  `json:"fsm_path"`
	HoldDurationMs   int64     `json:"hold_duration_ms"`
	ConfirmationTime time.Time `json:"confirmation_time"`
	ACCTokenID       string    `json:"acc_token_id,omitempty"`
}

// New builds a work order with fresh work-order and audit IDs. The audit ID
// is minted here so the forensic binding exists before any dispatch step.
func New(sessionID string, p proposal.Proposal, scope capability.Scope) WorkOrder {
	return WorkOrder{
		WorkOrderID: "wo-" + uuid.NewString(),
		AuditID:     "fae-" + uuid.NewString(),
		SessionID:   sessionID,
		Proposal:    p,
		Scope:       scope,
	}
}

// CapabilityRequest maps the work order onto the authority's input.
func (w WorkOrder) CapabilityRequest() capability.Request {
	return capability.Request{
		Capability: w.Proposal.Capability,
		Scope:      w.Scope,
		Reason:     w.Proposal.Description,
	}
}

// ValidationError aggregates every structural problem found, so the caller
// sees the full list rather than fixing one fault per attempt.
type ValidationError struct {
	WorkOrderID string
	Problems    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("work order %s invalid: %s", e.WorkOrderID, strings.Join(e.Problems, "; "))
}

// MissingAuditBinding reports whether the error includes an absent audit ID,
// which dispatchers treat as an unconditional refusal.
func (e *ValidationError) MissingAuditBinding() bool {
	for _, p := range e.Problems {
		if strings.Contains(p, "audit id") {
			return true
		}
	}
	return false
}

// Validate checks the work order end to end and collects all problems.
func (w WorkOrder) Validate() error {
	var problems []string

	if w.WorkOrderID == "" {
		problems = append(problems, "missing work order id")
	}
	if w.AuditID == "" {
		problems = append(problems, "missing audit id")
	}
	if w.SessionID == "" {
		problems = append(problems, "missing session id")
	}
	if err := w.Proposal.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if w.Scope.OwnerID == "" {
		problems = append(problems, "scope missing owner id")
	}
	if len(w.FSMPath) == 0 {
		problems = append(problems, "missing lifecycle path")
	}
	if w.HoldDurationMs <= 0 {
		problems = append(problems, "missing hold duration")
	}
	if w.ConfirmationTime.IsZero() {
		problems = append(problems, "missing confirmation time")
	}

	if len(problems) > 0 {
		return &ValidationError{WorkOrderID: w.WorkOrderID, Problems: problems}
	}
	return nil
}
