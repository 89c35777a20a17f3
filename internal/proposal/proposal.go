// Package proposal defines the machine-generated action suggestions that
// enter the authorization pipeline. A proposal carries its own evidence and
// confidence but holds no authority whatsoever; confidence is display
// metadata and never gates execution.
package proposal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/policy"
)

// Proposal is one suggested action awaiting human authorization.
type Proposal struct {
	ActionID    string                `json:"action_id"`
	Capability  capability.Capability `json:"capability"`
	Operation   policy.OperationKind  `json:"operation"`
	Resource    string                `json:"resource"`
	Parameters  map[string]float64    `json:"parameters,omitempty"`
	Description string                `json:"description"`
	Evidence    audit.Evidence        `json:"evidence"`
	Confidence  float64               `json:"confidence"`
}

// New builds a proposal with a fresh action ID.
func New(cap capability.Capability, op policy.OperationKind, resource, description string) Proposal {
	return Proposal{
		ActionID:    "act-" + uuid.NewString(),
		Capability:  cap,
		Operation:   op,
		Resource:    resource,
		Description: description,
	}
}

// Validate checks structural soundness. A malformed proposal never enters
// the pipeline.
func (p Proposal) Validate() error {
	if p.ActionID == "" {
		return fmt.Errorf("proposal: missing action id")
	}
	if !p.Capability.IsValid() {
		return fmt.Errorf("proposal %s: unknown capability %q", p.ActionID, p.Capability)
	}
	if !p.Operation.IsValid() {
		return fmt.Errorf("proposal %s: unknown operation %q", p.ActionID, p.Operation)
	}
	if p.Description == "" {
		return fmt.Errorf("proposal %s: missing description", p.ActionID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("proposal %s: confidence %.3f outside [0, 1]", p.ActionID, p.Confidence)
	}
	return nil
}

// Rationale renders the proposal's reasoning for the forensic record. The
// confidence value is copied verbatim; it is evidence of the proposer's
// certainty, not an input to any authorization decision.
func (p Proposal) Rationale() audit.Rationale {
	return audit.Rationale{
		Source:      "analysis",
		Evidence:    p.Evidence,
		Description: p.Description,
		Confidence:  p.Confidence,
	}
}

// PolicyRequest maps the proposal to the policy engine's input.
func (p Proposal) PolicyRequest() policy.Request {
	return policy.Request{
		Capability: p.Capability,
		Operation:  p.Operation,
		Resource:   p.Resource,
		Parameters: p.Parameters,
	}
}
