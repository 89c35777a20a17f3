// Package policy implements the deterministic rule evaluator that can block
// an otherwise-granted request based on its concrete parameters. Policies
// are pure functions of the request: no clock, no randomness, no external
// state, so every evaluation is replayable.
package policy

import (
	"fmt"

	"github.com/selfsession/authcore/internal/capability"
)

// Level classifies a policy result's severity.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelBlock   Level = "BLOCK"
)

// OperationKind is the closed classification of what a request does to its
// target. A request without a recognized kind is denied outright.
type OperationKind string

const (
	OpRead     OperationKind = "read"
	OpAdjust   OperationKind = "adjust"
	OpWrite    OperationKind = "write"
	OpDelete   OperationKind = "delete"
	OpExport   OperationKind = "export"
	OpNavigate OperationKind = "navigate"
)

var validOps = map[OperationKind]bool{
	OpRead:     true,
	OpAdjust:   true,
	OpWrite:    true,
	OpDelete:   true,
	OpExport:   true,
	OpNavigate: true,
}

// IsValid returns true if k is a recognized operation kind.
func (k OperationKind) IsValid() bool {
	return validOps[k]
}

// Destructive reports whether the kind can destroy or overwrite state.
func (k OperationKind) Destructive() bool {
	return k == OpDelete || k == OpWrite
}

// Request carries the declared parameters a policy may consult. Nothing
// outside this struct is visible to a policy.
type Request struct {
	Capability capability.Capability `json:"capability"`
	Operation  OperationKind         `json:"operation"`
	Resource   string                `json:"resource"`
	Parameters map[string]float64    `json:"parameters"`
}

// Param returns the named parameter and whether it was declared.
func (r Request) Param(name string) (float64, bool) {
	v, ok := r.Parameters[name]
	return v, ok
}

// Result is the outcome of evaluating one policy, or of the whole engine
// run (in which case PolicyName identifies the first blocking policy).
type Result struct {
	Allowed    bool     `json:"allowed"`
	Level      Level    `json:"level"`
	Reason     string   `json:"reason"`
	PolicyName string   `json:"policy_name"`
	Advisories []Result `json:"advisories,omitempty"`
}

// Policy is one deterministic rule.
type Policy interface {
	Name() string
	Evaluate(req Request) Result
}

// Engine runs a fixed, ordered policy list with fail-fast semantics: the
// first BLOCK-level denial stops evaluation and later policies cannot
// override it.
type Engine struct {
	policies []Policy
}

// NewEngine creates an engine with the given ordered policies.
func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: policies}
}

// AddPolicy appends a policy. Added policies run last, so they can never
// hide an earlier block.
func (e *Engine) AddPolicy(p Policy) {
	e.policies = append(e.policies, p)
}

// Evaluate runs the policy list in order. A request without a recognized
// operation classification is a hard denial, never "proceed with defaults".
// INFO/WARNING results allow execution and are carried as advisories on the
// final result.
func (e *Engine) Evaluate(req Request) Result {
	if !req.Operation.IsValid() {
		return Result{
			Allowed:    false,
			Level:      LevelBlock,
			Reason:     fmt.Sprintf("request operation %q is not a recognized classification", req.Operation),
			PolicyName: "CLASSIFICATION_REQUIRED",
		}
	}

	var advisories []Result
	for _, p := range e.policies {
		res := p.Evaluate(req)
		res.PolicyName = p.Name()
		if !res.Allowed {
			res.Level = LevelBlock
			res.Advisories = advisories
			return res
		}
		if res.Level == LevelWarning || (res.Level == LevelInfo && res.Reason != "") {
			advisories = append(advisories, res)
		}
	}

	return Result{
		Allowed:    true,
		Level:      LevelInfo,
		Reason:     "no policy objects",
		PolicyName: "",
		Advisories: advisories,
	}
}
