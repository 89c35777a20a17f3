package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Execution status values recorded in a forensic entry.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusDenied  = "DENIED"
	StatusBlocked = "BLOCKED"
	StatusSkipped = "SKIPPED"
)

// Outcome codes classifying how a dispatch attempt ended.
const (
	OutcomeExecuted            = "EXECUTED"
	OutcomeCapabilityDenied    = "CAPABILITY_DENIED"
	OutcomePolicyBlock         = "POLICY_BLOCK"
	OutcomeACCRequired         = "ACC_REQUIRED"
	OutcomeBridgeFailed        = "BRIDGE_FAILED"
	OutcomeBusyLocked          = "BUSY_LOCKED"
	OutcomeMissingAuditBinding = "MISSING_AUDIT_BINDING"
	OutcomeSessionHalted       = "SESSION_HALTED"
	OutcomeInvalidOrder        = "INVALID_WORK_ORDER"
)

// Evidence is the analysis-engine measurement copied verbatim into the
// rationale. The core never interprets it.
type Evidence struct {
	Metric       string  `json:"metric"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
}

// Rationale records why the action was proposed. Confidence is informational
// only; nothing in the core gates on it.
type Rationale struct {
	Source      string   `json:"source"`
	Evidence    Evidence `json:"evidence"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
}

// Authority records the human authorization path behind the attempt.
type Authority struct {
	FSMPath          []string `json:"fsm_path"`
	HoldDurationMs   int64    `json:"hold_duration_ms"`
	ConfirmationTime string   `json:"confirmation_time,omitempty"`
	SessionID        string   `json:"session_id"`
}

// Advisory is a non-blocking policy observation attached to an attempt.
// Advisories never change the outcome; they are recorded so the forensic
// record shows what the policies noticed, not just what they blocked.
type Advisory struct {
	PolicyName string `json:"policy_name"`
	Level      string `json:"level"`
	Reason     string `json:"reason"`
}

// Execution records what the bridge did, or why it was never called.
type Execution struct {
	Domain     string `json:"domain"`
	Status     string `json:"status"`
	ResultHash string `json:"result_hash,omitempty"`
	ExecutedAt string `json:"executed_at,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ForensicEntry is one immutable record of a single authorization/execution
// attempt. All fields are structs and scalars (no maps) so json.Marshal is
// deterministic and the seal hash is reproducible. An entry is constructed
// exactly once, sealed, and never mutated.
type ForensicEntry struct {
	AuditID    string     `json:"audit_id"`
	ActionID   string     `json:"action_id"`
	Timestamp  string     `json:"ts"`
	Outcome    string     `json:"outcome"`
	Reason     string     `json:"reason"`
	PolicyName string     `json:"policy_name,omitempty"`
	Rationale  Rationale  `json:"rationale"`
	Authority  Authority  `json:"authority"`
	Execution  Execution  `json:"execution"`
	Advisories []Advisory `json:"advisories,omitempty"`
	ConfigHash string     `json:"config_hash,omitempty"`
	Sealed     bool       `json:"sealed"`
	SealHash   string     `json:"seal_hash"`
}

// Seal computes the entry's seal hash over its canonical JSON (with the seal
// fields zeroed) and marks it sealed. Returns the sealed copy; the receiver
// is unchanged.
func (e ForensicEntry) Seal() ForensicEntry {
	unsealed := e
	unsealed.Sealed = false
	unsealed.SealHash = ""
	line, err := json.Marshal(unsealed)
	if err != nil {
		// Struct-only fields cannot fail to marshal; guard anyway.
		line = []byte(e.AuditID)
	}
	h := sha256.Sum256(line)
	e.SealHash = "sha256:" + hex.EncodeToString(h[:])
	e.Sealed = true
	return e
}

// VerifySeal recomputes the seal hash and reports whether the entry is
// intact.
func (e ForensicEntry) VerifySeal() bool {
	if !e.Sealed || e.SealHash == "" {
		return false
	}
	resealed := e
	resealed.Sealed = false
	resealed.SealHash = ""
	return resealed.Seal().SealHash == e.SealHash
}
