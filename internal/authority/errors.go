package authority

import (
	"fmt"

	"github.com/selfsession/authcore/internal/capability"
)

// Denial codes. Every failed assertion carries exactly one.
const (
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeGrantExpired     = "GRANT_EXPIRED"
	CodeCrossOwnerAccess = "CROSS_OWNER_ACCESS"
	CodeSessionHalted    = "SESSION_HALTED"
	CodeSessionExpired   = "SESSION_EXPIRED"
)

// DenialError is returned when an authorization assertion fails. Denials are
// terminal for the attempt; the core never retries them.
type DenialError struct {
	Code       string
	Capability capability.Capability
	SessionID  string
	Reason     string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("authority denied (%s): %s for %s: %s",
		e.Code, e.Capability, e.SessionID, e.Reason)
}

// InvalidGrantError is returned when a grant cannot be stored.
type InvalidGrantError struct {
	Reason string
}

func (e *InvalidGrantError) Error() string {
	return fmt.Sprintf("invalid grant: %s", e.Reason)
}

// UnknownSessionError is returned for operations on a session that was never
// opened or has been destroyed.
type UnknownSessionError struct {
	SessionID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %q", e.SessionID)
}
