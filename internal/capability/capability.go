// Package capability defines the closed set of action classes the core can
// authorize, and the scope/grant/request types that bound them. Capabilities
// are never derived from free-form strings: construction goes through Parse,
// which rejects anything outside the enumerated set.
package capability

import (
	"fmt"
	"time"
)

// Capability names a class of permitted action.
type Capability string

const (
	UINavigation        Capability = "UI_NAVIGATION"
	TextInput           Capability = "TEXT_INPUT"
	ParameterAdjustment Capability = "PARAMETER_ADJUSTMENT"
	GainAdjustment      Capability = "GAIN_ADJUSTMENT"
	FileRead            Capability = "FILE_READ"
	FileWrite           Capability = "FILE_WRITE"
	RenderExport        Capability = "RENDER_EXPORT"
	TransportControl    Capability = "TRANSPORT_CONTROL"
)

// validCapabilities is the closed set of recognized capabilities.
var validCapabilities = map[Capability]bool{
	UINavigation:        true,
	TextInput:           true,
	ParameterAdjustment: true,
	GainAdjustment:      true,
	FileRead:            true,
	FileWrite:           true,
	RenderExport:        true,
	TransportControl:    true,
}

// IsValid returns true if c is a recognized capability.
func (c Capability) IsValid() bool {
	return validCapabilities[c]
}

// Parse converts a raw string into a Capability, rejecting unknown values.
func Parse(s string) (Capability, error) {
	c := Capability(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// Scope bounds where a grant applies. OwnerID is always required; WindowID
// and ResourceIDs narrow the grant further when set.
type Scope struct {
	OwnerID     string   `json:"owner_id"`
	WindowID    string   `json:"window_id,omitempty"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

// Covers reports whether this scope (a grant's) covers the requested scope.
// OwnerID must match exactly. A grant WindowID, when set, must equal the
// request's. Grant ResourceIDs, when non-empty, must be a superset of the
// request's.
func (s Scope) Covers(req Scope) bool {
	if s.OwnerID != req.OwnerID {
		return false
	}
	if s.WindowID != "" && s.WindowID != req.WindowID {
		return false
	}
	if len(s.ResourceIDs) > 0 {
		granted := make(map[string]bool, len(s.ResourceIDs))
		for _, id := range s.ResourceIDs {
			granted[id] = true
		}
		for _, id := range req.ResourceIDs {
			if !granted[id] {
				return false
			}
		}
	}
	return true
}

// Grant is a time-bounded, scope-bounded permission for one capability.
// Grants are immutable once created and never self-extend.
type Grant struct {
	GrantID     string     `json:"grant_id"`
	Capability  Capability `json:"capability"`
	Scope       Scope      `json:"scope"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RequiresACC bool       `json:"requires_acc"`
}

// Expired reports whether the grant is past its TTL at the given instant.
func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Request is an ephemeral per-call authorization request. It is created at
// the call site and never persisted.
type Request struct {
	Capability Capability `json:"capability"`
	Scope      Scope      `json:"scope"`
	Reason     string     `json:"reason"`
}
