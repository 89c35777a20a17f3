// Package fsm implements the per-action authorization state machine. An
// action moves GENERATED -> VISIBLE -> HOLDING -> ARMED -> CONFIRM_READY ->
// EXECUTED, with EXPIRED, REJECTED and HALTED as terminal exits. Only the
// explicit transition table is legal; there are no shortcuts to execution.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/clock"
)

// DefaultHoldThreshold is the minimum continuous hold before an action can
// arm. Brief enough not to frustrate, long enough to be unmistakably
// intentional.
const DefaultHoldThreshold = 400 * time.Millisecond

// DefaultInactivityTimeout expires actions the user walked away from.
const DefaultInactivityTimeout = 2 * time.Minute

// HoldInsufficientError reports a hold released before the threshold. It is
// the one recoverable failure in the lifecycle: the action returns to
// VISIBLE and the user may hold again.
type HoldInsufficientError struct {
	Held     time.Duration
	Required time.Duration
}

func (e *HoldInsufficientError) Error() string {
	return fmt.Sprintf("hold released after %s, need %s", e.Held, e.Required)
}

// Machine tracks one action's lifecycle. Hold timing uses the injected
// clock's monotonic reading, so wall-clock adjustments cannot shorten or
// stretch a hold.
type Machine struct {
	mu  sync.Mutex
	clk clock.Clock
	rec audit.Recorder

	actionID  string
	sessionID string

	state         State
	path          []string
	holdThreshold time.Duration
	inactivity    time.Duration

	holdStart    time.Time
	holdDuration time.Duration
	confirmedAt  time.Time
	lastActivity time.Time
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithHoldThreshold overrides the default hold threshold.
func WithHoldThreshold(d time.Duration) Option {
	return func(m *Machine) { m.holdThreshold = d }
}

// WithInactivityTimeout overrides the default inactivity timeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(m *Machine) { m.inactivity = d }
}

// New creates a machine in GENERATED for the given action.
func New(clk clock.Clock, rec audit.Recorder, actionID, sessionID string, opts ...Option) *Machine {
	if rec == nil {
		rec = audit.Discard{}
	}
	m := &Machine{
		clk:           clk,
		rec:           rec,
		actionID:      actionID,
		sessionID:     sessionID,
		state:         StateGenerated,
		path:          []string{string(StateGenerated)},
		holdThreshold: DefaultHoldThreshold,
		inactivity:    DefaultInactivityTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = clk.Now()
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Path returns the ordered states visited so far.
func (m *Machine) Path() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.path))
	copy(out, m.path)
	return out
}

// HoldDuration returns the measured duration of the hold that armed the
// action, zero if it never armed.
func (m *Machine) HoldDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdDuration
}

// ConfirmedAt returns when the action reached CONFIRM_READY.
func (m *Machine) ConfirmedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedAt
}

// ActionID returns the action this machine governs.
func (m *Machine) ActionID() string { return m.actionID }

// SessionID returns the session this machine belongs to.
func (m *Machine) SessionID() string { return m.sessionID }

// Present moves GENERATED -> VISIBLE: the proposal is now on screen.
func (m *Machine) Present() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateVisible, "presented to user")
}

// HoldStart moves VISIBLE -> HOLDING and begins measuring the hold.
func (m *Machine) HoldStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(StateHolding, "hold started"); err != nil {
		return err
	}
	m.holdStart = m.clk.Now()
	return nil
}

// HoldRelease ends the hold. A hold at or past the threshold arms the
// action; a shorter one returns it to VISIBLE with HoldInsufficientError,
// after which the user may simply hold again.
func (m *Machine) HoldRelease() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateHolding {
		return &IllegalTransitionError{From: m.state, To: StateArmed}
	}

	held := m.clk.Now().Sub(m.holdStart)
	if held < m.holdThreshold {
		if err := m.transitionLocked(StateVisible, fmt.Sprintf("hold insufficient (%s < %s)", held, m.holdThreshold)); err != nil {
			return err
		}
		return &HoldInsufficientError{Held: held, Required: m.holdThreshold}
	}

	m.holdDuration = held
	return m.transitionLocked(StateArmed, fmt.Sprintf("hold satisfied (%s)", held))
}

// Disarm moves ARMED back to VISIBLE without rejecting the action: the user
// backed out after arming and may hold again. The measured hold is cleared;
// arming again requires a fresh hold.
func (m *Machine) Disarm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateArmed {
		return &IllegalTransitionError{From: m.state, To: StateVisible}
	}
	if err := m.transitionLocked(StateVisible, "disarmed by user"); err != nil {
		return err
	}
	m.holdDuration = 0
	return nil
}

// Confirm moves ARMED -> CONFIRM_READY after active confirmation succeeded.
// The caller validates the confirmation token first; the machine only
// records that the gate was passed.
func (m *Machine) Confirm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(StateConfirmReady, "confirmation satisfied"); err != nil {
		return err
	}
	m.confirmedAt = m.clk.Now()
	return nil
}

// MarkExecuted moves CONFIRM_READY -> EXECUTED after the bridge ran.
func (m *Machine) MarkExecuted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateExecuted, "dispatched")
}

// Cancel moves any non-terminal state to REJECTED.
func (m *Machine) Cancel(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = "cancelled"
	}
	return m.transitionLocked(StateRejected, reason)
}

// Halt moves any non-terminal state to HALTED. Used when the session's
// authority is revoked out from under the action.
func (m *Machine) Halt(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = "session halted"
	}
	return m.transitionLocked(StateHalted, reason)
}

// SetHoldThreshold changes the threshold. If a hold is in progress, the
// measurement restarts: time already held never counts against a new,
// possibly longer requirement.
func (m *Machine) SetHoldThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdThreshold = d
	if m.state == StateHolding {
		m.holdStart = m.clk.Now()
	}
}

// Tick checks the inactivity deadline and expires the action if the user
// has gone silent. Terminal states are left alone.
func (m *Machine) Tick() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return nil
	}
	idle := m.clk.Now().Sub(m.lastActivity)
	if idle < m.inactivity {
		return nil
	}
	return m.expireLocked(fmt.Sprintf("inactive for %s", idle))
}

// Expire moves any non-terminal state to EXPIRED.
func (m *Machine) Expire(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "expired"
	}
	return m.expireLocked(reason)
}

func (m *Machine) expireLocked(reason string) error {
	return m.transitionLocked(StateExpired, reason)
}

// transitionLocked performs one table-checked transition and records it.
func (m *Machine) transitionLocked(to State, reason string) error {
	if !CanTransition(m.state, to) {
		return &IllegalTransitionError{From: m.state, To: to}
	}
	from := m.state
	m.state = to
	m.path = append(m.path, string(to))
	m.lastActivity = m.clk.Now()

	m.rec.Event(audit.Event{
		Type:      audit.EventStateTransition,
		SessionID: m.sessionID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    fmt.Sprintf("action %s: %s", m.actionID, reason),
	})
	return nil
}
