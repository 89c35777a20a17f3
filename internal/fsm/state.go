package fsm

import "fmt"

// State is one stage of an action's authorization lifecycle.
type State string

const (
	StateGenerated    State = "GENERATED"
	StateVisible      State = "VISIBLE"
	StateHolding      State = "HOLDING"
	StateArmed        State = "ARMED"
	StateConfirmReady State = "CONFIRM_READY"
	StateExecuted     State = "EXECUTED"
	StateExpired      State = "EXPIRED"
	StateRejected     State = "REJECTED"
	StateHalted       State = "HALTED"
)

// legalTransitions is the complete transition table. Anything absent here
// is illegal; there is no default edge and no skipping stages.
var legalTransitions = map[State][]State{
	StateGenerated:    {StateVisible, StateExpired, StateRejected, StateHalted},
	StateVisible:      {StateHolding, StateExpired, StateRejected, StateHalted},
	StateHolding:      {StateArmed, StateVisible, StateExpired, StateRejected, StateHalted},
	StateArmed:        {StateConfirmReady, StateVisible, StateExpired, StateRejected, StateHalted},
	StateConfirmReady: {StateExecuted, StateExpired, StateRejected, StateHalted},
	StateExecuted:     {},
	StateExpired:      {},
	StateRejected:     {},
	StateHalted:       {},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError reports an attempted edge missing from the table.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
