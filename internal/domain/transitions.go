package domain

// allowedTransitions is the policy state machine. Failed -> Pending exists
// only for an explicit retry.
var allowedTransitions = map[PolicyState][]PolicyState{
	StatePending: {StateActive, StateFailed, StateCancelled},
	StateActive:  {StatePayoutTriggered, StateExpired, StateCancelled},
	StateFailed:  {StatePending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to PolicyState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EnsureTransition returns a TransitionError when from -> to is not allowed.
func EnsureTransition(from, to PolicyState) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
