package assembly

// transitions is the single source of truth for legal status moves.
// ON_HOLD and CANCELLED are reachable from every non-terminal state;
// ON_HOLD exits only to the held-from state or CANCELLED.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusPlanned, StatusReleased, StatusCancelled, StatusOnHold},
	StatusPlanned:    {StatusReleased, StatusCancelled, StatusOnHold},
	StatusReleased:   {StatusInProgress, StatusCancelled, StatusOnHold},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusOnHold},
	StatusOnHold:     {StatusDraft, StatusPlanned, StatusReleased, StatusInProgress, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
