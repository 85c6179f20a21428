package fiscal

// Status enumerates valid period states.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusLocked Status = "LOCKED"
)

// transitions is the complete set of allowed edges. LOCKED has none.
var transitions = map[Status][]Status{
	StatusOpen:   {StatusClosed},
	StatusClosed: {StatusOpen, StatusLocked},
	StatusLocked: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// AcceptsPostings reports whether ledger entries may be booked in s.
func (s Status) AcceptsPostings() bool {
	return s == StatusOpen
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
