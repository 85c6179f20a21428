package offering

// Status enumerates batch lifecycle states.
type Status string

const (
	StatusCounting Status = "COUNTING"
	StatusVerified Status = "VERIFIED"
	StatusApproved Status = "APPROVED"
	StatusPosted   Status = "POSTED"
)

// next holds the single forward edge out of each state. POSTED is terminal.
var next = map[Status]Status{
	StatusCounting: StatusVerified,
	StatusVerified: StatusApproved,
	StatusApproved: StatusPosted,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCounting, StatusVerified, StatusApproved, StatusPosted:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing edge.
func (s Status) Terminal() bool {
	_, ok := next[s]
	return s.Valid() && !ok
}

// CanTransition reports whether from → to is the allowed forward edge.
func CanTransition(from, to Status) bool {
	n, ok := next[from]
	return ok && n == to
}
