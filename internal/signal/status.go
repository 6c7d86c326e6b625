package signal

// Status is a position in the signal lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusLimited    Status = "limited"
	StatusExpired    Status = "expired"
)

// ValidTransitions lists the states reachable from each state. Terminal
// states have no outgoing transitions.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusLimited},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is final for the day.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusLimited, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusProcessing || IsTerminal(s)
}
