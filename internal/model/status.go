package model

// Status is a report's position in the resolution chain.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFixing     Status = "fixing"
	StatusCompleted  Status = "completed"
)

// StatusChain lists every status in workflow order.
var StatusChain = []Status{StatusPending, StatusInProgress, StatusFixing, StatusCompleted}

// Rank returns the position of s in StatusChain, or -1 when s is unknown.
func (s Status) Rank() int {
	for i, v := range StatusChain {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a member of the chain.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusCompleted }
