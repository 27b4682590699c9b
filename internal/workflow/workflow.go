// Package workflow defines the issue status lifecycle driven by municipal staff.
package workflow

import "errors"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// ErrInvalidTransition is returned for any edge outside the allowed set,
// including self-transitions and anything leaving resolved.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowed holds the directed edges of the lifecycle. Resolved is terminal.
var allowed = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusResolved},
	StatusInProgress: {StatusResolved},
	StatusResolved:   {},
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	_, ok := allowed[s]
	return ok
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge from -> to and returns ErrInvalidTransition
// if it is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}
