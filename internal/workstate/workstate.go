// Package workstate defines the status lifecycle shared by every trackable
// unit of work. It is a pure transition table with no side effects; every
// other component composes on top of it instead of duplicating transition
// logic.
package workstate

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a unit of work.
type Status string

// Lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusConverging Status = "converging"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the full state-transition table. A status maps to the set
// of statuses it may move to; terminal states map to an empty set.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusConverging, StatusComplete, StatusFailed, StatusCancelled},
	StatusConverging: {StatusComplete, StatusFailed, StatusCancelled},
	StatusComplete:   {},
	StatusFailed:     {StatusCancelled},
	StatusCancelled:  {},
}

// InvalidTransitionError reports an attempted transition not present in the
// transition table, along with the targets that would have been valid.
type InvalidTransitionError struct {
	From         Status
	To           Status
	ValidTargets []Status
}

// Error returns the formatted error message.
func (e *InvalidTransitionError) Error() string {
	targets := make([]string, len(e.ValidTargets))
	for i, t := range e.ValidTargets {
		targets[i] = string(t)
	}
	valid := "none"
	if len(targets) > 0 {
		valid = strings.Join(targets, ", ")
	}
	return fmt.Sprintf("invalid transition %s -> %s (valid targets: %s)", e.From, e.To, valid)
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// Transition returns to if the move from -> to is allowed by the table,
// or an *InvalidTransitionError otherwise.
func Transition(from, to Status) (Status, error) {
	targets, ok := transitions[from]
	if !ok {
		return "", &InvalidTransitionError{From: from, To: to}
	}
	for _, t := range targets {
		if t == to {
			return to, nil
		}
	}
	return "", &InvalidTransitionError{From: from, To: to, ValidTargets: validTargets(from)}
}

// CanTransition reports whether the move from -> to is allowed.
func CanTransition(from, to Status) bool {
	_, err := Transition(from, to)
	return err == nil
}

// IsTerminal reports whether s admits no further transitions except the
// failed -> cancelled cleanup edge. Per the lifecycle, complete, failed,
// and cancelled are all terminal working states.
func IsTerminal(s Status) bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// CanCancel reports whether s may move to cancelled.
func CanCancel(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

// validTargets returns a copy of the transition targets for s.
func validTargets(s Status) []Status {
	targets := transitions[s]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// Targets returns the statuses s may transition to. The returned slice is
// a copy and safe to mutate.
func Targets(s Status) []Status {
	return validTargets(s)
}

// All returns every known status, in lifecycle order.
func All() []Status {
	return []Status{
		StatusPending,
		StatusQueued,
		StatusRunning,
		StatusConverging,
		StatusComplete,
		StatusFailed,
		StatusCancelled,
	}
}
