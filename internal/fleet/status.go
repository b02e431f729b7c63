package fleet

import (
	"errors"
	"fmt"
)

// Status is the runner lifecycle state.  Writers go through
// CheckTransition (enforced by the store) so an arbitrary component can
// never teleport a runner across the lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfiguring Status = "configuring"
	StatusOnline      Status = "online"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusRemoving    Status = "removing"
)

// ErrInvalidTransition is returned for a status change the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the allowed edge set of the runner state machine:
//
//	pending -> configuring -> online -> {busy, offline, error} -> removing -> (deleted)
//
// offline runners may come back online (restart/reattach), errored
// runners may be retried through configuring.
var transitions = map[Status][]Status{
	StatusPending:     {StatusConfiguring, StatusError, StatusRemoving},
	StatusConfiguring: {StatusOnline, StatusError, StatusRemoving},
	StatusOnline:      {StatusBusy, StatusOffline, StatusError, StatusRemoving},
	StatusBusy:        {StatusOnline, StatusOffline, StatusError, StatusRemoving},
	StatusOffline:     {StatusConfiguring, StatusOnline, StatusError, StatusRemoving},
	StatusError:       {StatusConfiguring, StatusRemoving},
	StatusRemoving:    {},
}

// CheckTransition reports whether from -> to is a legal lifecycle edge.
// A self-transition is always allowed (idempotent writes).
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ActiveStatuses are the states that count against a pool's capacity:
// the runner either exists or is being brought up.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusConfiguring, StatusOnline, StatusBusy}
}

// IsTerminal reports whether the runner is on its way out and should be
// ignored by reconciliation.
func (s Status) IsTerminal() bool {
	return s == StatusRemoving
}
