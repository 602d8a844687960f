package runtime

import (
	"fmt"
	"strings"
)

type RunStatus string

const (
	StatusIdle            RunStatus = "idle"
	StatusUploaded        RunStatus = "uploaded"
	StatusRunning         RunStatus = "running"
	StatusWaitingApproval RunStatus = "waiting_approval"
	StatusCompleted       RunStatus = "completed"
	StatusError           RunStatus = "error"
)

// allowedTransitions is the closed transition table for a Run. Terminal states
// only leave through a reset, which the controller performs by replacing the Run.
var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	StatusIdle: {
		StatusUploaded: {},
		StatusRunning:  {},
	},
	StatusUploaded: {
		StatusUploaded: {},
		StatusRunning:  {},
		StatusError:    {},
	},
	StatusRunning: {
		StatusWaitingApproval: {},
		StatusCompleted:       {},
		StatusError:           {},
	},
	StatusWaitingApproval: {
		StatusRunning: {},
		StatusError:   {},
	},
	StatusCompleted: {},
	StatusError:     {},
}

func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "ready":
		return StatusIdle, nil
	case "uploaded", "concept_uploaded":
		return StatusUploaded, nil
	case "running":
		return StatusRunning, nil
	case "waiting_approval":
		return StatusWaitingApproval, nil
	case "completed":
		return StatusCompleted, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

func (s RunStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether a run is in flight and must not be replaced.
func (s RunStatus) Active() bool {
	return s == StatusRunning || s == StatusWaitingApproval
}

func CanTransition(from, to RunStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

func OutcomeFor(approved bool) Outcome {
	if approved {
		return OutcomeApproved
	}
	return OutcomeRejected
}
