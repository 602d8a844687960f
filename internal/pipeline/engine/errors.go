package engine

import (
	"fmt"
	"strings"

	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// ValidationError rejects a run before it starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// ConcurrencyError is returned when a command needs the controller idle but a
// run is in flight. The active run is untouched.
type ConcurrencyError struct {
	RunID  string
	Status runtime.RunStatus
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("run already active (run_id=%s status=%s)", e.RunID, e.Status)
}

// StageFailure aborts a run.
type StageFailure struct {
	StageID string
	Label   string
	Err     error
	Panic   bool
}

func (e *StageFailure) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = strings.TrimSpace(e.Err.Error())
	}
	if e.Panic {
		return fmt.Sprintf("stage %s (%s) panicked: %s", e.StageID, e.Label, msg)
	}
	return fmt.Sprintf("stage %s (%s) failed: %s", e.StageID, e.Label, msg)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// CanceledError is the cause attached to a run context by Cancel.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string { return "canceled: " + e.Reason }
