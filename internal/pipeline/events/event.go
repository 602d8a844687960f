package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

type Type string

const (
	TypeProgress          Type = "progress"
	TypeOutput            Type = "output"
	TypeApprovalRequested Type = "approval_requested"
	TypeCompleted         Type = "completed"
	TypeError             Type = "error"
	// TypeStatus carries only a snapshot; sent to observers when they connect.
	TypeStatus Type = "status"
)

type Progress struct {
	StageID        string   `json:"stage_id"`
	Stage          string   `json:"stage"`
	Percent        int      `json:"percent"`
	CompletedSteps []string `json:"completed_steps"`
}

type Completed struct {
	Outcome  runtime.Outcome      `json:"outcome"`
	Artifact *runtime.ArtifactRef `json:"artifact,omitempty"`
}

type Failure struct {
	Message string `json:"message"`
}

// Event is one broadcast notification. Exactly one payload pointer is set,
// matching Type, except for status events which carry only Run.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Progress  *Progress            `json:"progress,omitempty"`
	Output    *runtime.OutputEntry `json:"output,omitempty"`
	Approval  *approval.Request    `json:"approval,omitempty"`
	Completed *Completed           `json:"completed,omitempty"`
	Error     *Failure             `json:"error,omitempty"`

	Run runtime.Run `json:"run"`
}

func newEvent(t Type, run runtime.Run) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Run:       run,
	}
}

func NewStatus(run runtime.Run) Event {
	return newEvent(TypeStatus, run)
}

func NewProgress(run runtime.Run, p Progress) Event {
	ev := newEvent(TypeProgress, run)
	p.CompletedSteps = append([]string{}, p.CompletedSteps...)
	ev.Progress = &p
	return ev
}

func NewOutput(run runtime.Run, o runtime.OutputEntry) Event {
	ev := newEvent(TypeOutput, run)
	ev.Output = &o
	return ev
}

func NewApprovalRequested(run runtime.Run, req approval.Request) Event {
	ev := newEvent(TypeApprovalRequested, run)
	ev.Approval = &req
	return ev
}

func NewCompleted(run runtime.Run, outcome runtime.Outcome, artifact *runtime.ArtifactRef) Event {
	ev := newEvent(TypeCompleted, run)
	c := Completed{Outcome: outcome}
	if artifact != nil {
		a := *artifact
		c.Artifact = &a
	}
	ev.Completed = &c
	return ev
}

func NewError(run runtime.Run, msg string) Event {
	ev := newEvent(TypeError, run)
	ev.Error = &Failure{Message: msg}
	return ev
}
