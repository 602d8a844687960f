package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
)

// StageRecord is one completed stage as shown to observers.
type StageRecord struct {
	StageID        string    `json:"stage_id"`
	Name           string    `json:"name"`
	Progress       int       `json:"progress"`
	CompletedSteps []string  `json:"completed_steps"`
	Timestamp      time.Time `json:"timestamp"`
}

type OutputKind string

const (
	OutputText     OutputKind = "text"
	OutputInfo     OutputKind = "info"
	OutputWarning  OutputKind = "warning"
	OutputError    OutputKind = "error"
	OutputSuccess  OutputKind = "success"
	OutputDecision OutputKind = "decision"
)

type OutputEntry struct {
	Source    string     `json:"source"`
	Content   string     `json:"content"`
	Kind      OutputKind `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// ArtifactRef points at the terminal decision artifact written for a run.
type ArtifactRef struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Bytes  int    `json:"bytes"`
	Digest string `json:"digest,omitempty"`
}

// Run is the full observable state of one pipeline execution. The controller
// is its only writer; everyone else works on copies from Clone.
type Run struct {
	ID              string             `json:"run_id,omitempty"`
	Status          RunStatus          `json:"status"`
	Progress        int                `json:"progress"`
	CurrentStep     string             `json:"current_step"`
	Document        string             `json:"document,omitempty"`
	Steps           []StageRecord      `json:"steps"`
	Outputs         []OutputEntry      `json:"outputs"`
	ApprovalRequest *approval.Request  `json:"approval_request,omitempty"`
	Decision        *approval.Decision `json:"decision,omitempty"`
	Error           string             `json:"error,omitempty"`
	Outcome         Outcome            `json:"outcome,omitempty"`
	Artifact        *ArtifactRef       `json:"artifact,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
}

// NewIdleRun returns the placeholder run held before anything is submitted.
func NewIdleRun() *Run {
	return &Run{
		Status:      StatusIdle,
		CurrentStep: "Ready to analyze proposals",
		Steps:       []StageRecord{},
		Outputs:     []OutputEntry{},
	}
}

// Transition moves the run to a new status, enforcing the transition table.
func (r *Run) Transition(to RunStatus) error {
	if !to.Valid() {
		return fmt.Errorf("invalid run status: %q", to)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal run transition %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// AdvanceProgress raises progress to percent and never lowers it. The
// effective value is returned.
func (r *Run) AdvanceProgress(percent int) int {
	if percent > 100 {
		percent = 100
	}
	if percent > r.Progress {
		r.Progress = percent
	}
	return r.Progress
}

func (r *Run) AppendStage(rec StageRecord) {
	if rec.CompletedSteps == nil {
		rec.CompletedSteps = []string{}
	}
	r.Steps = append(r.Steps, rec)
}

func (r *Run) AppendOutput(e OutputEntry) {
	r.Outputs = append(r.Outputs, e)
}

// Fail records the terminal failure. Only the first message is kept.
func (r *Run) Fail(msg string) bool {
	if r.Error != "" {
		return false
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "unknown failure"
	}
	r.Error = msg
	return true
}

// Clone returns a deep copy safe to hand to observers.
func (r *Run) Clone() Run {
	out := *r
	out.Steps = make([]StageRecord, len(r.Steps))
	for i, s := range r.Steps {
		s.CompletedSteps = append([]string{}, s.CompletedSteps...)
		out.Steps[i] = s
	}
	out.Outputs = append([]OutputEntry{}, r.Outputs...)
	if r.ApprovalRequest != nil {
		req := *r.ApprovalRequest
		out.ApprovalRequest = &req
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.Artifact != nil {
		a := *r.Artifact
		out.Artifact = &a
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
