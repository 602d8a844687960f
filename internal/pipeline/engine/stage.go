package engine

import (
	"context"
	"time"

	"github.com/danshapiro/verdict/internal/pipeline/graph"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// StageFunc is the body of one stage. in is the previous stage's output (the
// document path for the start stage, the approval.Decision after an approval
// stage).
type StageFunc func(ctx context.Context, sc *StageContext, in any) (any, error)

// Stages binds stage ids to their functions.
type Stages map[string]StageFunc

// StageContext is what a stage can see of the run it belongs to.
type StageContext struct {
	RunID  string
	Stage  graph.StageDescriptor
	Values *runtime.Context

	emit func(source, content string, kind runtime.OutputKind)
}

// Output appends an entry to the run's output log and broadcasts it.
func (sc *StageContext) Output(source, content string, kind runtime.OutputKind) {
	if sc == nil || sc.emit == nil {
		return
	}
	sc.emit(source, content, kind)
}

// ApprovalSignal is returned by approval stages. The controller opens the
// gate with it and resumes with the resulting approval.Decision.
type ApprovalSignal struct {
	Question string
	Context  string
	// Timeout overrides the controller default when > 0.
	Timeout time.Duration
}

// Completion is the result of a terminal stage.
type Completion struct {
	Outcome  runtime.Outcome
	Artifact *runtime.ArtifactRef
}
