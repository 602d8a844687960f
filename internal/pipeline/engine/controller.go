package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/events"
	"github.com/danshapiro/verdict/internal/pipeline/fanout"
	"github.com/danshapiro/verdict/internal/pipeline/graph"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// Recorder persists a terminal run.
type Recorder interface {
	Record(ctx context.Context, run runtime.Run) error
}

type Options struct {
	Graph  *graph.Graph
	Stages Stages
	// Pool is the evaluator pool the analysis stage fans out to. An empty
	// pool makes StartRun fail validation.
	Pool []fanout.Evaluator

	ApprovalTimeout time.Duration
	Broadcaster     *events.Broadcaster
	Recorder        Recorder
	// Accept validates a document path beyond existence (extension globs).
	Accept func(path string) error
	Logger *log.Logger
}

// Controller owns at most one in-flight Run and drives it through the stage
// graph on its own goroutine. All exported methods are safe for concurrent
// use.
type Controller struct {
	graph    *graph.Graph
	stages   Stages
	pool     []fanout.Evaluator
	gate     *approval.Gate
	bus      *events.Broadcaster
	recorder Recorder
	accept   func(string) error
	logger   *log.Logger

	mu     sync.Mutex
	run    *runtime.Run
	cancel context.CancelCauseFunc
	done   chan struct{}

	// Events are queued under mu in mutation order and published by whichever
	// caller drains first, never while mu is held.
	outMu    sync.Mutex
	outbox   []events.Event
	draining bool
}

func New(opts Options) (*Controller, error) {
	g := opts.Graph
	if g == nil {
		g = graph.Default()
	}
	for _, d := range g.Stages() {
		if d.Kind == graph.KindApproval {
			continue
		}
		if opts.Stages[d.ID] == nil {
			return nil, fmt.Errorf("engine: no stage function bound for %q", d.ID)
		}
	}
	bus := opts.Broadcaster
	if bus == nil {
		bus = events.NewBroadcaster(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		graph:    g,
		stages:   opts.Stages,
		pool:     append([]fanout.Evaluator{}, opts.Pool...),
		gate:     approval.NewGate(opts.ApprovalTimeout),
		bus:      bus,
		recorder: opts.Recorder,
		accept:   opts.Accept,
		logger:   logger,
		run:      runtime.NewIdleRun(),
	}, nil
}

// NewRunID returns a sortable unique run id.
func NewRunID() string {
	return ulid.Make().String()
}

func (c *Controller) Events() *events.Broadcaster { return c.bus }

func (c *Controller) Graph() *graph.Graph { return c.graph }

// Snapshot returns a deep copy of the current run.
func (c *Controller) Snapshot() runtime.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Clone()
}

// PendingApproval returns the outstanding approval request, if any. It reads
// the run, so it always agrees with Snapshot.
func (c *Controller) PendingApproval() (approval.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.ApprovalRequest == nil {
		return approval.Request{}, false
	}
	return *c.run.ApprovalRequest, true
}

// post queues ev for publication. Callers hold mu.
func (c *Controller) post(ev events.Event) {
	c.outMu.Lock()
	c.outbox = append(c.outbox, ev)
	c.outMu.Unlock()
}

// flush publishes queued events in order. A sink that calls back into the
// controller queues its events behind the one being delivered.
func (c *Controller) flush() {
	c.outMu.Lock()
	if c.draining {
		c.outMu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		ev := c.outbox[0]
		c.outbox[0] = events.Event{}
		c.outbox = c.outbox[1:]
		c.outMu.Unlock()
		c.bus.Publish(ev)
		c.outMu.Lock()
	}
	c.draining = false
	c.outMu.Unlock()
}

func (c *Controller) validateDocument(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return &ValidationError{Field: "document", Reason: "no document provided"}
	}
	if c.accept != nil {
		if err := c.accept(path); err != nil {
			return &ValidationError{Field: "document", Reason: err.Error()}
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Field: "document", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	if info.IsDir() {
		return &ValidationError{Field: "document", Reason: path + " is a directory"}
	}
	return nil
}

// Upload registers a document for the next run. It replaces a terminal run
// and fails while a run is active.
func (c *Controller) Upload(path string) error {
	if err := c.validateDocument(path); err != nil {
		return err
	}

	c.mu.Lock()
	if c.run.Status.Active() {
		err := &ConcurrencyError{RunID: c.run.ID, Status: c.run.Status}
		c.mu.Unlock()
		return err
	}
	if c.run.Status.Terminal() {
		c.run = runtime.NewIdleRun()
	}
	if err := c.run.Transition(runtime.StatusUploaded); err != nil {
		c.mu.Unlock()
		return err
	}
	c.run.Document = path
	c.run.CurrentStep = "Document uploaded"
	entry := runtime.OutputEntry{
		Source:    "System",
		Content:   "Document uploaded: " + filepath.Base(path),
		Kind:      runtime.OutputSuccess,
		Timestamp: time.Now().UTC(),
	}
	c.run.AppendOutput(entry)
	c.post(events.NewOutput(c.run.Clone(), entry))
	c.mu.Unlock()

	c.flush()
	return nil
}

// StartRun validates the document and launches a run on its own goroutine.
// An empty documentRef reuses the uploaded document.
func (c *Controller) StartRun(documentRef string) (string, error) {
	c.mu.Lock()
	if c.run.Status.Active() {
		err := &ConcurrencyError{RunID: c.run.ID, Status: c.run.Status}
		c.mu.Unlock()
		return "", err
	}
	if strings.TrimSpace(documentRef) == "" && c.run.Status == runtime.StatusUploaded {
		documentRef = c.run.Document
	}
	c.mu.Unlock()

	if len(c.pool) == 0 {
		return "", &ValidationError{Field: "evaluators", Reason: "evaluator pool is empty"}
	}
	if err := c.validateDocument(documentRef); err != nil {
		return "", err
	}

	c.mu.Lock()
	// Re-check: another StartRun may have won while validating.
	if c.run.Status.Active() {
		err := &ConcurrencyError{RunID: c.run.ID, Status: c.run.Status}
		c.mu.Unlock()
		return "", err
	}
	run := runtime.NewIdleRun()
	if err := run.Transition(runtime.StatusRunning); err != nil {
		c.mu.Unlock()
		return "", err
	}
	now := time.Now().UTC()
	run.ID = NewRunID()
	run.Document = documentRef
	run.StartedAt = &now
	run.CurrentStep = "Starting analysis"
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	c.run = run
	c.cancel = cancel
	c.done = done
	runID := run.ID
	c.mu.Unlock()

	c.logger.Printf("run %s started for %s", runID, documentRef)
	go c.execute(ctx, cancel, done, runID, documentRef)
	return runID, nil
}

// SubmitDecision resolves the pending approval request. It may be called as
// soon as the request is visible, including from an event sink.
func (c *Controller) SubmitDecision(requestID, raw string) (approval.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.gate.Resolve(requestID, raw)
	if err != nil {
		return approval.Decision{}, err
	}
	if r := c.run.ApprovalRequest; r != nil && r.ID == requestID {
		c.run.ApprovalRequest = nil
	}
	return d, nil
}

// Cancel aborts the active run. The run ends in error with
// "canceled: <reason>". It reports whether a run was active.
func (c *Controller) Cancel(reason string) bool {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested by operator"
	}
	c.mu.Lock()
	if !c.run.Status.Active() || c.cancel == nil {
		c.mu.Unlock()
		return false
	}
	// Canceled under mu so complete either sees the cause or has already
	// left the active states.
	c.cancel(&CanceledError{Reason: reason})
	c.mu.Unlock()

	c.gate.Discard()
	return true
}

// Wait blocks until the current run goroutine exits or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) execute(ctx context.Context, cancel context.CancelCauseFunc, done chan struct{}, runID, documentPath string) {
	defer close(done)
	defer cancel(nil)

	values := runtime.NewContext()
	values.Set("run.id", runID)
	values.Set("document.path", documentPath)

	var (
		in       any = documentPath
		approved     = true
		stage        = c.graph.Start()
	)
	for {
		if cause := context.Cause(ctx); cause != nil {
			c.fail(ctx, cause)
			return
		}
		c.setCurrentStep(stage.Label)
		sc := &StageContext{RunID: runID, Stage: stage, Values: values, emit: c.emitOutput}

		out, err := c.invoke(ctx, sc, in)
		if err != nil {
			c.fail(ctx, err)
			return
		}

		if stage.Kind == graph.KindApproval {
			signal, ok := out.(ApprovalSignal)
			if !ok {
				c.fail(ctx, &StageFailure{StageID: stage.ID, Label: stage.Label,
					Err: fmt.Errorf("approval stage returned %T, want ApprovalSignal", out)})
				return
			}
			decision, err := c.awaitApproval(ctx, signal)
			if err != nil {
				c.fail(ctx, &StageFailure{StageID: stage.ID, Label: stage.Label, Err: err})
				return
			}
			values.Set("approval.decision", decision)
			approved = decision.Approved
			out = decision
		}

		c.recordStage(stage)

		if stage.Kind == graph.KindTerminal {
			c.complete(ctx, out, approved)
			return
		}
		next, ok := c.graph.NextAfter(stage.ID, approved)
		if !ok {
			c.fail(ctx, &StageFailure{StageID: stage.ID, Label: stage.Label, Err: errors.New("no successor stage")})
			return
		}
		in = out
		stage = next
	}
}

// invoke runs one stage function, converting panics to StageFailure.
func (c *Controller) invoke(ctx context.Context, sc *StageContext, in any) (out any, err error) {
	stage := sc.Stage
	fn := c.stages[stage.ID]
	if fn == nil {
		if stage.Kind == graph.KindApproval {
			text, _ := in.(string)
			return ApprovalSignal{Question: defaultApprovalQuestion, Context: text}, nil
		}
		return nil, &StageFailure{StageID: stage.ID, Label: stage.Label, Err: errors.New("no stage function bound")}
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("stage %s panicked: %v\n%s", stage.ID, r, debug.Stack())
			out = nil
			err = &StageFailure{StageID: stage.ID, Label: stage.Label, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	out, err = fn(ctx, sc, in)
	if err != nil {
		var sf *StageFailure
		if !errors.As(err, &sf) {
			err = &StageFailure{StageID: stage.ID, Label: stage.Label, Err: err}
		}
		return nil, err
	}
	return out, nil
}

func (c *Controller) awaitApproval(ctx context.Context, signal ApprovalSignal) (approval.Decision, error) {
	// The gate opens in the same critical section that records the request
	// on the run, so the request is never visible in one and not the other.
	c.mu.Lock()
	req, err := c.gate.Open(signal.Question, signal.Context)
	if err != nil {
		c.mu.Unlock()
		return approval.Decision{}, err
	}
	if err := c.run.Transition(runtime.StatusWaitingApproval); err != nil {
		c.gate.Discard()
		c.mu.Unlock()
		return approval.Decision{}, err
	}
	reqCopy := req
	c.run.ApprovalRequest = &reqCopy
	c.run.CurrentStep = "Waiting for human approval"
	runID := c.run.ID
	c.post(events.NewApprovalRequested(c.run.Clone(), req))
	c.mu.Unlock()

	c.flush()
	c.logger.Printf("run %s waiting for approval (request %s)", runID, req.ID)

	decision, err := c.gate.Await(ctx, req.ID, signal.Timeout)
	if err != nil {
		return approval.Decision{}, err
	}

	c.mu.Lock()
	c.run.ApprovalRequest = nil
	d := decision
	c.run.Decision = &d
	err = c.run.Transition(runtime.StatusRunning)
	c.mu.Unlock()
	if err != nil {
		return approval.Decision{}, err
	}

	if decision.TimedOut {
		c.emitOutput("System", decision.Feedback, runtime.OutputWarning)
	}
	msg := "Decision: " + decision.Label()
	if decision.Feedback != "" && !decision.TimedOut {
		msg += " - " + decision.Feedback
	}
	c.emitOutput("Human Reviewer", msg, runtime.OutputDecision)
	return decision, nil
}

func (c *Controller) setCurrentStep(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.CurrentStep = label
}

func (c *Controller) emitOutput(source, content string, kind runtime.OutputKind) {
	entry := runtime.OutputEntry{
		Source:    source,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	c.mu.Lock()
	c.run.AppendOutput(entry)
	c.post(events.NewOutput(c.run.Clone(), entry))
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) recordStage(stage graph.StageDescriptor) {
	c.mu.Lock()
	percent := c.run.AdvanceProgress(stage.Weight)
	c.run.CurrentStep = stage.Label
	c.run.AppendStage(runtime.StageRecord{
		StageID:        stage.ID,
		Name:           stage.Label,
		Progress:       percent,
		CompletedSteps: append([]string{}, stage.Prerequisites...),
		Timestamp:      time.Now().UTC(),
	})
	c.post(events.NewProgress(c.run.Clone(), events.Progress{
		StageID:        stage.ID,
		Stage:          stage.Label,
		Percent:        percent,
		CompletedSteps: stage.Prerequisites,
	}))
	c.mu.Unlock()
	c.flush()
}

// complete finishes the run, unless it was canceled after the last stage
// check, in which case it fails with the cancel reason.
//
// The terminal state is built on a copy and archived before it is committed,
// so the live run stays active until the commit and no Upload or StartRun can
// queue an event ahead of the terminal one.
func (c *Controller) complete(ctx context.Context, out any, approved bool) {
	var comp Completion
	switch v := out.(type) {
	case Completion:
		comp = v
	case *Completion:
		if v != nil {
			comp = *v
		}
	case runtime.ArtifactRef:
		comp.Artifact = &v
	case *runtime.ArtifactRef:
		comp.Artifact = v
	}
	if comp.Outcome == "" {
		comp.Outcome = runtime.OutcomeFor(approved)
	}

	c.mu.Lock()
	final := c.run.Clone()
	c.mu.Unlock()

	now := time.Now().UTC()
	if err := final.Transition(runtime.StatusCompleted); err != nil {
		c.logger.Printf("run %s: %v", final.ID, err)
	}
	final.Outcome = comp.Outcome
	if comp.Artifact != nil {
		a := *comp.Artifact
		final.Artifact = &a
	}
	final.AdvanceProgress(100)
	final.CurrentStep = "Completed: " + string(comp.Outcome)
	final.FinishedAt = &now

	if context.Cause(ctx) == nil {
		c.archive(final)
	}

	c.mu.Lock()
	if cause := context.Cause(ctx); cause != nil {
		c.mu.Unlock()
		c.fail(ctx, cause)
		return
	}
	c.commit(final, events.NewCompleted(final, comp.Outcome, comp.Artifact))
	c.mu.Unlock()
	c.flush()
	c.logger.Printf("run %s completed: %s", final.ID, comp.Outcome)
}

func (c *Controller) fail(ctx context.Context, err error) {
	msg := err.Error()
	var canceled *CanceledError
	if errors.As(context.Cause(ctx), &canceled) {
		msg = canceled.Error()
	}
	c.gate.Discard()

	c.mu.Lock()
	final := c.run.Clone()
	c.mu.Unlock()

	now := time.Now().UTC()
	final.Fail(msg)
	if terr := final.Transition(runtime.StatusError); terr != nil {
		c.logger.Printf("run %s: %v", final.ID, terr)
	}
	final.ApprovalRequest = nil
	final.CurrentStep = "Failed"
	final.FinishedAt = &now

	c.archive(final)

	c.mu.Lock()
	c.commit(final, events.NewError(final, final.Error))
	c.mu.Unlock()
	c.flush()
	c.logger.Printf("run %s failed: %s", final.ID, final.Error)
}

// commit replaces the live run with final and queues ev. Callers hold mu.
func (c *Controller) commit(final runtime.Run, ev events.Event) {
	r := final.Clone()
	c.run = &r
	c.post(ev)
}

func (c *Controller) archive(snap runtime.Run) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.recorder.Record(ctx, snap); err != nil {
		c.logger.Printf("run %s: archive: %v", snap.ID, err)
	}
}
