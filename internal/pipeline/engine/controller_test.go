package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/events"
	"github.com/danshapiro/verdict/internal/pipeline/fanout"
	"github.com/danshapiro/verdict/internal/pipeline/graph"
	"github.com/danshapiro/verdict/internal/pipeline/retry"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
	"github.com/danshapiro/verdict/internal/report"
)

type stubEvaluator struct {
	id    string
	reply string
	err   error
	block bool
}

func (s *stubEvaluator) ID() string { return s.id }

func (s *stubEvaluator) Evaluate(ctx context.Context, _ string) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.reply, s.err
}

type memRecorder struct {
	mu   sync.Mutex
	runs []runtime.Run
}

func (m *memRecorder) Record(_ context.Context, run runtime.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRecorder) all() []runtime.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runtime.Run{}, m.runs...)
}

type harness struct {
	ctl      *Controller
	sub      *events.Subscription
	doc      string
	recorder *memRecorder
	dir      string
}

func noSleep() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func writeDeck(t *testing.T, dir string, slides ...string) string {
	t.Helper()
	path := filepath.Join(dir, "deck.md")
	if err := os.WriteFile(path, []byte(strings.Join(slides, "\n---\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T, pool []fanout.Evaluator, approvalTimeout time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	parser, err := document.NewParser()
	if err != nil {
		t.Fatal(err)
	}
	writer, err := report.NewWriter(filepath.Join(dir, "reports"), "Zava")
	if err != nil {
		t.Fatal(err)
	}
	tk := Toolkit{
		Parser:      parser,
		Coordinator: &fanout.Coordinator{Evaluators: pool, Retry: noSleep()},
		Retry:       noSleep(),
		Reporter:    writer,
		Company:     "Zava",
	}
	rec := &memRecorder{}
	ctl, err := New(Options{
		Stages:          DefaultStages(tk),
		Pool:            pool,
		ApprovalTimeout: approvalTimeout,
		Broadcaster:     events.NewBroadcaster(1024),
		Recorder:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{
		ctl:      ctl,
		sub:      ctl.Events().Subscribe(),
		recorder: rec,
		dir:      dir,
	}
	h.doc = writeDeck(t, dir, "Spring collection in linen", "Target audience: urban commuters", "Cost per unit 12 USD")
	t.Cleanup(func() { ctl.Cancel("test cleanup"); _ = ctl.Wait(context.Background()) })
	return h
}

func defaultPool() []fanout.Evaluator {
	return []fanout.Evaluator{
		&stubEvaluator{id: "market", reply: "Consumer demand for this trend is strong."},
		&stubEvaluator{id: "design", reply: "The fabric palette is cohesive."},
		&stubEvaluator{id: "production", reply: "Manufacturing is straightforward."},
	}
}

// waitForEvent reads from sub until an event of type want arrives, returning
// every event seen including it.
func waitForEvent(t *testing.T, sub *events.Subscription, want events.Type) []events.Event {
	t.Helper()
	var seen []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			seen = append(seen, ev)
			if ev.Type == want {
				return seen
			}
			if ev.Type == events.TypeError && want != events.TypeError {
				t.Fatalf("run failed while waiting for %s: %s", want, ev.Error.Message)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event (saw %d events)", want, len(seen))
		}
	}
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestController_ApprovedRunEventOrderAndProgress(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)

	runID, err := h.ctl.StartRun(h.doc)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	before := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	req := before[len(before)-1].Approval
	if req == nil || req.ID == "" {
		t.Fatalf("approval event without request: %+v", before[len(before)-1])
	}
	if snap := h.ctl.Snapshot(); snap.Status != runtime.StatusWaitingApproval || snap.ApprovalRequest == nil {
		t.Fatalf("snapshot while waiting: status=%s req=%v", snap.Status, snap.ApprovalRequest)
	}
	if pending, ok := h.ctl.PendingApproval(); !ok || pending.ID != req.ID {
		t.Fatalf("PendingApproval()=%+v,%v want %s", pending, ok, req.ID)
	}

	d, err := h.ctl.SubmitDecision(req.ID, "YES")
	if err != nil || !d.Approved {
		t.Fatalf("SubmitDecision=%+v,%v", d, err)
	}
	after := waitForEvent(t, h.sub, events.TypeCompleted)
	all := append(before, after...)

	// progress+ (output interleaved), one approval_requested, progress/output+, one completed last.
	approvals, completed := 0, 0
	sawProgressBefore, sawProgressAfter := false, false
	for i, ev := range all {
		switch ev.Type {
		case events.TypeApprovalRequested:
			approvals++
		case events.TypeCompleted:
			completed++
			if i != len(all)-1 {
				t.Fatalf("completed is not last: %v", types(all))
			}
		case events.TypeProgress:
			if approvals == 0 {
				sawProgressBefore = true
			} else {
				sawProgressAfter = true
			}
		case events.TypeOutput:
		default:
			t.Fatalf("unexpected event type %s in %v", ev.Type, types(all))
		}
	}
	if approvals != 1 || completed != 1 || !sawProgressBefore || !sawProgressAfter {
		t.Fatalf("bad event sequence: %v", types(all))
	}

	last := -1
	for _, ev := range all {
		if ev.Run.Progress < last {
			t.Fatalf("progress decreased: %d after %d", ev.Run.Progress, last)
		}
		last = ev.Run.Progress
	}

	final := all[len(all)-1]
	if final.Completed.Outcome != runtime.OutcomeApproved {
		t.Fatalf("outcome=%s", final.Completed.Outcome)
	}
	if final.Completed.Artifact == nil || !strings.Contains(final.Completed.Artifact.Path, "zava_approved_concept_") {
		t.Fatalf("artifact=%+v", final.Completed.Artifact)
	}
	snap := h.ctl.Snapshot()
	if snap.ID != runID || snap.Status != runtime.StatusCompleted || snap.Progress != 100 {
		t.Fatalf("final snapshot: id=%s status=%s progress=%d", snap.ID, snap.Status, snap.Progress)
	}
	if _, ok := h.ctl.PendingApproval(); ok {
		t.Fatal("no approval should be pending after completion")
	}
	if got := h.recorder.all(); len(got) != 1 || got[0].Outcome != runtime.OutcomeApproved {
		t.Fatalf("recorder got %+v", got)
	}
}

func TestController_RejectionWithFeedback(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	evs := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	req := evs[len(evs)-1].Approval

	d, err := h.ctl.SubmitDecision(req.ID, "no\nneeds more detail")
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved || d.Feedback != "needs more detail" {
		t.Fatalf("decision=%+v", d)
	}
	evs = waitForEvent(t, h.sub, events.TypeCompleted)
	final := evs[len(evs)-1]
	if final.Completed.Outcome != runtime.OutcomeRejected {
		t.Fatalf("outcome=%s", final.Completed.Outcome)
	}
	if !strings.Contains(final.Completed.Artifact.Path, "zava_concept_rejection_") {
		t.Fatalf("artifact=%s", final.Completed.Artifact.Path)
	}
	snap := h.ctl.Snapshot()
	var stageIDs []string
	for _, s := range snap.Steps {
		stageIDs = append(stageIDs, s.StageID)
	}
	if !strings.Contains(strings.Join(stageIDs, ","), graph.StageFinalizeRejected) {
		t.Fatalf("rejection branch not taken: %v", stageIDs)
	}
	if snap.Decision == nil || snap.Decision.Feedback != "needs more detail" {
		t.Fatalf("decision on run=%+v", snap.Decision)
	}
	found := false
	for _, o := range snap.Outputs {
		if o.Kind == runtime.OutputDecision && o.Content == "Decision: REJECTED - needs more detail" {
			found = true
		}
	}
	if !found {
		t.Fatalf("decision output missing: %+v", snap.Outputs)
	}
}

func TestController_ApprovalTimeoutTakesRejectionBranch(t *testing.T) {
	h := newHarness(t, defaultPool(), time.Second)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.sub, events.TypeApprovalRequested)
	start := time.Now()
	evs := waitForEvent(t, h.sub, events.TypeCompleted)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
	if evs[len(evs)-1].Completed.Outcome != runtime.OutcomeRejected {
		t.Fatalf("outcome=%s", evs[len(evs)-1].Completed.Outcome)
	}
	snap := h.ctl.Snapshot()
	if snap.Decision == nil || !snap.Decision.TimedOut {
		t.Fatalf("expected timed out decision, got %+v", snap.Decision)
	}
}

func TestController_StartWhileRunningIsConcurrencyError(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)
	runID, err := h.ctl.StartRun(h.doc)
	if err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.sub, events.TypeApprovalRequested)
	before := h.ctl.Snapshot()

	_, err = h.ctl.StartRun(h.doc)
	var ce *ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	if err := h.ctl.Upload(h.doc); !errors.As(err, &ce) {
		t.Fatalf("Upload during run: expected ConcurrencyError, got %v", err)
	}
	after := h.ctl.Snapshot()
	if after.ID != runID || after.Status != before.Status || after.Progress != before.Progress {
		t.Fatalf("active run changed: before=%s/%d after=%s/%d", before.Status, before.Progress, after.Status, after.Progress)
	}
}

func TestController_ValidationErrors(t *testing.T) {
	h := newHarness(t, defaultPool(), time.Second)
	var ve *ValidationError
	if _, err := h.ctl.StartRun(""); !errors.As(err, &ve) {
		t.Fatalf("empty ref: %v", err)
	}
	if _, err := h.ctl.StartRun(filepath.Join(h.dir, "missing.md")); !errors.As(err, &ve) {
		t.Fatalf("missing file: %v", err)
	}

	empty := newHarness(t, nil, time.Second)
	_, err := empty.ctl.StartRun(empty.doc)
	if !errors.As(err, &ve) || ve.Field != "evaluators" {
		t.Fatalf("empty pool: %v", err)
	}
	if s := empty.ctl.Snapshot(); s.Status != runtime.StatusIdle {
		t.Fatalf("status after rejected start=%s", s.Status)
	}
}

func TestController_AcceptHookRejectsDocument(t *testing.T) {
	ctl, err := New(Options{
		Stages: DefaultStages(Toolkit{}),
		Pool:   defaultPool(),
		Accept: func(path string) error { return errors.New("only .pptx accepted") },
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writeDeck(t, t.TempDir(), "x")
	var ve *ValidationError
	if err := ctl.Upload(path); !errors.As(err, &ve) || !strings.Contains(err.Error(), "only .pptx") {
		t.Fatalf("Upload: %v", err)
	}
}

func TestController_UploadThenStartUsesUploadedDocument(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)
	if err := h.ctl.Upload(h.doc); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if s := h.ctl.Snapshot(); s.Status != runtime.StatusUploaded || s.Document != h.doc {
		t.Fatalf("after upload: %+v", s)
	}
	if _, err := h.ctl.StartRun(""); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	evs := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	if evs[len(evs)-1].Run.Document != h.doc {
		t.Fatalf("run document=%q", evs[len(evs)-1].Run.Document)
	}
}

func TestController_KeywordFreeDeckReachesApprovalWithPositionalComponents(t *testing.T) {
	pool := []fanout.Evaluator{
		&stubEvaluator{id: "a", reply: "Nothing notable."},
		&stubEvaluator{id: "b", reply: "Unclear pitch."},
		&stubEvaluator{id: "c", reply: "No opinion."},
	}
	h := newHarness(t, pool, 5*time.Second)
	doc := writeDeck(t, t.TempDir(), "one", "two", "three", "four", "five", "six")
	if _, err := h.ctl.StartRun(doc); err != nil {
		t.Fatal(err)
	}
	evs := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	if s := evs[len(evs)-1].Run.Status; s != runtime.StatusWaitingApproval {
		t.Fatalf("status=%s", s)
	}
	var fanIn string
	for _, ev := range evs {
		if ev.Type == events.TypeOutput && ev.Output.Source == "Fan-In" {
			fanIn = ev.Output.Content
		}
	}
	if fanIn != "Consolidated 3 components (0 categorized)" {
		t.Fatalf("fan-in output=%q", fanIn)
	}
	if ctx := evs[len(evs)-1].Approval.Context; !strings.Contains(ctx, "Component 1") || !strings.Contains(ctx, "Component 3") {
		t.Fatalf("approval context missing positional components: %q", ctx)
	}
}

func TestController_PartialFanOutFailureDoesNotFailRun(t *testing.T) {
	pool := []fanout.Evaluator{
		&stubEvaluator{id: "a", err: errors.New("evaluator exploded")},
		&stubEvaluator{id: "b", reply: "Market demand looks good."},
		&stubEvaluator{id: "c", reply: "Nice design."},
	}
	h := newHarness(t, pool, 5*time.Second)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	evs := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	warned := false
	for _, ev := range evs {
		if ev.Type == events.TypeOutput && ev.Output.Kind == runtime.OutputWarning && ev.Output.Source == "a" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a warning output for the failed evaluator")
	}
	if s := h.ctl.Snapshot(); s.Status != runtime.StatusWaitingApproval || s.Error != "" {
		t.Fatalf("status=%s error=%q", s.Status, s.Error)
	}
}

type failingParser struct{ panics bool }

func (f failingParser) Parse(context.Context, string) (document.Content, error) {
	if f.panics {
		panic("parser bug")
	}
	return document.Content{}, errors.New("corrupt deck")
}

func TestController_StageFailureEndsInError(t *testing.T) {
	for _, tc := range []struct {
		name   string
		parser failingParser
		want   string
	}{
		{"error", failingParser{}, "stage parse (Parse Document) failed: corrupt deck"},
		{"panic", failingParser{panics: true}, "panicked: parser bug"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &memRecorder{}
			ctl, err := New(Options{
				Stages:   DefaultStages(Toolkit{Parser: tc.parser}),
				Pool:     defaultPool(),
				Recorder: rec,
			})
			if err != nil {
				t.Fatal(err)
			}
			sub := ctl.Events().Subscribe()
			if _, err := ctl.StartRun(writeDeck(t, t.TempDir(), "x")); err != nil {
				t.Fatal(err)
			}
			evs := waitForEvent(t, sub, events.TypeError)
			msg := evs[len(evs)-1].Error.Message
			if !strings.Contains(msg, tc.want) {
				t.Fatalf("error=%q want %q", msg, tc.want)
			}
			_ = ctl.Wait(context.Background())
			snap := ctl.Snapshot()
			if snap.Status != runtime.StatusError || snap.Error != msg {
				t.Fatalf("snapshot status=%s error=%q", snap.Status, snap.Error)
			}
			if got := rec.all(); len(got) != 1 || got[0].Status != runtime.StatusError {
				t.Fatalf("recorder=%+v", got)
			}
			// A terminal run can be replaced.
			if _, err := ctl.StartRun(writeDeck(t, t.TempDir(), "y")); err != nil {
				t.Fatalf("restart after error: %v", err)
			}
		})
	}
}

func TestController_CancelDuringApproval(t *testing.T) {
	h := newHarness(t, defaultPool(), time.Minute)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.sub, events.TypeApprovalRequested)
	if !h.ctl.Cancel("operator stop") {
		t.Fatal("Cancel should report an active run")
	}
	evs := waitForEvent(t, h.sub, events.TypeError)
	if msg := evs[len(evs)-1].Error.Message; msg != "canceled: operator stop" {
		t.Fatalf("error=%q", msg)
	}
	_ = h.ctl.Wait(context.Background())
	if _, ok := h.ctl.PendingApproval(); ok {
		t.Fatal("pending approval should be discarded")
	}
	if h.ctl.Cancel("again") {
		t.Fatal("Cancel on a terminal run should report false")
	}
}

func TestController_CancelAbandonsInFlightEvaluators(t *testing.T) {
	pool := []fanout.Evaluator{&stubEvaluator{id: "stuck", block: true}}
	h := newHarness(t, pool, time.Minute)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		if h.ctl.Snapshot().CurrentStep == "Parallel Analysis" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.ctl.Cancel("shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctl.Wait(ctx); err != nil {
		t.Fatalf("run did not stop: %v", err)
	}
	if s := h.ctl.Snapshot(); s.Status != runtime.StatusError || s.Error != "canceled: shutdown" {
		t.Fatalf("status=%s error=%q", s.Status, s.Error)
	}
}

func TestController_SubmitDecisionUnknownRequest(t *testing.T) {
	h := newHarness(t, defaultPool(), time.Second)
	if _, err := h.ctl.SubmitDecision("nope", "yes"); !errors.Is(err, approval.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestController_TwoApprovalStages(t *testing.T) {
	g, err := graph.New(
		graph.StageDescriptor{ID: "first", Label: "First Review", Weight: 40, Kind: graph.KindApproval, OnApproved: "second", OnRejected: "done"},
		graph.StageDescriptor{ID: "second", Label: "Second Review", Weight: 70, Kind: graph.KindApproval, OnApproved: "done", OnRejected: "done"},
		graph.StageDescriptor{ID: "done", Label: "Done", Weight: 100, Kind: graph.KindTerminal},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := New(Options{
		Graph: g,
		Pool:  defaultPool(),
		Stages: Stages{
			"done": func(_ context.Context, _ *StageContext, in any) (any, error) { return nil, nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := ctl.Events().Subscribe()
	if _, err := ctl.StartRun(writeDeck(t, t.TempDir(), "x")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		evs := waitForEvent(t, sub, events.TypeApprovalRequested)
		if _, err := ctl.SubmitDecision(evs[len(evs)-1].Approval.ID, "approve"); err != nil {
			t.Fatalf("decision %d: %v", i, err)
		}
	}
	evs := waitForEvent(t, sub, events.TypeCompleted)
	if evs[len(evs)-1].Completed.Outcome != runtime.OutcomeApproved {
		t.Fatalf("outcome=%s", evs[len(evs)-1].Completed.Outcome)
	}
}

func TestNew_RequiresStageFunctions(t *testing.T) {
	if _, err := New(Options{Stages: Stages{}}); err == nil {
		t.Fatal("expected error for unbound stages")
	}
}

func TestController_DecisionFromEventSinkCompletes(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)
	type answer struct {
		pendingOK  bool
		snapshotID string
		err        error
	}
	answers := make(chan answer, 1)
	h.ctl.Events().SubscribeFunc(func(ev events.Event) error {
		if ev.Type != events.TypeApprovalRequested {
			return nil
		}
		var a answer
		pending, ok := h.ctl.PendingApproval()
		a.pendingOK = ok && pending.ID == ev.Approval.ID
		if r := h.ctl.Snapshot().ApprovalRequest; r != nil {
			a.snapshotID = r.ID
		}
		_, a.err = h.ctl.SubmitDecision(ev.Approval.ID, "yes\nfast reviewer")
		answers <- a
		return nil
	})

	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	evs := waitForEvent(t, h.sub, events.TypeCompleted)
	a := <-answers
	if a.err != nil {
		t.Fatalf("SubmitDecision from sink: %v", a.err)
	}
	req := h.ctl.Snapshot().Decision
	if !a.pendingOK || req == nil || a.snapshotID != req.RequestID {
		t.Fatalf("pending and snapshot disagreed: %+v decision=%+v", a, req)
	}
	if out := evs[len(evs)-1].Completed.Outcome; out != runtime.OutcomeApproved {
		t.Fatalf("outcome=%s", out)
	}
}

func TestController_SinkMayUploadAfterCompletion(t *testing.T) {
	h := newHarness(t, defaultPool(), 5*time.Second)
	next := writeDeck(t, t.TempDir(), "next deck")
	uploaded := make(chan error, 1)
	h.ctl.Events().SubscribeFunc(func(ev events.Event) error {
		switch ev.Type {
		case events.TypeApprovalRequested:
			_, err := h.ctl.SubmitDecision(ev.Approval.ID, "yes")
			return err
		case events.TypeCompleted:
			uploaded <- h.ctl.Upload(next)
		}
		return nil
	})
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.sub, events.TypeCompleted)
	select {
	case err := <-uploaded:
		if err != nil {
			t.Fatalf("Upload from sink: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Upload from a sink did not return")
	}
	evs := waitForEvent(t, h.sub, events.TypeOutput)
	if got := evs[len(evs)-1].Output.Content; got != "Document uploaded: deck.md" {
		t.Fatalf("output after completed=%q", got)
	}
	if s := h.ctl.Snapshot(); s.Status != runtime.StatusUploaded || s.Document != next {
		t.Fatalf("status=%s document=%s", s.Status, s.Document)
	}
}

func TestController_RateLimitRetryIsReported(t *testing.T) {
	pool := []fanout.Evaluator{
		&flakyEvaluator{id: "market", failures: 1, reply: "Consumer demand is strong."},
		&stubEvaluator{id: "design", reply: "The fabric palette is cohesive."},
	}
	h := newHarness(t, pool, 5*time.Second)
	if _, err := h.ctl.StartRun(h.doc); err != nil {
		t.Fatal(err)
	}
	evs := waitForEvent(t, h.sub, events.TypeApprovalRequested)
	found := false
	for _, ev := range evs {
		if ev.Type == events.TypeOutput && ev.Output.Source == "market" && ev.Output.Kind == runtime.OutputWarning &&
			strings.HasPrefix(ev.Output.Content, "Rate limited on attempt 1, retrying in 7s") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a rate-limit warning from market")
	}
}

type flakyEvaluator struct {
	id       string
	reply    string
	failures int

	mu    sync.Mutex
	calls int
}

func (f *flakyEvaluator) ID() string { return f.id }

func (f *flakyEvaluator) Evaluate(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("Rate limit reached. Please try again in 5 seconds.")
	}
	return f.reply, nil
}

// finalizeGraph is review -> finalize -> done with finalize bound to fn.
func finalizeGraph(t *testing.T, fn StageFunc, rec Recorder) *Controller {
	t.Helper()
	g, err := graph.New(
		graph.StageDescriptor{ID: "review", Label: "Review", Weight: 50, Kind: graph.KindApproval, OnApproved: "finalize", OnRejected: "finalize"},
		graph.StageDescriptor{ID: "finalize", Label: "Finalize", Weight: 90, Kind: graph.KindTask, Next: "done"},
		graph.StageDescriptor{ID: "done", Label: "Done", Weight: 100, Kind: graph.KindTerminal},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := New(Options{
		Graph:    g,
		Pool:     defaultPool(),
		Recorder: rec,
		Stages: Stages{
			"finalize": fn,
			"done":     func(context.Context, *StageContext, any) (any, error) { return nil, nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctl.Cancel("test cleanup"); _ = ctl.Wait(context.Background()) })
	return ctl
}

func approveFirstRequest(t *testing.T, ctl *Controller, sub *events.Subscription) {
	t.Helper()
	evs := waitForEvent(t, sub, events.TypeApprovalRequested)
	if _, err := ctl.SubmitDecision(evs[len(evs)-1].Approval.ID, "yes"); err != nil {
		t.Fatal(err)
	}
}

func TestController_CancelDuringFinalizeFails(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ctl := finalizeGraph(t, func(context.Context, *StageContext, any) (any, error) {
		close(entered)
		<-release
		return runtime.ArtifactRef{Path: "report.md", Kind: "approved_report"}, nil
	}, nil)
	sub := ctl.Events().Subscribe()
	if _, err := ctl.StartRun(writeDeck(t, t.TempDir(), "x")); err != nil {
		t.Fatal(err)
	}
	approveFirstRequest(t, ctl, sub)
	<-entered
	if !ctl.Cancel("late stop") {
		t.Fatal("Cancel should report an active run")
	}
	close(release)
	evs := waitForEvent(t, sub, events.TypeError)
	if msg := evs[len(evs)-1].Error.Message; msg != "canceled: late stop" {
		t.Fatalf("error=%q", msg)
	}
	for _, ev := range evs {
		if ev.Type == events.TypeCompleted {
			t.Fatal("a canceled run must not complete")
		}
	}
}

// gatedRecorder blocks its first Record until release is closed.
type gatedRecorder struct {
	memRecorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecorder) Record(ctx context.Context, run runtime.Run) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.memRecorder.Record(ctx, run)
}

func TestController_CancelWhileArchivingFails(t *testing.T) {
	rec := &gatedRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	ctl := finalizeGraph(t, func(context.Context, *StageContext, any) (any, error) {
		return runtime.ArtifactRef{Path: "report.md", Kind: "approved_report"}, nil
	}, rec)
	sub := ctl.Events().Subscribe()
	if _, err := ctl.StartRun(writeDeck(t, t.TempDir(), "x")); err != nil {
		t.Fatal(err)
	}
	approveFirstRequest(t, ctl, sub)
	<-rec.entered
	if s := ctl.Snapshot(); s.Status != runtime.StatusRunning {
		t.Fatalf("run should stay active until the archive is written, got %s", s.Status)
	}
	if !ctl.Cancel("too late") {
		t.Fatal("Cancel should report an active run")
	}
	close(rec.release)
	evs := waitForEvent(t, sub, events.TypeError)
	if msg := evs[len(evs)-1].Error.Message; msg != "canceled: too late" {
		t.Fatalf("error=%q", msg)
	}
	runs := rec.all()
	if last := runs[len(runs)-1]; last.Status != runtime.StatusError || last.Error != "canceled: too late" {
		t.Fatalf("last archived run: status=%s error=%q", last.Status, last.Error)
	}
}
