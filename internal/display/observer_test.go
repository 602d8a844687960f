package display

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/events"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func plain(s string) string { return ansiRegex.ReplaceAllString(s, "") }

func TestObserver_RendersEachEventType(t *testing.T) {
	var out bytes.Buffer
	o := NewObserver(&out)
	run := runtime.Run{ID: "r1", Status: runtime.StatusRunning, Progress: 30}

	evs := []events.Event{
		events.NewStatus(run),
		events.NewProgress(run, events.Progress{StageID: "adapt", Stage: "Prepare Analysis", Percent: 30}),
		events.NewOutput(run, runtime.OutputEntry{Source: "Fan-In", Content: "Consolidated 3 components", Kind: runtime.OutputInfo}),
		events.NewApprovalRequested(run, approval.Request{ID: "req-1", Question: "Approve?", Context: "## Summary"}),
		events.NewCompleted(run, runtime.OutcomeApproved, &runtime.ArtifactRef{Path: "/r/a.md", Kind: "approved_report", Bytes: 10}),
		events.NewError(run, "canceled: stop"),
	}
	for _, ev := range evs {
		if err := o.Handle(ev); err != nil {
			t.Fatalf("Handle(%s): %v", ev.Type, err)
		}
	}
	got := plain(out.String())
	for _, want := range []string{
		"status: running (30%)",
		"██████░░░░░░░░░░░░░░  30% Prepare Analysis",
		"[Fan-In] Consolidated 3 components",
		"Human review requested",
		"## Summary",
		"Approve?",
		"request req-1",
		"Outcome: APPROVED",
		"/r/a.md (approved_report, 10 bytes)",
		"Run failed",
		"canceled: stop",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestObserver_BarClamps(t *testing.T) {
	o := NewObserver(&bytes.Buffer{})
	if got := plain(o.bar(150)); got != strings.Repeat(barFilled, barWidth) {
		t.Fatalf("bar(150)=%q", got)
	}
	if got := plain(o.bar(-5)); got != strings.Repeat(barEmpty, barWidth) {
		t.Fatalf("bar(-5)=%q", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestObserver_WriteErrorDropsSink(t *testing.T) {
	b := events.NewBroadcaster(4)
	o := NewObserver(failingWriter{})
	b.SubscribeFunc(o.Handle)
	if b.Len() != 1 {
		t.Fatalf("Len=%d", b.Len())
	}
	b.Publish(events.NewStatus(runtime.Run{Status: runtime.StatusIdle}))
	if b.Len() != 0 {
		t.Fatalf("failing sink not removed, Len=%d", b.Len())
	}
}
