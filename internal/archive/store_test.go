package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

func finishedRun(id string, finished time.Time, approved bool) runtime.Run {
	start := finished.Add(-time.Minute)
	run := runtime.Run{
		ID:         id,
		Status:     runtime.StatusCompleted,
		Progress:   100,
		Document:   "/tmp/" + id + ".pptx",
		Outcome:    runtime.OutcomeFor(approved),
		StartedAt:  &start,
		FinishedAt: &finished,
		Decision: &approval.Decision{
			RequestID: "req-" + id,
			Approved:  approved,
			Token:     "yes",
			Feedback:  "ship it",
			DecidedAt: finished,
		},
		Artifact: &runtime.ArtifactRef{Path: "/reports/" + id + ".md", Kind: "approved_report", Bytes: 42},
	}
	if !approved {
		run.Decision.Token = "no"
		run.Artifact.Kind = "rejection_notice"
	}
	return run
}

func TestStore_RecordGetList(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "archive.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Record(ctx, finishedRun("r1", base, true)); err != nil {
		t.Fatalf("Record r1: %v", err)
	}
	if err := s.Record(ctx, finishedRun("r2", base.Add(time.Hour), false)); err != nil {
		t.Fatalf("Record r2: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcome != runtime.OutcomeApproved || got.Decision != "APPROVED" || got.Feedback != "ship it" {
		t.Fatalf("entry=%+v", got)
	}
	if got.ArtifactPath != "/reports/r1.md" || got.ArtifactKind != "approved_report" {
		t.Fatalf("artifact=%q/%q", got.ArtifactPath, got.ArtifactKind)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(base) {
		t.Fatalf("finished_at=%v", got.FinishedAt)
	}
	if got.Run.Decision == nil || got.Run.Decision.RequestID != "req-r1" {
		t.Fatalf("snapshot not restored: %+v", got.Run.Decision)
	}

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].RunID != "r2" || list[1].RunID != "r1" {
		t.Fatalf("order=%v", ids(list))
	}
	if list[0].Outcome != runtime.OutcomeRejected {
		t.Fatalf("r2 outcome=%s", list[0].Outcome)
	}

	limited, err := s.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("List(1)=%v,%v", ids(limited), err)
	}
}

func TestStore_RecordReplacesSameRun(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	run := finishedRun("r1", time.Now(), true)
	if err := s.Record(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = runtime.StatusError
	run.Error = "stage x failed"
	if err := s.Record(ctx, run); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != runtime.StatusError || list[0].Error != "stage x failed" {
		t.Fatalf("list=%+v", list)
	}
}

func TestStore_ErrorsAndMissing(t *testing.T) {
	ctx := context.Background()
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Record(ctx, runtime.Run{}); err == nil {
		t.Fatal("expected error for run without id")
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Error runs carry no decision or artifact.
	now := time.Now()
	if err := s.Record(ctx, runtime.Run{ID: "e1", Status: runtime.StatusError, Error: "canceled: stop", FinishedAt: &now}); err != nil {
		t.Fatal(err)
	}
	e, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Decision != "" || e.ArtifactPath != "" || e.Outcome != "" || e.StartedAt != nil {
		t.Fatalf("entry=%+v", e)
	}
}

func ids(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.RunID
	}
	return out
}
