package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/fanout"
	"github.com/danshapiro/verdict/internal/pipeline/graph"
	"github.com/danshapiro/verdict/internal/pipeline/retry"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
	"github.com/danshapiro/verdict/internal/report"
)

const defaultApprovalQuestion = "Based on the analysis above, should this concept be approved for development? " +
	"Answer yes or no on the first line; anything after it is recorded as feedback."

// Context keys shared between default stages.
const (
	keyContent  = "document.content"
	keyAnalysis = "analysis.consolidated"
	keySummary  = "analysis.summary"
)

type DocumentParser interface {
	Parse(ctx context.Context, path string) (document.Content, error)
}

type Reporter interface {
	WriteApproved(ctx context.Context, in report.Input) (runtime.ArtifactRef, error)
	WriteRejected(ctx context.Context, in report.Input) (runtime.ArtifactRef, error)
}

// Toolkit holds the collaborators the default stages call into.
type Toolkit struct {
	Parser      DocumentParser
	Coordinator *fanout.Coordinator
	// Summarizer writes the report from the consolidated analysis. When nil
	// the rendered analysis itself is the summary.
	Summarizer fanout.Evaluator
	Retry      retry.Policy
	Reporter   Reporter
	Company    string
	Question   string
	// ApprovalTimeout overrides the controller default when > 0.
	ApprovalTimeout time.Duration
}

// DefaultStages binds the default graph's stage ids to tk.
func DefaultStages(tk Toolkit) Stages {
	return Stages{
		graph.StageParse:            tk.parse,
		graph.StageAdapt:            tk.adapt,
		graph.StageAnalyze:          tk.analyze,
		graph.StageSummarize:        tk.summarize,
		graph.StageApproval:         tk.requestApproval,
		graph.StageFinalizeApproved: tk.finalizeApproved,
		graph.StageFinalizeRejected: tk.finalizeRejected,
		graph.StageComplete:         tk.saveResults,
	}
}

func (tk Toolkit) parse(ctx context.Context, sc *StageContext, in any) (any, error) {
	path, ok := in.(string)
	if !ok {
		return nil, fmt.Errorf("parse: want document path, got %T", in)
	}
	if tk.Parser == nil {
		return nil, fmt.Errorf("parse: no document parser configured")
	}
	content, err := tk.Parser.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	sc.Values.Set(keyContent, content)
	sc.Output("Document Parser",
		fmt.Sprintf("Parsed %s: %d slides, %d concept elements", content.FileName, len(content.Slides), content.ElementCount()),
		runtime.OutputInfo)
	return content, nil
}

func (tk Toolkit) adapt(_ context.Context, sc *StageContext, in any) (any, error) {
	content, ok := in.(document.Content)
	if !ok {
		return nil, fmt.Errorf("adapt: want document.Content, got %T", in)
	}
	prompt := document.BuildPrompt(content, tk.Company)
	sig := document.ExtractSignals(content)
	sc.Output("Analysis Prep",
		fmt.Sprintf("Prepared analysis prompt: %d market signals, %d production notes", len(sig.Market), len(sig.Production)),
		runtime.OutputInfo)
	return prompt, nil
}

func (tk Toolkit) analyze(ctx context.Context, sc *StageContext, in any) (any, error) {
	prompt, ok := in.(string)
	if !ok {
		return nil, fmt.Errorf("analyze: want prompt string, got %T", in)
	}
	if tk.Coordinator == nil {
		return nil, fmt.Errorf("analyze: no coordinator configured")
	}
	co := *tk.Coordinator
	co.OnRetry = func(id string, attempt int, wait time.Duration, err error) {
		sc.Output(id, retryNotice(attempt, wait, err), runtime.OutputWarning)
	}
	res, err := co.Run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	for _, comp := range res.Components {
		sc.Output(fanout.HumanizeLabel(comp.Label),
			fmt.Sprintf("%s (%d characters from %s)", comp.Label, comp.Length, comp.SourceEvaluatorID),
			runtime.OutputText)
	}
	for _, f := range res.Failed {
		sc.Output(f.EvaluatorID, "Analysis unavailable: "+f.Error, runtime.OutputWarning)
	}
	sc.Output("Fan-In",
		fmt.Sprintf("Consolidated %d components (%d categorized)", len(res.Components), res.Categorized),
		runtime.OutputInfo)
	sc.Values.Set(keyAnalysis, res)
	return res, nil
}

func (tk Toolkit) summarize(ctx context.Context, sc *StageContext, in any) (any, error) {
	res, ok := in.(fanout.ConsolidatedResult)
	if !ok {
		return nil, fmt.Errorf("summarize: want fanout.ConsolidatedResult, got %T", in)
	}
	rendered := res.Render()
	summary := rendered
	if tk.Summarizer != nil && len(res.Components) > 0 {
		policy := tk.Retry
		prev := policy.OnRetry
		policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			if prev != nil {
				prev(attempt, wait, err)
			}
			sc.Output("Report Writer", retryNotice(attempt, wait, err), runtime.OutputWarning)
		}
		text, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
			return tk.Summarizer.Evaluate(ctx, rendered)
		})
		if err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		summary = strings.TrimSpace(text)
	}
	if strings.TrimSpace(summary) == "" {
		summary = "No analysis components were produced for this document."
	}
	sc.Values.Set(keySummary, summary)
	sc.Output("Report Writer", fmt.Sprintf("Generated evaluation summary (%d characters)", len([]rune(summary))), runtime.OutputSuccess)
	return summary, nil
}

func retryNotice(attempt int, wait time.Duration, err error) string {
	return fmt.Sprintf("Rate limited on attempt %d, retrying in %s: %v", attempt, wait, err)
}

func (tk Toolkit) requestApproval(_ context.Context, sc *StageContext, in any) (any, error) {
	summary, _ := in.(string)
	q := tk.Question
	if strings.TrimSpace(q) == "" {
		q = defaultApprovalQuestion
	}
	sc.Output("Approval Manager", "Requesting human review", runtime.OutputInfo)
	return ApprovalSignal{Question: q, Context: summary, Timeout: tk.ApprovalTimeout}, nil
}

func (tk Toolkit) reportInput(sc *StageContext, in any) (report.Input, error) {
	d, ok := in.(approval.Decision)
	if !ok {
		return report.Input{}, fmt.Errorf("%s: want approval.Decision, got %T", sc.Stage.ID, in)
	}
	ri := report.Input{RunID: sc.RunID, Decision: d, Summary: sc.Values.GetString(keySummary, "")}
	if v, ok := sc.Values.Get(keyContent); ok {
		ri.Content, _ = v.(document.Content)
	}
	if v, ok := sc.Values.Get(keyAnalysis); ok {
		ri.Analysis, _ = v.(fanout.ConsolidatedResult)
	}
	return ri, nil
}

func (tk Toolkit) finalizeApproved(ctx context.Context, sc *StageContext, in any) (any, error) {
	ri, err := tk.reportInput(sc, in)
	if err != nil {
		return nil, err
	}
	if tk.Reporter == nil {
		return nil, fmt.Errorf("finalize: no reporter configured")
	}
	art, err := tk.Reporter.WriteApproved(ctx, ri)
	if err != nil {
		return nil, err
	}
	sc.Output("Report Generator", "Approved concept report saved to "+art.Path, runtime.OutputSuccess)
	return art, nil
}

func (tk Toolkit) finalizeRejected(ctx context.Context, sc *StageContext, in any) (any, error) {
	ri, err := tk.reportInput(sc, in)
	if err != nil {
		return nil, err
	}
	if tk.Reporter == nil {
		return nil, fmt.Errorf("finalize: no reporter configured")
	}
	art, err := tk.Reporter.WriteRejected(ctx, ri)
	if err != nil {
		return nil, err
	}
	sc.Output("Report Generator", "Rejection notice saved to "+art.Path, runtime.OutputSuccess)
	return art, nil
}

func (tk Toolkit) saveResults(_ context.Context, sc *StageContext, in any) (any, error) {
	art, ok := in.(runtime.ArtifactRef)
	if !ok {
		return nil, fmt.Errorf("complete: want runtime.ArtifactRef, got %T", in)
	}
	var outcome runtime.Outcome
	if v, ok := sc.Values.Get("approval.decision"); ok {
		if d, ok := v.(approval.Decision); ok {
			outcome = runtime.OutcomeFor(d.Approved)
		}
	}
	return Completion{Outcome: outcome, Artifact: &art}, nil
}
