package graph

const (
	StageParse            = "parse"
	StageAdapt            = "adapt"
	StageAnalyze          = "analyze"
	StageSummarize        = "summarize"
	StageApproval         = "approval"
	StageFinalizeApproved = "finalize_approved"
	StageFinalizeRejected = "finalize_rejected"
	StageComplete         = "complete"
)

const (
	labelParse     = "Parse Document"
	labelAdapt     = "Prepare Analysis"
	labelAnalyze   = "Parallel Analysis"
	labelSummarize = "Generate Analysis Report"
	labelApproval  = "Human Review"
)

// DefaultDescriptors is the proposal review layout: parse, adapt, fan out,
// summarize, a human gate, then one of two finalize stages that both converge
// on completion.
func DefaultDescriptors() []StageDescriptor {
	return []StageDescriptor{
		{ID: StageParse, Label: labelParse, Weight: 15, Kind: KindTask, Next: StageAdapt},
		{ID: StageAdapt, Label: labelAdapt, Weight: 30, Kind: KindTask, Next: StageAnalyze,
			Prerequisites: []string{labelParse}},
		{ID: StageAnalyze, Label: labelAnalyze, Weight: 60, Kind: KindTask, Next: StageSummarize,
			Prerequisites: []string{labelParse, labelAdapt}},
		{ID: StageSummarize, Label: labelSummarize, Weight: 80, Kind: KindTask, Next: StageApproval,
			Prerequisites: []string{labelParse, labelAdapt, labelAnalyze}},
		{ID: StageApproval, Label: labelApproval, Weight: 90, Kind: KindApproval,
			OnApproved: StageFinalizeApproved, OnRejected: StageFinalizeRejected,
			Prerequisites: []string{labelParse, labelAdapt, labelAnalyze, labelSummarize}},
		{ID: StageFinalizeApproved, Label: "Save Approved Report", Weight: 95, Kind: KindTask, Next: StageComplete,
			Prerequisites: []string{labelParse, labelAdapt, labelAnalyze, labelSummarize, labelApproval}},
		{ID: StageFinalizeRejected, Label: "Draft Rejection Notice", Weight: 95, Kind: KindTask, Next: StageComplete,
			Prerequisites: []string{labelParse, labelAdapt, labelAnalyze, labelSummarize, labelApproval}},
		{ID: StageComplete, Label: "Save Results", Weight: 100, Kind: KindTerminal,
			Prerequisites: []string{labelParse, labelAdapt, labelAnalyze, labelSummarize, labelApproval}},
	}
}

// Default returns the validated default graph. It panics on an invalid
// built-in layout.
func Default() *Graph {
	g, err := New(DefaultDescriptors()...)
	if err != nil {
		panic(err)
	}
	return g
}
