package fanout

import (
	"fmt"
	"strings"
)

// Category maps an output to a label when any keyword appears in it.
type Category struct {
	Label    string   `yaml:"label" json:"label"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

func DefaultCategories() []Category {
	return []Category{
		{Label: "market_trend_analysis", Keywords: []string{"market", "trend", "consumer", "demand", "demographic"}},
		{Label: "design_evaluation", Keywords: []string{"design", "aesthetic", "style", "color", "fabric", "material"}},
		{Label: "production_feasibility", Keywords: []string{"production", "manufacturing", "cost", "supply", "logistics"}},
		{Label: "sustainability_assessment", Keywords: []string{"sustainability", "ethical", "environmental", "eco"}},
	}
}

type Component struct {
	Label             string `json:"label"`
	Content           string `json:"content"`
	Length            int    `json:"length"`
	SourceEvaluatorID string `json:"source_evaluator_id"`
	Categorized       bool   `json:"categorized"`
}

type Failure struct {
	EvaluatorID string `json:"evaluator_id"`
	Error       string `json:"error"`
}

// ConsolidatedResult is the fan-in of one dispatch. Components keep dispatch
// order.
type ConsolidatedResult struct {
	Components  []Component `json:"components"`
	Categorized int         `json:"categorized"`
	Failed      []Failure   `json:"failed,omitempty"`
}

// Classify returns the label of the first category with a keyword present in
// text, matched case-insensitively.
func Classify(text string, cats []Category) (string, bool) {
	lower := strings.ToLower(text)
	for _, c := range cats {
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return c.Label, true
			}
		}
	}
	return "", false
}

// Consolidate folds results into labeled components. Failed results are
// listed but contribute no component. Unmatched outputs are labeled
// component_N after their dispatch position. A label already taken gets a
// numeric suffix so no output is lost.
func Consolidate(results []Result, cats []Category) ConsolidatedResult {
	out := ConsolidatedResult{Components: []Component{}}
	seen := map[string]int{}
	for _, r := range results {
		if r.Err != nil {
			out.Failed = append(out.Failed, Failure{EvaluatorID: r.EvaluatorID, Error: r.Err.Error()})
			continue
		}
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		label, matched := Classify(r.Text, cats)
		if !matched {
			label = fmt.Sprintf("component_%d", r.Position)
		}
		seen[label]++
		if n := seen[label]; n > 1 {
			label = fmt.Sprintf("%s_%d", label, n)
		}
		if matched {
			out.Categorized++
		}
		out.Components = append(out.Components, Component{
			Label:             label,
			Content:           r.Text,
			Length:            len([]rune(r.Text)),
			SourceEvaluatorID: r.EvaluatorID,
			Categorized:       matched,
		})
	}
	return out
}

func (c ConsolidatedResult) Get(label string) (Component, bool) {
	for _, comp := range c.Components {
		if comp.Label == label {
			return comp, true
		}
	}
	return Component{}, false
}

func (c ConsolidatedResult) Labels() []string {
	out := make([]string, 0, len(c.Components))
	for _, comp := range c.Components {
		out = append(out, comp.Label)
	}
	return out
}

// Render lays the components out as labeled sections for the summarizer.
func (c ConsolidatedResult) Render() string {
	var b strings.Builder
	for i, comp := range c.Components {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", HumanizeLabel(comp.Label), comp.Content)
	}
	if len(c.Failed) > 0 {
		b.WriteString("\n\n## Unavailable analyses\n")
		for _, f := range c.Failed {
			fmt.Fprintf(&b, "\n- %s: %s", f.EvaluatorID, f.Error)
		}
	}
	return b.String()
}

// HumanizeLabel turns market_trend_analysis into "Market Trend Analysis".
func HumanizeLabel(label string) string {
	parts := strings.Split(label, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
