package document

import (
	"fmt"
	"strings"
)

var (
	marketKeywords     = []string{"target", "audience", "market", "customer", "demographic", "price", "competitor", "trend", "season"}
	productionKeywords = []string{"fabric", "material", "manufacturing", "cost", "supplier", "production", "quality", "sizes", "fit"}
)

// Signals are slide texts that mention market or production concerns.
type Signals struct {
	Market     []string
	Production []string
}

func ExtractSignals(c Content) Signals {
	var s Signals
	for _, slide := range c.Slides {
		text := slide.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if containsAny(text, marketKeywords) {
			s.Market = append(s.Market, text)
		}
		if containsAny(text, productionKeywords) {
			s.Production = append(s.Production, text)
		}
	}
	return s
}

// BuildPrompt renders the analysis request every evaluator receives.
func BuildPrompt(c Content, company string) string {
	if strings.TrimSpace(company) == "" {
		company = "the company"
	}
	sig := ExtractSignals(c)
	var b strings.Builder
	fmt.Fprintf(&b, "CONCEPT ANALYSIS REQUEST\n\n")
	fmt.Fprintf(&b, "Concept File: %s\n", c.FileName)
	fmt.Fprintf(&b, "Total Slides: %d\n", len(c.Slides))
	fmt.Fprintf(&b, "Concept Elements: %d\n\n", c.ElementCount())
	fmt.Fprintf(&b, "Analyze this concept submission from the perspective of %s, evaluating whether to take it into development.\n\n", company)
	b.WriteString("CONCEPT CONTENT:\n")
	for _, s := range c.Slides {
		text := s.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[Slide %d] %s\n", s.Number, text)
		if len(s.Elements) > 0 {
			fmt.Fprintf(&b, "  Elements: %s\n", strings.Join(s.Elements, "; "))
		}
	}
	writeList(&b, "MARKET SIGNALS", sig.Market)
	writeList(&b, "PRODUCTION NOTES", sig.Production)
	b.WriteString(`
Provide analysis covering:
1. Market potential and trend alignment
2. Design innovation and aesthetic appeal
3. Production feasibility and cost considerations
4. Brand fit
5. Competitive differentiation opportunities

Focus on actionable insights that help decide whether to approve this concept.
`)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
