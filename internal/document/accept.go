package document

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var DefaultAccept = []string{"*.pptx", "*.json", "*.md", "*.txt"}

// Matcher checks document paths against accept globs. Patterns without a
// slash match the base name; others match the whole slash-separated path.
// Matching is case-insensitive.
type Matcher struct {
	patterns []string
}

func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultAccept
	}
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid accept pattern %q", p)
		}
		m.patterns = append(m.patterns, p)
	}
	if len(m.patterns) == 0 {
		return nil, fmt.Errorf("no accept patterns")
	}
	return m, nil
}

func (m *Matcher) Patterns() []string { return append([]string{}, m.patterns...) }

// Check returns an error naming the accepted patterns when path matches none.
func (m *Matcher) Check(path string) error {
	full := strings.ToLower(filepath.ToSlash(path))
	base := strings.ToLower(filepath.Base(path))
	for _, p := range m.patterns {
		target := base
		if strings.Contains(p, "/") {
			target = full
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return nil
		}
	}
	return fmt.Errorf("%s is not an accepted document (accepted: %s)", filepath.Base(path), strings.Join(m.patterns, ", "))
}
