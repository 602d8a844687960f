// Package document turns submitted proposal decks into slide text.
package document

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ElementKeywords mark a text block as a concept element worth calling out.
var ElementKeywords = []string{
	"fabric", "material", "design", "collection", "style", "trend", "season",
	"color", "pattern", "fit", "size", "target audience", "market",
}

type Slide struct {
	Number   int      `json:"slide_number"`
	Texts    []string `json:"text_content"`
	Elements []string `json:"concept_elements"`
}

func (s Slide) Text() string { return strings.Join(s.Texts, " ") }

// Content is the structured result of parsing one document.
type Content struct {
	Path     string    `json:"path"`
	FileName string    `json:"file_name"`
	Format   string    `json:"format"`
	Slides   []Slide   `json:"slides"`
	Digest   string    `json:"digest"`
	ParsedAt time.Time `json:"parsed_at"`
}

// ElementCount is the number of concept elements across all slides.
func (c Content) ElementCount() int {
	n := 0
	for _, s := range c.Slides {
		n += len(s.Elements)
	}
	return n
}

func (c Content) Text() string {
	var b strings.Builder
	for i, s := range c.Slides {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Text())
	}
	return b.String()
}

// newSlide trims texts, drops empties and tags concept elements.
func newSlide(number int, texts []string) Slide {
	s := Slide{Number: number, Texts: []string{}, Elements: []string{}}
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		s.Texts = append(s.Texts, t)
		if containsAny(t, ElementKeywords) {
			s.Elements = append(s.Elements, t)
		}
	}
	return s
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Digest returns the hex blake3 sum of b.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
