package document

import (
	"bufio"
	"bytes"
	"strings"
)

// parseMarkdownDeck splits text on lines that are exactly "---". Each
// non-blank line of a section is one text block, with heading and bullet
// markers stripped.
func parseMarkdownDeck(data []byte) []Slide {
	var (
		slides  []Slide
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		slides = append(slides, newSlide(len(slides)+1, current))
		current = nil
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "---" {
			flush()
			continue
		}
		line = strings.TrimLeft(line, "#")
		line = strings.TrimPrefix(strings.TrimSpace(line), "- ")
		line = strings.TrimPrefix(line, "* ")
		if line = strings.TrimSpace(line); line != "" {
			current = append(current, line)
		}
	}
	flush()
	return slides
}
