package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// parsePPTX reads slide text runs out of an Office Open XML presentation.
// Each shape becomes one text block; paragraphs within a shape are joined by
// newlines.
func parsePPTX(data []byte) ([]Slide, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pptx: open archive: %w", err)
	}
	type part struct {
		n int
		f *zip.File
	}
	var parts []part
	for _, f := range zr.File {
		m := slidePartRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		parts = append(parts, part{n: n, f: f})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("pptx: no slides found")
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })

	slides := make([]Slide, 0, len(parts))
	for i, p := range parts {
		rc, err := p.f.Open()
		if err != nil {
			return nil, fmt.Errorf("pptx: open %s: %w", p.f.Name, err)
		}
		texts, err := shapeTexts(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("pptx: %s: %w", p.f.Name, err)
		}
		slides = append(slides, newSlide(i+1, texts))
	}
	return slides, nil
}

func shapeTexts(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		shapes []string
		paras  []string
		para   strings.Builder
		inText bool
		depth  int
	)
	flushShape := func() {
		if len(paras) > 0 {
			shapes = append(shapes, strings.Join(paras, "\n"))
		}
		paras = nil
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp", "graphicFrame":
				depth++
			case "p":
				para.Reset()
			case "t":
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					paras = append(paras, s)
				}
				para.Reset()
			case "sp", "graphicFrame":
				depth--
				if depth == 0 {
					flushShape()
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flushShape()
	return shapes, nil
}
