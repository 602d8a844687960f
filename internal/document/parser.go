package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxDocumentBytes bounds what Parse will read into memory.
const MaxDocumentBytes = 50 << 20

var ErrUnsupportedFormat = errors.New("unsupported document format")

type Parser struct {
	schema *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	s, err := compileDeckSchema()
	if err != nil {
		return nil, fmt.Errorf("compile deck schema: %w", err)
	}
	return &Parser{schema: s}, nil
}

// Parse reads the document at path and returns its slides. The format is
// chosen by extension: .pptx, .json, .md or .txt.
func (p *Parser) Parse(ctx context.Context, path string) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Content{}, err
	}
	if info.Size() > MaxDocumentBytes {
		return Content{}, fmt.Errorf("document %s is %d bytes, limit is %d", filepath.Base(path), info.Size(), MaxDocumentBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, err
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	var slides []Slide
	switch format {
	case "pptx":
		slides, err = parsePPTX(data)
	case "json":
		slides, err = parseJSONDeck(p.schema, data)
	case "md", "markdown", "txt":
		slides = parseMarkdownDeck(data)
	default:
		return Content{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return Content{}, err
	}
	if slides == nil {
		slides = []Slide{}
	}
	return Content{
		Path:     path,
		FileName: filepath.Base(path),
		Format:   format,
		Slides:   slides,
		Digest:   Digest(data),
		ParsedAt: time.Now().UTC(),
	}, nil
}
