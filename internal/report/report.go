// Package report renders and saves the terminal decision documents: an
// approved-concept report or a rejection notice.
package report

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/fanout"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

//go:embed approved.md.tmpl
var approvedTemplate string

//go:embed rejected.md.tmpl
var rejectedTemplate string

const (
	KindApproved  = "approved_report"
	KindRejection = "rejection_notice"

	maxListedElements = 10
)

// Input is everything a decision document can draw on.
type Input struct {
	RunID    string
	Content  document.Content
	Analysis fanout.ConsolidatedResult
	Summary  string
	Decision approval.Decision
}

type view struct {
	Input
	Company      string
	FileName     string
	SlideCount   int
	ElementCount int
	Elements     []string
	GeneratedAt  time.Time
}

// Writer renders reports into Dir.
type Writer struct {
	Dir     string
	Company string
	Now     func() time.Time

	approved *template.Template
	rejected *template.Template
}

func NewWriter(dir, company string) (*Writer, error) {
	if strings.TrimSpace(company) == "" {
		company = "Zava"
	}
	funcs := template.FuncMap{
		"inc":       func(i int) int { return i + 1 },
		"humanize":  fanout.HumanizeLabel,
		"longDate":  func(t time.Time) string { return t.Format("January 02, 2006 at 03:04 PM") },
		"shortDate": func(t time.Time) string { return t.Format("January 02, 2006") },
		"excerpt":   excerpt,
	}
	approved, err := template.New("approved").Funcs(funcs).Parse(approvedTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse approved template: %w", err)
	}
	rejected, err := template.New("rejected").Funcs(funcs).Parse(rejectedTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse rejection template: %w", err)
	}
	return &Writer{Dir: dir, Company: company, approved: approved, rejected: rejected}, nil
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) WriteApproved(ctx context.Context, in Input) (runtime.ArtifactRef, error) {
	return w.write(ctx, w.approved, in, "approved_concept", KindApproved)
}

func (w *Writer) WriteRejected(ctx context.Context, in Input) (runtime.ArtifactRef, error) {
	return w.write(ctx, w.rejected, in, "concept_rejection", KindRejection)
}

func (w *Writer) write(ctx context.Context, tmpl *template.Template, in Input, suffix, kind string) (runtime.ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return runtime.ArtifactRef{}, err
	}
	now := w.now()
	v := view{
		Input:        in,
		Company:      w.Company,
		FileName:     in.Content.FileName,
		SlideCount:   len(in.Content.Slides),
		ElementCount: in.Content.ElementCount(),
		GeneratedAt:  now,
	}
	if v.FileName == "" {
		v.FileName = "Unknown"
	}
	for _, s := range in.Content.Slides {
		v.Elements = append(v.Elements, s.Elements...)
	}
	if len(v.Elements) > maxListedElements {
		v.Elements = v.Elements[:maxListedElements]
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return runtime.ArtifactRef{}, fmt.Errorf("render %s: %w", kind, err)
	}

	dir := w.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runtime.ArtifactRef{}, err
	}
	prefix := slug(w.Company) + "_" + suffix + "_" + now.Format("20060102_150405")
	path, err := createUnique(dir, prefix, buf.Bytes())
	if err != nil {
		return runtime.ArtifactRef{}, err
	}
	return runtime.ArtifactRef{
		Path:   path,
		Kind:   kind,
		Bytes:  buf.Len(),
		Digest: document.Digest(buf.Bytes()),
	}, nil
}

// createUnique writes data to <prefix>.md, adding _2, _3... when a report
// from the same second already exists.
func createUnique(dir, prefix string, data []byte) (string, error) {
	for n := 1; n < 100; n++ {
		name := prefix + ".md"
		if n > 1 {
			name = fmt.Sprintf("%s_%d.md", prefix, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("could not allocate a report file name for %s", prefix)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if s == "" {
		return "report"
	}
	return s
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
