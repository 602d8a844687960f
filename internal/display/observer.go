// Package display renders pipeline events for a terminal.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/events"
	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// Observer writes one block per event. It is safe to use as an
// events.SinkFunc via Handle.
type Observer struct {
	out   io.Writer
	mu    sync.Mutex
	st    styles
	width int
}

func NewObserver(out io.Writer) *Observer {
	return &Observer{out: out, st: newStyles(out), width: terminalWidth(out)}
}

// Handle renders ev. Write errors are returned so the broadcaster drops a
// broken terminal.
func (o *Observer) Handle(ev events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	text := o.render(ev)
	if text == "" {
		return nil
	}
	_, err := io.WriteString(o.out, text+"\n")
	return err
}

// Prompt writes text without a trailing newline, for reading an answer.
func (o *Observer) Prompt(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	io.WriteString(o.out, o.st.bold.Render(text))
}

// Notice writes one muted line.
func (o *Observer) Notice(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	io.WriteString(o.out, o.st.muted.Render(text)+"\n")
}

func (o *Observer) render(ev events.Event) string {
	switch ev.Type {
	case events.TypeStatus:
		return o.st.muted.Render(fmt.Sprintf("status: %s (%d%%) %s", ev.Run.Status, ev.Run.Progress, ev.Run.CurrentStep))
	case events.TypeProgress:
		if ev.Progress == nil {
			return ""
		}
		return fmt.Sprintf("%s %s %s",
			o.bar(ev.Progress.Percent),
			o.st.bold.Render(fmt.Sprintf("%3d%%", ev.Progress.Percent)),
			ev.Progress.Stage)
	case events.TypeOutput:
		if ev.Output == nil {
			return ""
		}
		return o.renderOutput(*ev.Output)
	case events.TypeApprovalRequested:
		if ev.Approval == nil {
			return ""
		}
		return o.renderApproval(*ev.Approval)
	case events.TypeCompleted:
		if ev.Completed == nil {
			return ""
		}
		var b strings.Builder
		style := o.st.success
		border := ColorSuccess
		if ev.Completed.Outcome == runtime.OutcomeRejected {
			style = o.st.warning
			border = ColorWarning
		}
		b.WriteString(style.Render("Outcome: " + string(ev.Completed.Outcome)))
		if a := ev.Completed.Artifact; a != nil {
			fmt.Fprintf(&b, "\n%s (%s, %d bytes)", a.Path, a.Kind, a.Bytes)
		}
		return o.st.box(border, o.width).Render(b.String())
	case events.TypeError:
		if ev.Error == nil {
			return ""
		}
		return o.st.box(ColorError, o.width).Render(o.st.failure.Render("Run failed") + "\n" + ev.Error.Message)
	}
	return ""
}

func (o *Observer) renderOutput(e runtime.OutputEntry) string {
	source := o.st.accent.Render("[" + e.Source + "]")
	content := e.Content
	switch e.Kind {
	case runtime.OutputSuccess:
		content = o.st.success.Render(content)
	case runtime.OutputWarning:
		content = o.st.warning.Render(content)
	case runtime.OutputError:
		content = o.st.failure.Render(content)
	case runtime.OutputDecision:
		content = o.st.bold.Render(content)
	case runtime.OutputInfo:
		content = o.st.info.Render(content)
	}
	return "   " + source + " " + content
}

func (o *Observer) renderApproval(req approval.Request) string {
	var b strings.Builder
	b.WriteString(o.st.title.Render("Human review requested"))
	b.WriteString("\n\n")
	if strings.TrimSpace(req.Context) != "" {
		b.WriteString(req.Context)
		b.WriteString("\n\n")
	}
	b.WriteString(o.st.bold.Render(req.Question))
	b.WriteString("\n")
	b.WriteString(o.st.muted.Render("request " + req.ID))
	return o.st.box(ColorInfo, o.width).Render(b.String())
}

func (o *Observer) bar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	return o.st.barFilled.Render(strings.Repeat(barFilled, filled)) +
		o.st.barEmpty.Render(strings.Repeat(barEmpty, barWidth-filled))
}
