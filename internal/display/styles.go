package display

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

// Color palette
var (
	ColorSuccess = lipgloss.Color("#00D787")
	ColorError   = lipgloss.Color("#FF5F87")
	ColorWarning = lipgloss.Color("#FFAF00")
	ColorInfo    = lipgloss.Color("#5FAFFF")
	ColorMuted   = lipgloss.Color("#888888")
	ColorAccent  = lipgloss.Color("#AF87FF")
)

const (
	barFilled    = "█"
	barEmpty     = "░"
	barWidth     = 20
	defaultWidth = 80
)

// styles are bound to one renderer so color detection follows the writer,
// not the process stdout.
type styles struct {
	success, failure, warning, info, muted, accent, bold, title lipgloss.Style

	barFilled, barEmpty lipgloss.Style

	r *lipgloss.Renderer
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		success:   r.NewStyle().Foreground(ColorSuccess).Bold(true),
		failure:   r.NewStyle().Foreground(ColorError).Bold(true),
		warning:   r.NewStyle().Foreground(ColorWarning).Bold(true),
		info:      r.NewStyle().Foreground(ColorInfo),
		muted:     r.NewStyle().Foreground(ColorMuted),
		accent:    r.NewStyle().Foreground(ColorAccent),
		bold:      r.NewStyle().Bold(true),
		title:     r.NewStyle().Foreground(ColorInfo).Bold(true),
		barFilled: r.NewStyle().Foreground(ColorAccent),
		barEmpty:  r.NewStyle().Foreground(ColorMuted),
		r:         r,
	}
}

func (s styles) box(border lipgloss.Color, width int) lipgloss.Style {
	return s.r.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Width(width - 2)
}

// terminalWidth returns the width of out when it is a terminal, or a default.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(f.Fd()) {
		return defaultWidth
	}
	width, _, err := term.GetSize(f.Fd())
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}
