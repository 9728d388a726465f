package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/session"
)

const (
	sidebarWidth  = 34
	inputHeight   = 3
	maxActivity   = 50
	fragmentQueue = 64
	busQueue      = 64
)

// thinkingFrames animate the header while a generation is in flight.
var thinkingFrames = spinner.MiniDot.Frames

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Faint(true)
	sidebarStyle   = lipgloss.NewStyle().
			Width(sidebarWidth).
			PaddingLeft(1).
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("8"))
)

type lineKind int

const (
	lineSystem lineKind = iota
	lineUser
	lineAssistant
	lineStreaming
	lineError
)

type transcriptLine struct {
	kind lineKind
	text string
	// rendered caches the glamour output of an assistant line.
	rendered string
}

// newRenderer returns a markdown renderer wrapping at width, or nil when
// glamour cannot be initialized. Callers fall back to raw text.
func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

func (m *Model) renderLine(l *transcriptLine) string {
	switch l.kind {
	case lineUser:
		return userStyle.Render("you> ") + l.text
	case lineStreaming:
		if l.text == "" {
			return assistantStyle.Render("aigent> ") + systemStyle.Render("…")
		}
		return assistantStyle.Render("aigent> ") + l.text
	case lineAssistant:
		if l.rendered == "" {
			l.rendered = l.text
			if m.renderer != nil {
				if out, err := m.renderer.Render(l.text); err == nil {
					l.rendered = strings.Trim(out, "\n")
				}
			}
		}
		return assistantStyle.Render("aigent>") + "\n" + l.rendered
	case lineError:
		return errorStyle.Render(l.text)
	default:
		return systemStyle.Render(l.text)
	}
}

// refreshTranscript rebuilds the viewport content, following the tail
// when the view was already at the bottom.
func (m *Model) refreshTranscript() {
	follow := m.viewport.AtBottom() || m.viewport.TotalLineCount() == 0
	parts := make([]string, 0, len(m.transcript))
	for i := range m.transcript {
		parts = append(parts, m.renderLine(&m.transcript[i]))
	}
	m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(parts, "\n")))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) header() string {
	settings := m.sess.Settings()
	state := m.state.String()
	if m.state == session.AwaitingGeneration {
		state = thinkingFrames[m.phase%len(thinkingFrames)] + " " + state
	}
	return headerStyle.Render(fmt.Sprintf("aigent • %s • %s • %s",
		settings.Provider, settings.ActiveModel(), state))
}

func (m Model) sidebar() string {
	ring := m.sess.Ring()
	var b strings.Builder
	b.WriteString(headerStyle.Render("activity"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "turns %d/%d\n", ring.Len(), ring.Cap())
	header := 3
	if st, ok := m.sess.Reachability(); ok {
		b.WriteString(st.String())
		b.WriteString("\n")
		header++
	}
	b.WriteString("\n")

	height := m.viewport.Height - header
	start := 0
	if len(m.activity) > height && height > 0 {
		start = len(m.activity) - height
	}
	for _, a := range m.activity[start:] {
		b.WriteString(systemStyle.Render(a))
		b.WriteString("\n")
	}
	return sidebarStyle.Height(m.viewport.Height).Render(strings.TrimRight(b.String(), "\n"))
}

func formatEvent(e events.Event) string {
	s := fmt.Sprintf("%s %s/%s", e.Timestamp.Format("15:04:05"), e.Source, e.Kind)
	for _, key := range []string{"provider", "served_by", "source"} {
		if v, ok := e.Data[key]; ok {
			s += fmt.Sprintf(" %v", v)
			break
		}
	}
	return oneLine(s, sidebarWidth-2)
}

func (m Model) statusLine() string {
	if m.status != "" {
		return statusStyle.Render(m.status)
	}
	if sugg := Suggestions(m.input.Value()); len(sugg) > 0 {
		return statusStyle.Render(strings.Join(sugg, "   "))
	}
	return statusStyle.Render("enter send • alt+enter newline • ctrl+s activity • pgup/pgdn scroll • esc quit")
}
