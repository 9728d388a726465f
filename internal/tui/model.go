package tui

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/aigent/internal/agent"
	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/session"
)

type (
	tickMsg time.Time

	// fragmentMsg carries one streamed fragment. ch identifies the
	// generation it belongs to so late fragments can be discarded.
	fragmentMsg struct {
		ch   <-chan string
		text string
	}

	generationDoneMsg struct {
		user    string
		outcome agent.Outcome
		err     error
	}

	commandDoneMsg struct {
		reply Reply
	}

	busEventMsg events.Event
)

// Options configures a Model.
type Options struct {
	Session *Session
	Bus     *events.Bus
	Logger  *slog.Logger
	// TickInterval paces the thinking animation. Defaults to 120ms.
	TickInterval time.Duration
}

// Model is the bubbletea model for an interactive session.
type Model struct {
	ctx    context.Context
	sess   *Session
	logger *slog.Logger
	bus    *events.Bus
	busCh  <-chan events.Event
	tick   time.Duration

	input    textarea.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer

	transcript []transcriptLine
	// streaming indexes the in-progress reply line, or -1.
	streaming int
	fragments <-chan string

	state          session.State
	phase          int
	commandRunning bool
	showSidebar    bool
	activity       []string
	status         string

	width, height int
	quitting      bool
}

// New creates a session model. ctx bounds every generation started
// from it.
func New(ctx context.Context, opts Options) Model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = 120 * time.Millisecond
	}

	ta := textarea.New()
	ta.Placeholder = "Message aigent, or /help"
	ta.Prompt = "› "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	ta.Focus()

	vp := viewport.New(80, 20)
	vp.MouseWheelEnabled = true
	vp.MouseWheelDelta = 3

	m := Model{
		ctx:       ctx,
		sess:      opts.Session,
		logger:    logger,
		bus:       opts.Bus,
		tick:      tick,
		input:     ta,
		viewport:  vp,
		renderer:  newRenderer(vp.Width),
		streaming: -1,
		state:     session.Idle,
		transcript: []transcriptLine{
			{kind: lineSystem, text: "aigent ready. /help lists commands; include /fallback in a message to use the hosted model."},
		},
	}
	if m.bus != nil {
		m.busCh = m.bus.Subscribe(busQueue)
	}
	m.refreshTranscript()
	return m
}

// Init starts the tick and the activity feed.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, tickEvery(m.tick), waitForEvent(m.busCh))
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForFragment reads one fragment. It returns nil once the channel
// is closed, which ends the chain.
func waitForFragment(ch <-chan string) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		text, ok := <-ch
		if !ok {
			return nil
		}
		return fragmentMsg{ch: ch, text: text}
	}
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return busEventMsg(e)
	}
}

// Update handles one event.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case tickMsg:
		if m.state == session.AwaitingGeneration {
			m.phase++
		}
		cmds = append(cmds, tickEvery(m.tick))

	case fragmentMsg:
		if msg.ch != m.fragments || m.streaming < 0 {
			break
		}
		m.transcript[m.streaming].text += msg.text
		m.refreshTranscript()
		cmds = append(cmds, waitForFragment(m.fragments))

	case generationDoneMsg:
		m.finishGeneration(msg)

	case commandDoneMsg:
		m.commandRunning = false
		if msg.reply.Clear {
			m.transcript = nil
		}
		for _, l := range msg.reply.Lines {
			m.transcript = append(m.transcript, transcriptLine{kind: lineSystem, text: l})
		}
		m.refreshTranscript()
		if msg.reply.Exit {
			return m.quit()
		}

	case busEventMsg:
		m.activity = append(m.activity, formatEvent(events.Event(msg)))
		if len(m.activity) > maxActivity {
			m.activity = m.activity[len(m.activity)-maxActivity:]
		}
		cmds = append(cmds, waitForEvent(m.busCh))

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m.quit()
		case "ctrl+s":
			m.showSidebar = !m.showSidebar
			m.layout()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		case "tab":
			if sugg := Suggestions(m.input.Value()); len(sugg) > 0 {
				m.input.SetValue(sugg[0])
				m.input.CursorEnd()
			}
		case "enter":
			var cmd tea.Cmd
			m, cmd = m.submit()
			cmds = append(cmds, cmd)
		default:
			m.status = ""
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) submit() (Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if m.state == session.AwaitingGeneration {
		m.status = "still thinking, wait for the reply before sending"
		return m, nil
	}
	if m.commandRunning {
		m.status = "a command is still running"
		return m, nil
	}
	m.input.Reset()
	m.status = ""

	if IsCommand(text) {
		m.commandRunning = true
		m.transcript = append(m.transcript, transcriptLine{kind: lineUser, text: text})
		m.refreshTranscript()
		sess, ctx := m.sess, m.ctx
		return m, func() tea.Msg {
			reply, _ := sess.Command(ctx, text)
			return commandDoneMsg{reply: reply}
		}
	}

	frags := make(chan string, fragmentQueue)
	m.fragments = frags
	m.state = session.AwaitingGeneration
	m.phase = 0
	m.transcript = append(m.transcript,
		transcriptLine{kind: lineUser, text: text},
		transcriptLine{kind: lineStreaming},
	)
	m.streaming = len(m.transcript) - 1
	m.viewport.GotoBottom()
	m.refreshTranscript()

	return m, tea.Batch(m.generate(text, frags), waitForFragment(frags))
}

// generate runs the turn off the event loop. The fragment channel is
// closed once the provider call has returned, so no send can follow.
func (m Model) generate(message string, frags chan string) tea.Cmd {
	sess, ctx := m.sess, m.ctx
	return func() tea.Msg {
		defer close(frags)
		out, err := sess.Generate(ctx, message, frags)
		return generationDoneMsg{user: message, outcome: out, err: err}
	}
}

func (m *Model) finishGeneration(msg generationDoneMsg) {
	m.state = session.Idle
	m.fragments = nil

	var line transcriptLine
	if msg.err != nil {
		m.logger.Error("turn failed", "error", msg.err)
		line = transcriptLine{kind: lineError, text: "aigent> error: " + msg.err.Error()}
	} else {
		m.sess.Complete(msg.user, msg.outcome)
		line = transcriptLine{kind: lineAssistant, text: msg.outcome.Text}
		m.status = "served by " + msg.outcome.ServedBy.String() + " (" + msg.outcome.Model + ")"
	}

	if m.streaming >= 0 && m.streaming < len(m.transcript) {
		m.transcript[m.streaming] = line
	} else {
		m.transcript = append(m.transcript, line)
	}
	m.streaming = -1
	m.refreshTranscript()
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if m.bus != nil && m.busCh != nil {
		m.bus.Unsubscribe(m.busCh)
	}
	return m, tea.Quit
}

// layout sizes the viewport and input to the window.
func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	width := m.width
	if m.showSidebar {
		width -= sidebarWidth + 2
	}
	if width < 20 {
		width = 20
	}
	// header, status line, input
	height := m.height - 2 - inputHeight
	if height < 3 {
		height = 3
	}

	if width != m.viewport.Width {
		m.renderer = newRenderer(width)
		for i := range m.transcript {
			m.transcript[i].rendered = ""
		}
	}
	m.viewport.Width = width
	m.viewport.Height = height
	m.input.SetWidth(m.width)
	m.refreshTranscript()
}

// View renders the screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	body := m.viewport.View()
	if m.showSidebar {
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, m.sidebar())
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		body,
		m.statusLine(),
		m.input.View(),
	)
}
