package tail

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/pubsub"
)

// spinnerFrames animate in the status line while the agent is
// processing.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const (
	spinnerInterval = 80 * time.Millisecond

	// Status line plus its separator, and the footer line.
	headerHeight = 2
	footerHeight = 1
)

var (
	statusWorkingColor = lipgloss.AdaptiveColor{Light: "#54A0FF", Dark: "#54A0FF"}
	statusSuccessColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#43BF6D"}
)

// Messages produced by the model's commands.
type (
	frameMsg        Frame
	streamClosedMsg struct{}
	spinnerTickMsg  time.Time
)

// Model renders one session's live event stream. The SSE client feeds
// the frames channel; the model owns the terminal from there.
type Model struct {
	sessionID string
	frames    <-chan Frame
	logs      *pubsub.ContinuousListener[string]

	viewport viewport.Model
	md       *markdownRenderer
	entries  []entry

	status    string
	connected bool
	closed    bool

	width  int
	height int
	ready  bool

	spinnerFrame int
	spinning     bool
	lastLog      string
}

// New builds a model tailing sessionID from the given frame channel.
func New(sessionID string, frames <-chan Frame) Model {
	return Model{sessionID: sessionID, frames: frames}
}

// WithLogs mirrors the client's own log entries into the footer.
// Useful on debug runs; the logger must not write to the terminal the
// model owns.
func (m Model) WithLogs(logs *pubsub.ContinuousListener[string]) Model {
	m.logs = logs
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitFrame(), m.waitLog())
}

// waitFrame blocks on the next SSE frame. Always re-arm after handling
// a frame, or the stream stalls silently.
func (m Model) waitFrame() tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-m.frames
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg(frame)
	}
}

func (m Model) waitLog() tea.Cmd {
	if m.logs == nil {
		return nil
	}
	return m.logs.Listen()
}

func spinnerTick() tea.Cmd {
	return tea.Tick(spinnerInterval, func(t time.Time) tea.Msg {
		return spinnerTickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpHeight := max(msg.Height-headerHeight-footerHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		if md, err := newMarkdownRenderer(max(msg.Width-4, 10)); err == nil {
			m.md = md
		}
		m.refreshContent()
		return m, nil

	case frameMsg:
		frame := Frame(msg)
		cmds := []tea.Cmd{m.waitFrame()}
		if frame.IsConnection() {
			m.connected = true
			m.status = frame.SessionStatus
		} else {
			m.entries = appendFrame(m.entries, frame)
			m.status = statusAfter(frame, m.status)
			m.refreshContent()
		}
		if m.processing() && !m.spinning {
			m.spinning = true
			cmds = append(cmds, spinnerTick())
		}
		return m, tea.Batch(cmds...)

	case streamClosedMsg:
		m.closed = true
		return m, nil

	case spinnerTickMsg:
		if !m.processing() || m.closed {
			m.spinning = false
			return m, nil
		}
		m.spinnerFrame++
		return m, spinnerTick()

	case pubsub.Event[string]:
		m.lastLog = strings.TrimSpace(msg.Payload)
		return m, m.waitLog()
	}

	return m, nil
}

// statusAfter infers status transitions from the event flow. The
// connection frame is the only explicit status the stream carries, so
// a new prompt flips back to processing and a result frame settles the
// run.
func statusAfter(f Frame, current string) string {
	switch domain.EventType(f.EventType) {
	case domain.EventUser:
		return string(domain.ClaudeProcessing)
	case domain.EventResult:
		if ev, err := claude.ParseStreamEvent(f.Data); err == nil && ev.IsError {
			return string(domain.ClaudeError)
		}
		return string(domain.ClaudeCompleted)
	}
	return current
}

func (m Model) processing() bool {
	return m.connected && !m.closed && m.status == string(domain.ClaudeProcessing)
}

// refreshContent re-renders the transcript into the viewport, keeping
// the view pinned to the bottom unless the user has scrolled away.
func (m *Model) refreshContent() {
	if !m.ready {
		return
	}
	follow := m.viewport.AtBottom()
	m.viewport.SetContent(renderTranscript(m.entries, m.viewport.Width, m.md))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	if !m.ready {
		return m.statusLine() + "\n"
	}
	footer := ""
	if m.lastLog != "" {
		footer = toolStyle.Render(compact(m.lastLog, max(m.width, 10)))
	}
	return m.statusLine() + "\n\n" + m.viewport.View() + "\n" + footer
}

func (m Model) statusLine() string {
	title := roleStyle.Render(m.sessionID)
	switch {
	case m.closed:
		return title + "  " + errorStyle.Render("disconnected, q to quit")
	case !m.connected:
		return title + "  " + toolStyle.Render("connecting")
	}
	return title + "  " + m.renderStatus()
}

func (m Model) renderStatus() string {
	switch domain.ClaudeStatus(m.status) {
	case domain.ClaudeProcessing:
		frame := spinnerFrames[m.spinnerFrame%len(spinnerFrames)]
		return lipgloss.NewStyle().Foreground(statusWorkingColor).Render(frame + " processing")
	case domain.ClaudeWaitingForInput:
		return lipgloss.NewStyle().Foreground(userColor).Render("waiting for input")
	case domain.ClaudeCompleted:
		return lipgloss.NewStyle().Foreground(statusSuccessColor).Render("completed")
	case domain.ClaudeError:
		return errorStyle.Render("error")
	}
	return toolStyle.Render(strings.ReplaceAll(m.status, "_", " "))
}
