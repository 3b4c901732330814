package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/rccar/internal/protocol"
	"github.com/vitaminmoo/rccar/internal/session"
)

// Controller is the part of a session the TUI drives.
type Controller interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, cmd protocol.Command) error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Event, func())
}

const (
	defaultWidth    = 60
	messageRows     = 10
	sendTimeout     = 2 * time.Second
	minMessageWidth = 20
)

// Model is the main Bubbletea model for the TUI.
type Model struct {
	ctrl        Controller
	events      <-chan session.Event
	unsubscribe func()
	scanTimeout time.Duration
	autoConnect bool

	width  int
	height int

	// Data
	snap       session.Snapshot
	connecting bool
	lastSent   protocol.Command
	statusMsg  string

	// Components
	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	progress ProgressState
	messages viewport.Model
	styles   Styles
}

// Options tunes the TUI.
type Options struct {
	// ScanTimeout bounds a connect attempt; zero means no limit.
	ScanTimeout time.Duration
	// AutoConnect starts connecting on launch.
	AutoConnect bool
}

// --- Custom messages for async operations ---

// sessionEventMsg delivers one session event.
type sessionEventMsg struct {
	event session.Event
}

// sessionClosedMsg signals the event channel closed.
type sessionClosedMsg struct{}

// connectMsg signals connection attempt result.
type connectMsg struct {
	err error
}

// sendMsg signals a drive command write finished.
type sendMsg struct {
	cmd protocol.Command
	err error
}

// NewModel builds the control panel for ctrl and subscribes to its events.
func NewModel(ctrl Controller, opts Options) Model {
	h := help.New()
	h.ShowAll = false // Use ShortHelp for horizontal layout

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	events, unsubscribe := ctrl.Subscribe()

	m := Model{
		ctrl:        ctrl,
		events:      events,
		unsubscribe: unsubscribe,
		scanTimeout: opts.ScanTimeout,
		autoConnect: opts.AutoConnect,
		width:       defaultWidth,
		snap:        ctrl.Snapshot(),
		keys:        DefaultKeyMap(),
		help:        h,
		spinner:     s,
		progress:    NewProgressState(),
		messages:    viewport.New(defaultWidth, messageRows),
		styles:      DefaultStyles(),
	}
	m.refreshMessages()
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForEventCmd(m.events), m.spinner.Tick}
	if m.autoConnect {
		cmds = append(cmds, func() tea.Msg { return connectKeyMsg() })
	}
	return tea.Batch(cmds...)
}

// connectKeyMsg replays the connect key so auto-connect shares its path.
func connectKeyMsg() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}}
}

// Close cancels the event subscription.
func (m Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.messages.Width = max(msg.Width-8, minMessageWidth)
		m.refreshMessages()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sessionEventMsg:
		m.applyEvent(msg.event)
		return m, waitForEventCmd(m.events)

	case sessionClosedMsg:
		m.statusMsg = "Session closed"
		return m, nil

	case connectMsg:
		m.connecting = false
		m.snap = m.ctrl.Snapshot()
		m.refreshMessages()
		if msg.err != nil {
			m.progress.Cancel()
			m.statusMsg = ""
			return m, nil
		}
		m.progress.Complete()
		m.statusMsg = "Connected"
		return m, nil

	case sendMsg:
		if msg.err != nil {
			m.snap = m.ctrl.Snapshot()
			m.statusMsg = fmt.Sprintf("Send %s failed", msg.cmd.Name())
			return m, nil
		}
		m.lastSent = msg.cmd
		return m, nil
	}

	return m, nil
}

// applyEvent folds one session event into the view. The snapshot is
// re-read so an event dropped for a slow reader cannot leave stale state.
func (m *Model) applyEvent(ev session.Event) {
	m.snap = m.ctrl.Snapshot()
	switch ev.Kind {
	case session.StateChanged:
		m.progress.Step(ev.State)
		if ev.State == session.Disconnected {
			m.statusMsg = "Device disconnected"
		}
	case session.LineReceived, session.DataReceived:
		m.refreshMessages()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		if m.connecting {
			return m, nil
		}
		m.connecting = true
		m.statusMsg = "Searching..."
		m.progress.Start("Requesting device...")
		return m, tea.Batch(connectCmd(m.ctrl, m.scanTimeout), m.spinner.Tick)
	}

	if cmd, ok := m.keys.driveCommand(msg); ok {
		if m.snap.State != session.Connected {
			return m, nil
		}
		return m, sendCmd(m.ctrl, cmd)
	}

	return m, nil
}

func (m *Model) refreshMessages() {
	var b strings.Builder
	for i, line := range m.snap.Lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.styles.Message.Render(line))
	}
	if m.snap.Pending != "" {
		if len(m.snap.Lines) > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.styles.Pending.Render(m.snap.Pending))
	}
	m.messages.SetContent(b.String())
	m.messages.GotoBottom()
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Car Control Center"))
	b.WriteString("\n\n")

	b.WriteString(m.renderField("State", m.snap.State.String()))
	b.WriteString("\n")
	if m.snap.DeviceName != "" || m.snap.DeviceID != "" {
		b.WriteString(m.renderField("Device", strings.TrimSpace(m.snap.DeviceName+" "+m.snap.DeviceID)))
		b.WriteString("\n")
	}
	if m.snap.Err != "" {
		b.WriteString(m.styles.Label.Render("Error"))
		b.WriteString(m.styles.Error.Render(m.snap.Err))
		b.WriteString("\n")
	}
	if m.statusMsg != "" {
		b.WriteString(m.styles.Muted.Render(m.statusMsg))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.progress.IsActive() {
		b.WriteString(m.progress.View())
		b.WriteString("\n\n")
	}

	if m.snap.State == session.Connected {
		b.WriteString(m.styles.Subtitle.Render("Messages"))
		b.WriteString("\n")
		b.WriteString(m.styles.MessageBox.Render(m.messages.View()))
		b.WriteString("\n\n")
		b.WriteString(m.renderControls())
		b.WriteString("\n")
	} else if !m.connecting {
		connectKey := m.keys.Connect.Help().Key
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("Press '%s' to connect", connectKey)))
		b.WriteString("\n")
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))
	return m.styles.App.Render(b.String() + "\n" + helpView)
}

// renderTitleBar renders the title with connection status.
func (m Model) renderTitleBar(title string) string {
	parts := []string{m.styles.Title.Render(title)}

	switch {
	case m.connecting:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Connecting..."))
	case m.snap.State == session.Connected:
		parts = append(parts, m.styles.StatusOnline.Render("● Online"))
	default:
		parts = append(parts, m.styles.StatusOffline.Render("○ Offline"))
	}

	return strings.Join(parts, "  ")
}

// renderControls draws the direction pad, highlighting the last command.
func (m Model) renderControls() string {
	pad := func(cmd protocol.Command) string {
		style := m.styles.Control
		if cmd == m.lastSent {
			style = m.styles.ControlActive
		}
		return style.Render(string(cmd))
	}
	blank := lipgloss.NewStyle().Width(5).Render("")

	rows := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, blank, pad(protocol.Forward), blank),
		lipgloss.JoinHorizontal(lipgloss.Top, pad(protocol.Left), pad(protocol.Stop), pad(protocol.Right)),
		lipgloss.JoinHorizontal(lipgloss.Top, blank, pad(protocol.Backward), blank),
	}
	grid := lipgloss.JoinVertical(lipgloss.Left, rows...)

	last := "none"
	if m.lastSent != "" {
		last = m.lastSent.Name()
	}
	return grid + "\n" + m.renderField("Last sent", last)
}

func (m Model) renderField(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value)
}

// --- Commands ---

// waitForEventCmd blocks on the next session event.
func waitForEventCmd(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return sessionClosedMsg{}
		}
		return sessionEventMsg{event: ev}
	}
}

func connectCmd(ctrl Controller, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return connectMsg{err: ctrl.Connect(ctx)}
	}
}

func sendCmd(ctrl Controller, cmd protocol.Command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return sendMsg{cmd: cmd, err: ctrl.Send(ctx, cmd)}
	}
}
