package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/rccar/internal/protocol"
)

// KeyMap defines all keybindings for the TUI.
type KeyMap struct {
	Connect  key.Binding
	Forward  key.Binding
	Backward key.Binding
	Left     key.Binding
	Right    key.Binding
	Stop     key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns WASD plus arrow keybindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "connect"),
		),
		Forward: key.NewBinding(
			key.WithKeys("w", "up"),
			key.WithHelp("w/↑", "forward"),
		),
		Backward: key.NewBinding(
			key.WithKeys("s", "down"),
			key.WithHelp("s/↓", "backward"),
		),
		Left: key.NewBinding(
			key.WithKeys("a", "left"),
			key.WithHelp("a/←", "left"),
		),
		Right: key.NewBinding(
			key.WithKeys("d", "right"),
			key.WithHelp("d/→", "right"),
		),
		Stop: key.NewBinding(
			key.WithKeys(" ", "x"),
			key.WithHelp("space/x", "stop"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// driveCommand maps a key to the drive command it sends.
func (k KeyMap) driveCommand(msg tea.KeyMsg) (protocol.Command, bool) {
	switch {
	case key.Matches(msg, k.Forward):
		return protocol.Forward, true
	case key.Matches(msg, k.Backward):
		return protocol.Backward, true
	case key.Matches(msg, k.Left):
		return protocol.Left, true
	case key.Matches(msg, k.Right):
		return protocol.Right, true
	case key.Matches(msg, k.Stop):
		return protocol.Stop, true
	}
	return "", false
}

// ShortHelp returns keybindings to show in the help view (horizontal).
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Connect, k.Forward, k.Backward, k.Left, k.Right, k.Stop, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Forward, k.Backward, k.Left, k.Right, k.Stop},
		{k.Connect, k.Help, k.Quit},
	}
}
