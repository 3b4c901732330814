package tui

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/rccar/internal/config"
)

// Run starts the TUI application. With verbose output on, debug tracing
// goes to logFile (or rccar-debug.log) so it does not tear the screen.
func Run(ctrl Controller, opts Options, logFile string) error {
	if config.Verbose {
		if logFile == "" {
			logFile = "rccar-debug.log"
		}
		f, err := tea.LogToFile(logFile, "rccar")
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		config.SetOutput(f)
		defer config.SetOutput(os.Stdout)
	}

	m := NewModel(ctrl, opts)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}

	return nil
}
