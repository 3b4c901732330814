package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/rccar/internal/session"
)

// ProgressState tracks an in-flight connect.
type ProgressState struct {
	progress    progress.Model
	percent     float64
	description string
	isActive    bool
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{
		progress: p,
	}
}

// Start begins tracking a new operation.
func (p *ProgressState) Start(description string) {
	p.isActive = true
	p.percent = 0
	p.description = description
}

// Update updates the progress percentage (0.0 to 1.0).
func (p *ProgressState) Update(percent float64, description string) {
	p.percent = percent
	if description != "" {
		p.description = description
	}
}

// Step moves the bar to where state sits in the connect sequence.
func (p *ProgressState) Step(state session.State) {
	if !p.isActive {
		return
	}
	percent, desc := connectStep(state)
	if percent < p.percent {
		return
	}
	p.Update(percent, desc)
}

// Complete marks the operation as complete.
func (p *ProgressState) Complete() {
	p.percent = 1.0
	p.isActive = false
}

// Cancel stops the progress without completing.
func (p *ProgressState) Cancel() {
	p.isActive = false
}

// IsActive returns whether an operation is in progress.
func (p *ProgressState) IsActive() bool {
	return p.isActive
}

// Percent returns the current fill (0.0 to 1.0).
func (p *ProgressState) Percent() float64 {
	return p.percent
}

// View renders the progress bar.
func (p ProgressState) View() string {
	if !p.isActive {
		return ""
	}
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	return descStyle.Render(p.description) + "\n" + p.progress.ViewAs(p.percent)
}

// connectStep maps a state to its share of the connect sequence and the
// step that runs next.
func connectStep(state session.State) (float64, string) {
	switch state {
	case session.DeviceFound:
		return 0.2, "Connecting to GATT server..."
	case session.ServerFound:
		return 0.4, "Resolving service..."
	case session.ServiceFound:
		return 0.6, "Resolving characteristic..."
	case session.CharacteristicFound:
		return 0.8, "Starting notifications..."
	case session.Connected:
		return 1.0, "Connected"
	}
	return 0, "Requesting device..."
}
