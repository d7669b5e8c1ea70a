package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// Setup steps as fractions of the progress bar.
const (
	stepConnecting = 0.15
	stepLinkUp     = 0.5
	stepReady      = 1.0
)

// ProgressState tracks connection setup: link, service discovery and the
// first state report.
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

// Start begins tracking a new setup.
func (p *ProgressState) Start(description string) {
	p.isActive = true
	p.percent = stepConnecting
	p.description = description
}

// Update updates the progress percentage (0.0 to 1.0).
func (p *ProgressState) Update(percent float64, description string) {
	if !p.isActive {
		return
	}
	p.percent = percent
	if description != "" {
		p.description = description
	}
}

// Complete marks setup as complete.
func (p *ProgressState) Complete() {
	p.percent = stepReady
	p.isActive = false
}

// Cancel stops the progress without completing.
func (p *ProgressState) Cancel() {
	p.isActive = false
}

// IsActive returns whether setup is in progress.
func (p *ProgressState) IsActive() bool {
	return p.isActive
}

// Percent returns the current fraction.
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
