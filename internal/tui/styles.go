package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all the lipgloss styles for the TUI.
type Styles struct {
	App lipgloss.Style

	Title    lipgloss.Style
	Subtitle lipgloss.Style

	// Device list
	Item         lipgloss.Style
	ItemSelected lipgloss.Style
	ItemDim      lipgloss.Style

	StatusOnline  lipgloss.Style
	StatusOffline lipgloss.Style

	// Credentials form
	InputLabel   lipgloss.Style
	InputFocused lipgloss.Style
	Form         lipgloss.Style

	Content   lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	dim := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	text := lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}

	return Styles{
		App: lipgloss.NewStyle().Padding(1, 2),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),

		Subtitle: lipgloss.NewStyle().Foreground(dim),

		Item: lipgloss.NewStyle(),

		ItemSelected: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		ItemDim: lipgloss.NewStyle().
			Foreground(dim).
			PaddingLeft(4),

		StatusOnline: lipgloss.NewStyle().
			Foreground(special).
			Bold(true),

		StatusOffline: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true),

		InputLabel: lipgloss.NewStyle().
			Foreground(dim).
			Width(12),

		InputFocused: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true).
			Width(12),

		Form: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle).
			Padding(1, 2),

		Content: lipgloss.NewStyle().Padding(1, 0),

		Label: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}).
			Width(16),

		Value: lipgloss.NewStyle().Foreground(text),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().Foreground(dim),

		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),

		Success: lipgloss.NewStyle().Foreground(special),

		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFCC00")),

		Help: lipgloss.NewStyle().
			Foreground(dim).
			MarginTop(1),
	}
}
