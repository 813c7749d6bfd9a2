package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/five82/tether/internal/state"
)

// Theme defines the colors of the popup.
type Theme struct {
	Name state.Theme

	Background string
	Surface    string

	Border      string
	BorderFocus string

	Text    string
	Muted   string
	Faint   string
	Accent  string
	Success string
	Warning string
	Danger  string
	Info    string

	StatusColors map[state.ServerStatus]string
}

// Styles returns Lipgloss styles for this theme.
func (t Theme) Styles() Styles {
	return Styles{
		Frame: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(t.Border)).
			Padding(0, 1),

		Title: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Accent)).
			Bold(true),

		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Muted)).
			Width(labelWidth),

		Text: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Text)),

		FaintText: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Faint)),

		SuccessText: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Success)).
			Bold(true),

		WarningText: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Warning)),

		DangerText: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Danger)).
			Bold(true),

		InfoText: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Info)),

		Input: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(t.BorderFocus)).
			Padding(0, 1),

		statusColors: t.StatusColors,
		background:   t.Background,
		muted:        t.Muted,
	}
}

// Styles contains pre-built Lipgloss styles for the theme.
type Styles struct {
	Frame lipgloss.Style
	Title lipgloss.Style
	Label lipgloss.Style
	Input lipgloss.Style

	Text        lipgloss.Style
	FaintText   lipgloss.Style
	SuccessText lipgloss.Style
	WarningText lipgloss.Style
	DangerText  lipgloss.Style
	InfoText    lipgloss.Style

	statusColors map[state.ServerStatus]string
	background   string
	muted        string
}

// StatusStyle returns the badge style for a server status.
func (s Styles) StatusStyle(status state.ServerStatus) lipgloss.Style {
	color := s.statusColors[status]
	if color == "" {
		color = s.muted
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color(s.background)).
		Background(lipgloss.Color(color)).
		Bold(true).
		Padding(0, 1)
}

var themes = map[state.Theme]Theme{
	state.ThemeDark:  nightfoxTheme(),
	state.ThemeLight: dayfoxTheme(),
}

// GetTheme returns the palette for a persisted theme, dark when unknown.
func GetTheme(name state.Theme) Theme {
	if t, ok := themes[name]; ok {
		return t
	}
	return nightfoxTheme()
}

func nightfoxTheme() Theme {
	// Nightfox palette: https://github.com/EdenEast/nightfox.nvim
	return Theme{
		Name: state.ThemeDark,

		Background: "#131a24", // bg0
		Surface:    "#192330", // bg1

		Border:      "#39506d", // bg4
		BorderFocus: "#719cd6", // blue

		Text:    "#cdcecf", // fg1
		Muted:   "#738091", // comment
		Faint:   "#71839b", // fg3
		Accent:  "#719cd6", // blue
		Success: "#81b29a", // green
		Warning: "#dbc074", // yellow
		Danger:  "#c94f6d", // red
		Info:    "#63cdcf", // cyan

		StatusColors: map[state.ServerStatus]string{
			state.StatusConnected:    "#81b29a",
			state.StatusChecking:     "#dbc074",
			state.StatusDisconnected: "#c94f6d",
		},
	}
}

func dayfoxTheme() Theme {
	// Dayfox, the light variant of the same palette.
	return Theme{
		Name: state.ThemeLight,

		Background: "#f6f2ee", // bg1
		Surface:    "#e4dcd4", // bg0

		Border:      "#d3c7bb", // bg4
		BorderFocus: "#2848a9", // blue

		Text:    "#3d2b5a", // fg1
		Muted:   "#837a72", // comment
		Faint:   "#a8a3b3", // fg3
		Accent:  "#2848a9", // blue
		Success: "#396847", // green
		Warning: "#ac5402", // yellow
		Danger:  "#a5222f", // red
		Info:    "#287980", // cyan

		StatusColors: map[state.ServerStatus]string{
			state.StatusConnected:    "#396847",
			state.StatusChecking:     "#ac5402",
			state.StatusDisconnected: "#a5222f",
		},
	}
}
