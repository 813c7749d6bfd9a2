package ui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines all keyboard bindings of the popup.
type keyMap struct {
	Quit         key.Binding
	Help         key.Binding
	ToggleTheme  key.Binding
	Rescan       key.Binding
	ForceRescan  key.Binding
	EditPort     key.Binding
	ToggleButton key.Binding

	// Port entry
	Confirm key.Binding
	Cancel  key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "q"),
			key.WithHelp("q", "Quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?", "h"),
			key.WithHelp("?", "Toggle help"),
		),
		ToggleTheme: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "Toggle theme"),
		),
		Rescan: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "Rescan"),
		),
		ForceRescan: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "Rescan, skip cache"),
		),
		EditPort: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "Set port"),
		),
		ToggleButton: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "Show/hide button"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "Apply"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "Cancel"),
		),
	}
}

// ShortHelp returns key bindings for the short help view.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Rescan, k.EditPort, k.Help, k.Quit}
}

// FullHelp returns key bindings for the full help view.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Rescan, k.ForceRescan, k.EditPort},
		{k.ToggleTheme, k.ToggleButton},
		{k.Help, k.Quit},
	}
}

// editKeys is shown while the port input has focus.
type editKeys struct {
	keyMap
}

func (k editKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Confirm, k.Cancel}
}

func (k editKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
