package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all key bindings for the reader
type KeyMap struct {
	NextPage key.Binding
	PrevPage key.Binding
	Start    key.Binding
	Contents key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default key bindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		NextPage: key.NewBinding(
			key.WithKeys("l", "right", "j", "down", " ", "pgdown"),
			key.WithHelp("l/→/space", "next page"),
		),
		PrevPage: key.NewBinding(
			key.WithKeys("h", "left", "k", "up", "b", "pgup"),
			key.WithHelp("h/←/b", "previous page"),
		),
		Start: key.NewBinding(
			key.WithKeys("g", "home"),
			key.WithHelp("g", "go to start"),
		),
		Contents: key.NewBinding(
			key.WithKeys("t", "/"),
			key.WithHelp("t", "contents"),
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

// ShortHelp returns the bindings shown in the footer
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPage, k.PrevPage, k.Contents, k.Quit}
}

// FullHelp returns every binding grouped for the help overlay
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.NextPage, k.PrevPage, k.Start},
		{k.Contents, k.Help, k.Quit},
	}
}
