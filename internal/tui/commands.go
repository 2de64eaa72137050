package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/shelvd/internal/domain"
)

// TickCmd returns a command that sends a tick after a delay
func TickCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(t time.Time) tea.Msg {
		return TickMsg{}
	})
}

// ClearStatusCmd returns a command that clears status after a delay
func ClearStatusCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(t time.Time) tea.Msg {
		return ClearStatusMsg{}
	})
}

// WaitLocationsCmd returns a command that fires when the position table is built
func WaitLocationsCmd(ready <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ready
		return LocationsReadyMsg{}
	}
}

// GotoCmd jumps the renderer to a position index
func GotoCmd(r domain.Renderer, index int, label string) tea.Cmd {
	return func() tea.Msg {
		if err := r.DisplayIndex(context.Background(), index); err != nil {
			return StatusMsg{Message: "Cannot open " + label + ": " + err.Error(), IsError: true}
		}
		return StatusMsg{Message: label}
	}
}
