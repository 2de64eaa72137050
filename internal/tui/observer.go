package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/shelvd/internal/domain"
)

// ChannelObserver adapts renderer relocation callbacks to a channel for Bubble Tea.
type ChannelObserver struct {
	ch chan domain.Relocation
}

// NewChannelObserver creates a new channel-based observer.
func NewChannelObserver(size int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan domain.Relocation, size)}
}

// OnRelocated sends the event to the channel (non-blocking if full).
func (o *ChannelObserver) OnRelocated(rel domain.Relocation) {
	select {
	case o.ch <- rel:
	default: // the view redraws from the renderer anyway
	}
}

// Listen returns a command that delivers the next relocation
func (o *ChannelObserver) Listen() tea.Cmd {
	return func() tea.Msg {
		return RelocatedMsg{Relocation: <-o.ch}
	}
}
