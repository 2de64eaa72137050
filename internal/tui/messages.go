package tui

import "github.com/mmcdole/shelvd/internal/domain"

// RelocatedMsg is sent when the renderer reports a new visible position
type RelocatedMsg struct {
	Relocation domain.Relocation
}

// LocationsReadyMsg is sent once the position table has been built
type LocationsReadyMsg struct{}

// TickMsg refreshes the sync indicator
type TickMsg struct{}

// StatusMsg sets a temporary status message
type StatusMsg struct {
	Message string
	IsError bool
}

// ClearStatusMsg clears the status bar message
type ClearStatusMsg struct{}
