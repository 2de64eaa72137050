package components

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/tui/styles"
)

// ChapterFinder returns the chapters matching a query, best first
type ChapterFinder interface {
	Find(query string) []domain.TOCEntry
}

const (
	tocModalWidth = 44
	tocMaxRows    = 10
)

// TOCModal is a filterable table of contents
type TOCModal struct {
	visible  bool
	input    textinput.Model
	finder   ChapterFinder
	matches  []domain.TOCEntry
	selected int
}

// NewTOCModal creates a new contents modal
func NewTOCModal(finder ChapterFinder) TOCModal {
	ti := textinput.New()
	ti.Placeholder = "Chapter title..."
	ti.CharLimit = 80
	ti.Width = tocModalWidth - 2
	ti.Prompt = "/ "
	ti.PromptStyle = styles.AccentStyle
	ti.TextStyle = lipgloss.NewStyle().Foreground(styles.White)
	ti.PlaceholderStyle = styles.DimStyle

	return TOCModal{
		input:  ti,
		finder: finder,
	}
}

// Show displays the modal with every chapter listed
func (m *TOCModal) Show() {
	m.visible = true
	m.input.SetValue("")
	m.input.Focus()
	m.refresh()
}

// Hide dismisses the modal
func (m *TOCModal) Hide() {
	m.visible = false
	m.input.Blur()
}

// IsVisible returns whether the modal is shown
func (m TOCModal) IsVisible() bool {
	return m.visible
}

// Matches returns the chapters currently listed
func (m TOCModal) Matches() []domain.TOCEntry {
	return m.matches
}

// Selected returns the highlighted chapter
func (m TOCModal) Selected() (domain.TOCEntry, bool) {
	if m.selected < 0 || m.selected >= len(m.matches) {
		return domain.TOCEntry{}, false
	}
	return m.matches[m.selected], true
}

func (m *TOCModal) refresh() {
	if m.finder == nil {
		m.matches = nil
	} else {
		m.matches = m.finder.Find(m.input.Value())
	}
	m.selected = 0
}

// Update handles input events, returns (modal, cmd, submitted)
func (m TOCModal) Update(msg tea.Msg) (TOCModal, tea.Cmd, bool) {
	if !m.visible {
		return m, nil, false
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "enter":
			_, ok := m.Selected()
			if ok {
				m.Hide()
			}
			return m, nil, ok
		case "esc":
			m.Hide()
			return m, nil, false
		case "up", "ctrl+p", "ctrl+k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil, false
		case "down", "ctrl+n", "ctrl+j":
			if m.selected < len(m.matches)-1 {
				m.selected++
			}
			return m, nil, false
		}
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before {
		m.refresh()
	}
	return m, cmd, false
}

// View renders the contents modal
func (m TOCModal) View() string {
	if !m.visible {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Foreground(styles.White).
		Bold(true).
		Width(tocModalWidth).
		Background(styles.SlateDark)

	rows := []string{titleStyle.Render("Contents"), "", m.input.View(), ""}

	if len(m.matches) == 0 {
		rows = append(rows, styles.DimStyle.Render("No matching chapters"))
	}

	// Keep the selection inside the visible window
	first := 0
	if m.selected >= tocMaxRows {
		first = m.selected - tocMaxRows + 1
	}
	last := min(first+tocMaxRows, len(m.matches))
	for i := first; i < last; i++ {
		label := styles.Truncate(m.matches[i].Label, tocModalWidth-2)
		if i == m.selected {
			rows = append(rows, styles.ModalSelectedStyle.Width(tocModalWidth).Render("> "+label))
		} else {
			rows = append(rows, styles.ModalItemStyle.Width(tocModalWidth).Render("  "+label))
		}
	}
	if hidden := len(m.matches) - last; hidden > 0 {
		rows = append(rows, styles.DimStyle.Render(fmt.Sprintf("  +%d more", hidden)))
	}

	return styles.ModalStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
