package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mmcdole/shelvd/internal/domain"
	syncstate "github.com/mmcdole/shelvd/internal/progress"
	"github.com/mmcdole/shelvd/internal/render"
	"github.com/mmcdole/shelvd/internal/tui/components"
	"github.com/mmcdole/shelvd/internal/tui/styles"
)

const (
	syncTickInterval = 500 * time.Millisecond
	statusTimeout    = 3 * time.Second

	// header and footer rows around the page body
	chromeRows = 3
	// horizontal padding of styles.PageStyle
	pagePadding = 4
)

// Session is the open reading session the model drives
type Session interface {
	Document() *domain.Document
	Renderer() domain.Renderer
	RestoredFrom() string
	Percent() (int, bool)
	SyncState() syncstate.State
	LocationsReady() <-chan struct{}
}

// Pager is a renderer that draws pages as terminal text
type Pager interface {
	domain.Renderer
	View() string
	Resize(width, height int)
	NextPage() bool
	PrevPage() bool
}

// Model is the Bubble Tea model for reading a single document
type Model struct {
	session  Session
	pager    Pager
	keys     KeyMap
	observer *ChannelObserver
	bar      progress.Model
	tocModal components.TOCModal
	logger   *slog.Logger

	unsubscribe func()

	width          int
	height         int
	wrapWidth      int
	showHelp       bool
	locationsReady bool
	statusMsg      string
	statusIsError  bool
}

// NewModel creates the reader model. The session's renderer must be a Pager.
func NewModel(session Session, logger *slog.Logger) (Model, error) {
	pager, ok := session.Renderer().(Pager)
	if !ok {
		return Model{}, fmt.Errorf("renderer %T cannot draw to a terminal", session.Renderer())
	}
	if logger == nil {
		logger = slog.Default()
	}

	observer := NewChannelObserver(16)
	bar := progress.New(
		progress.WithSolidFill(string(styles.Amber)),
		progress.WithoutPercentage(),
	)

	return Model{
		session:     session,
		pager:       pager,
		keys:        DefaultKeyMap(),
		observer:    observer,
		bar:         bar,
		tocModal:    components.NewTOCModal(render.NewTOC(pager.TOC())),
		logger:      logger,
		unsubscribe: pager.OnRelocated(observer.OnRelocated),
	}, nil
}

// WithWrapWidth caps the text column; 0 follows the terminal
func (m Model) WithWrapWidth(n int) Model {
	m.wrapWidth = n
	return m
}

// PageSize returns the text area for a terminal of the given size.
// A positive wrapWidth caps the column.
func PageSize(width, height, wrapWidth int) (int, int) {
	w := max(width-pagePadding, 1)
	if wrapWidth > 0 {
		w = min(w, wrapWidth)
	}
	return w, max(height-chromeRows, 1)
}

// Close stops listening for relocations
func (m Model) Close() {
	m.unsubscribe()
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.observer.Listen(),
		WaitLocationsCmd(m.session.LocationsReady()),
		TickCmd(syncTickInterval),
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.pager.Resize(PageSize(msg.Width, msg.Height, m.wrapWidth))
		m.bar.Width = max(msg.Width/3, 10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case RelocatedMsg:
		m.logger.Debug("relocated",
			"index", msg.Relocation.Index,
			"token", msg.Relocation.NativeToken,
		)
		return m, m.observer.Listen()

	case LocationsReadyMsg:
		m.locationsReady = true
		return m, nil

	case TickMsg:
		return m, TickCmd(syncTickInterval)

	case StatusMsg:
		m.statusMsg = msg.Message
		m.statusIsError = msg.IsError
		return m, ClearStatusCmd(statusTimeout)

	case ClearStatusMsg:
		m.statusMsg = ""
		m.statusIsError = false
		return m, nil
	}

	return m, nil
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.tocModal.IsVisible() {
		var cmd tea.Cmd
		var submitted bool
		m.tocModal, cmd, submitted = m.tocModal.Update(msg)
		if submitted {
			if entry, ok := m.tocModal.Selected(); ok {
				return m, GotoCmd(m.pager, entry.Index, entry.Label)
			}
		}
		return m, cmd
	}

	if m.showHelp {
		m.showHelp = false
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.NextPage):
		if !m.pager.NextPage() {
			return m, statusCmd("End of document", false)
		}

	case key.Matches(msg, m.keys.PrevPage):
		if !m.pager.PrevPage() {
			return m, statusCmd("Beginning of document", false)
		}

	case key.Matches(msg, m.keys.Start):
		pager := m.pager
		return m, func() tea.Msg {
			if err := pager.DisplayStart(context.Background()); err != nil {
				return StatusMsg{Message: err.Error(), IsError: true}
			}
			return nil
		}

	case key.Matches(msg, m.keys.Contents):
		if len(m.pager.TOC()) == 0 {
			return m, statusCmd("No table of contents", false)
		}
		m.tocModal.Show()

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	}

	return m, nil
}

func statusCmd(message string, isError bool) tea.Cmd {
	return func() tea.Msg {
		return StatusMsg{Message: message, IsError: isError}
	}
}

// View implements tea.Model
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	if m.tocModal.IsVisible() {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.tocModal.View())
	}
	if m.showHelp {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.renderHelp())
	}

	body := styles.PageStyle.
		Width(m.width).
		Height(max(m.height-chromeRows, 1)).
		Render(m.pager.View())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		"",
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	doc := m.session.Document()
	title := doc.Title
	if title == "" {
		title = fmt.Sprintf("Document %d", doc.ID)
	}
	header := styles.TitleStyle.Render(styles.Truncate(title, m.width-pagePadding))
	if from := m.session.RestoredFrom(); from != "" {
		header += styles.DimStyle.Render("  resumed from " + from)
	}
	return styles.HeaderStyle.Render(header)
}

func (m Model) renderFooter() string {
	var parts []string

	percent, known := m.session.Percent()
	if known {
		parts = append(parts, m.bar.ViewAs(float64(percent)/100), fmt.Sprintf("%3d%%", percent))
	} else {
		parts = append(parts, m.bar.ViewAs(0), styles.DimStyle.Render("  --"))
	}
	if !m.locationsReady {
		parts = append(parts, styles.DimStyle.Render("indexing"))
	}
	parts = append(parts, syncIndicator(m.session.SyncState()))

	if m.statusMsg != "" {
		if m.statusIsError {
			parts = append(parts, styles.ErrorStyle.Render(m.statusMsg))
		} else {
			parts = append(parts, styles.AccentStyle.Render(m.statusMsg))
		}
	} else {
		var hints []string
		for _, b := range m.keys.ShortHelp() {
			hints = append(hints, styles.HelpKeyStyle.Render(b.Help().Key)+" "+styles.HelpDescStyle.Render(b.Help().Desc))
		}
		parts = append(parts, strings.Join(hints, "  "))
	}

	return styles.StatusBarStyle.Render(strings.Join(parts, "  "))
}

func syncIndicator(state syncstate.State) string {
	switch state {
	case syncstate.Dirty:
		return styles.SyncPendingStyle.Render("● unsaved")
	case syncstate.Persisting, syncstate.Flushing:
		return styles.SyncWritingStyle.Render("↻ saving")
	default:
		return styles.SyncSavedStyle.Render("✓ saved")
	}
}

func (m Model) renderHelp() string {
	var rows []string
	rows = append(rows, styles.TitleStyle.Render("Keys"), "")
	for _, group := range m.keys.FullHelp() {
		for _, b := range group {
			rows = append(rows, fmt.Sprintf("%s  %s",
				styles.HelpKeyStyle.Width(12).Render(b.Help().Key),
				styles.HelpDescStyle.Render(b.Help().Desc),
			))
		}
	}
	rows = append(rows, "", styles.DimStyle.Render("press any key to close"))
	return styles.ModalStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
