package tui

import (
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/shelvd/internal/domain"
	syncstate "github.com/mmcdole/shelvd/internal/progress"
	"github.com/mmcdole/shelvd/internal/render"
)

type fakeSession struct {
	doc      *domain.Document
	renderer domain.Renderer
	percent  int
	known    bool
	state    syncstate.State
	ready    chan struct{}
}

func (s *fakeSession) Document() *domain.Document      { return s.doc }
func (s *fakeSession) Renderer() domain.Renderer       { return s.renderer }
func (s *fakeSession) RestoredFrom() string            { return "remote" }
func (s *fakeSession) Percent() (int, bool)            { return s.percent, s.known }
func (s *fakeSession) SyncState() syncstate.State      { return s.state }
func (s *fakeSession) LocationsReady() <-chan struct{} { return s.ready }

func words(prefix string, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return strings.Join(out, " ")
}

func newTestModel(t *testing.T) (Model, *render.Engine, *fakeSession) {
	t.Helper()

	text := "# Opening\n" + words("calm", 120) + "\n# Storm\n" + words("gale", 120) + "\n"
	engine := render.NewEngine(render.ParseText([]byte(text)), render.WithChunkSize(100))
	session := &fakeSession{
		doc:      &domain.Document{ID: 42, Title: "Weather Book", Format: domain.FormatText},
		renderer: engine,
		ready:    make(chan struct{}),
	}

	m, err := NewModel(session, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 40, Height: 15})
	return updated.(Model), engine, session
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// drain discards relocations queued by setup
func drain(m Model) {
	for {
		select {
		case <-m.observer.ch:
		default:
			return
		}
	}
}

func TestNewModel_RejectsNonTerminalRenderer(t *testing.T) {
	t.Parallel()

	type headless struct{ domain.Renderer }
	_, err := NewModel(&fakeSession{renderer: headless{}}, nil)
	assert.Error(t, err)
}

func TestModel_NextPageDeliversRelocation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestModel(t)
	drain(m)

	updated, _ := m.Update(keyRunes("l"))
	m = updated.(Model)

	msg := m.observer.Listen()()
	rel, ok := msg.(RelocatedMsg)
	require.True(t, ok)
	require.NotNil(t, rel.Relocation.Displayed)
	assert.Equal(t, 2, rel.Relocation.Displayed.Page)
	assert.Equal(t, -1, rel.Relocation.Index, "no table yet")

	_, cmd := m.Update(rel)
	assert.NotNil(t, cmd, "keeps listening")
}

func TestModel_PrevPageAtStartShowsStatus(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestModel(t)

	_, cmd := m.Update(keyRunes("h"))
	require.NotNil(t, cmd)
	msg, ok := cmd().(StatusMsg)
	require.True(t, ok)
	assert.Equal(t, "Beginning of document", msg.Message)

	updated, _ := m.Update(msg)
	assert.Contains(t, updated.(Model).View(), "Beginning of document")
}

func TestModel_ContentsJumpsToChapter(t *testing.T) {
	t.Parallel()

	m, engine, _ := newTestModel(t)
	assert.NotContains(t, engine.View(), "gale000")

	updated, _ := m.Update(keyRunes("t"))
	m = updated.(Model)
	require.True(t, m.tocModal.IsVisible())
	assert.Contains(t, m.View(), "Storm")

	updated, _ = m.Update(keyRunes("storm"))
	m = updated.(Model)
	require.Len(t, m.tocModal.Matches(), 1)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	assert.False(t, m.tocModal.IsVisible())
	require.NotNil(t, cmd)

	msg, ok := cmd().(StatusMsg)
	require.True(t, ok)
	assert.False(t, msg.IsError)
	assert.Equal(t, "Storm", msg.Message)
	assert.Contains(t, engine.View(), "gale000")
}

func TestModel_EscapeClosesContents(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestModel(t)

	updated, _ := m.Update(keyRunes("t"))
	updated, _ = updated.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	assert.False(t, m.tocModal.IsVisible())

	// keys go back to paging
	_, cmd := m.Update(keyRunes("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModel_FooterShowsProgressAndSyncState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		known bool
		state syncstate.State
		want  []string
	}{
		{name: "saved", known: true, state: syncstate.Idle, want: []string{"42%", "saved", "indexing"}},
		{name: "pending", known: true, state: syncstate.Dirty, want: []string{"42%", "unsaved"}},
		{name: "writing", known: false, state: syncstate.Persisting, want: []string{"--", "saving"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, _, session := newTestModel(t)
			session.percent = 42
			session.known = tt.known
			session.state = tt.state

			view := m.View()
			for _, w := range tt.want {
				assert.Contains(t, view, w)
			}
			assert.Contains(t, view, "Weather Book")
			assert.Contains(t, view, "resumed from remote")
		})
	}
}

func TestModel_LocationsReadyClearsIndexing(t *testing.T) {
	t.Parallel()

	m, _, session := newTestModel(t)
	close(session.ready)

	msg := WaitLocationsCmd(session.LocationsReady())()
	updated, _ := m.Update(msg)
	assert.NotContains(t, updated.(Model).View(), "indexing")
}

func TestModel_HelpOverlay(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestModel(t)

	updated, _ := m.Update(keyRunes("?"))
	view := updated.(Model).View()
	assert.Contains(t, view, "next page")
	assert.Contains(t, view, "contents")

	updated, cmd := updated.Update(keyRunes("x"))
	assert.Nil(t, cmd)
	assert.NotContains(t, updated.(Model).View(), "press any key")
}

func TestPageSize(t *testing.T) {
	t.Parallel()

	w, h := PageSize(100, 30, 0)
	assert.Equal(t, 96, w)
	assert.Equal(t, 27, h)

	w, _ = PageSize(100, 30, 72)
	assert.Equal(t, 72, w)

	w, h = PageSize(2, 1, 0)
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}
