package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/shelvd/internal/cache"
	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/progress"
	"github.com/mmcdole/shelvd/internal/render"
	"github.com/mmcdole/shelvd/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// manualClock fires due timers from Advance
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	f     func()
	done  bool
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) progress.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

// fakeRenderer addresses total positions with "loc-N" tokens
type fakeRenderer struct {
	mu      sync.Mutex
	total   int
	current int
	subs    map[int]func(domain.Relocation)
	nextSub int
}

func newFakeRenderer(total int) *fakeRenderer {
	return &fakeRenderer{total: total, subs: make(map[int]func(domain.Relocation))}
}

func (r *fakeRenderer) Format() domain.Format { return domain.FormatEPUB }

func (r *fakeRenderer) Display(ctx context.Context, token string) error {
	n, err := strconv.Atoi(strings.TrimPrefix(token, "loc-"))
	if err != nil || !strings.HasPrefix(token, "loc-") || n < 0 || n >= r.total {
		return domain.ErrInvalidToken
	}
	r.setCurrent(n)
	return nil
}

func (r *fakeRenderer) DisplayIndex(ctx context.Context, index int) error {
	if index < 0 || index >= r.total {
		return domain.ErrInvalidToken
	}
	r.setCurrent(index)
	return nil
}

func (r *fakeRenderer) DisplayStart(ctx context.Context) error {
	r.setCurrent(0)
	return nil
}

func (r *fakeRenderer) GenerateLocations(ctx context.Context, chunkSize int) ([]string, error) {
	tokens := make([]string, r.total)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("loc-%d", i)
	}
	return tokens, nil
}

func (r *fakeRenderer) OnRelocated(fn func(domain.Relocation)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *fakeRenderer) TOC() []domain.TOCEntry { return nil }

func (r *fakeRenderer) setCurrent(n int) {
	r.mu.Lock()
	r.current = n
	r.mu.Unlock()
}

func (r *fakeRenderer) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Move simulates the reader turning to position n
func (r *fakeRenderer) Move(n int) {
	r.mu.Lock()
	r.current = n
	subs := make([]func(domain.Relocation), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	rel := domain.Relocation{Index: n, TotalPositions: r.total, NativeToken: fmt.Sprintf("loc-%d", n)}
	for _, fn := range subs {
		fn(rel)
	}
}

// fakeProgress is the remote progress store
type fakeProgress struct {
	mu      sync.Mutex
	saved   *domain.ReadingPosition
	getErr  error
	patches []domain.ProgressUpdate
}

func (p *fakeProgress) GetProgress(ctx context.Context, id int64) (*domain.ReadingPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	if p.saved == nil {
		return nil, domain.ErrNotFound
	}
	pos := *p.saved
	return &pos, nil
}

func (p *fakeProgress) UpdateProgress(ctx context.Context, id int64, u domain.ProgressUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, u)
	return nil
}

func (p *fakeProgress) Patches() []domain.ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressUpdate(nil), p.patches...)
}

type fixture struct {
	db       *store.DB
	content  *cache.ContentCache
	images   *cache.ImageCache
	remote   *fakeProgress
	renderer *fakeRenderer
	clock    *manualClock
	deps     Deps
	opts     Options
	fetches  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:       db,
		content:  cache.NewContentCache(db.Documents(), quietLogger),
		images:   cache.NewImageCache(db.Images(), quietLogger),
		remote:   &fakeProgress{},
		renderer: newFakeRenderer(500),
		clock:    &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.deps = Deps{
		Content: f.content,
		Download: func(ctx context.Context, url string) ([]byte, error) {
			f.fetches.Add(1)
			if strings.Contains(url, "missing") {
				return nil, errors.New("404 from storage")
			}
			return []byte("book bytes"), nil
		},
		Progress: f.remote,
		Tokens:   db.Tokens(),
		Logger:   quietLogger,
	}
	f.opts = Options{
		Clock: f.clock,
		NewRenderer: func([]byte, *domain.Document) (domain.Renderer, error) {
			return f.renderer, nil
		},
	}
	return f
}

func doc42() *domain.Document {
	return &domain.Document{
		ID:       42,
		Title:    "Moby-Dick",
		Format:   domain.FormatEPUB,
		BookURL:  "https://cdn.example.com/books/42.epub?X-Amz-Signature=abc",
		CoverURL: "https://cdn.example.com/covers/42.jpg?sig=1",
	}
}

func waitLocations(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.LocationsReady():
	case <-time.After(5 * time.Second):
		t.Fatal("location table was not built")
	}
}

func TestSession_RestoreReadAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.remote.saved = &domain.ReadingPosition{PositionIndex: 150, TotalPositions: 500, NativeToken: "loc-150"}

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)
	waitLocations(t, s)

	assert.Equal(t, "remote", s.RestoredFrom())
	assert.Equal(t, 150, f.renderer.Current())
	pct, ok := s.Percent()
	require.True(t, ok)
	assert.Equal(t, 30, pct)

	// Reading to 200 within one debounce window
	for i := 160; i <= 200; i += 10 {
		f.renderer.Move(i)
	}
	assert.Empty(t, f.remote.Patches())

	f.clock.Advance(progress.DefaultDebounce)
	patches := f.remote.Patches()
	require.Len(t, patches, 1)
	assert.Equal(t, domain.ProgressUpdate{PositionIndex: 200, TotalPositions: 500, NativeToken: "loc-200"}, patches[0])

	require.NoError(t, s.Close(ctx))
	patches = f.remote.Patches()
	require.Len(t, patches, 1)
	assert.Equal(t, 200, patches[len(patches)-1].PositionIndex)
}

func TestSession_CloseFlushesPendingPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.remote.saved = &domain.ReadingPosition{PositionIndex: 150, TotalPositions: 500, NativeToken: "loc-150"}

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)

	f.renderer.Move(180)
	f.renderer.Move(200)
	require.NoError(t, s.Close(ctx))

	patches := f.remote.Patches()
	require.Len(t, patches, 1)
	assert.Equal(t, 200, patches[0].PositionIndex)

	// Idempotent, and the renderer is unsubscribed
	require.NoError(t, s.Close(ctx))
	f.renderer.Move(300)
	f.clock.Advance(time.Minute)
	assert.Len(t, f.remote.Patches(), 1)
}

func TestSession_LocalTokenFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.Tokens().SetToken(ctx, 42, "loc-77"))

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)
	defer s.Close(ctx)
	waitLocations(t, s)

	assert.Equal(t, "local", s.RestoredFrom())
	assert.Equal(t, 77, f.renderer.Current())
	pct, ok := s.Percent()
	require.True(t, ok)
	assert.Equal(t, 15, pct)
}

func TestSession_RelocationWritesLocalToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	f.renderer.Move(12)
	token, ok, err := f.db.Tokens().GetToken(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "loc-12", token)
	assert.Equal(t, progress.Dirty, s.SyncState())
}

func TestSession_InvalidTokenFallsBackToStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.remote.saved = &domain.ReadingPosition{PositionIndex: 9999, TotalPositions: 10000, NativeToken: "loc-9999"}
	f.renderer.current = 3

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)

	assert.Equal(t, progress.SourceStart, s.RestoredFrom())
	assert.Equal(t, 0, f.renderer.Current())
	assert.Empty(t, s.Position().NativeToken, "the unresolvable token is not kept")

	require.NoError(t, s.Close(ctx))
	assert.Empty(t, f.remote.Patches(), "opening alone never writes")
}

func TestSession_RemoteOffline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.remote.getErr = domain.ErrServerOffline

	s, err := Open(ctx, doc42(), f.deps, f.opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Equal(t, progress.SourceStart, s.RestoredFrom())
	assert.Equal(t, 0, s.Position().PositionIndex)
}

func TestSession_PagedDocumentResumesLocally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var engine *render.Engine
	f.opts.NewRenderer = func([]byte, *domain.Document) (domain.Renderer, error) {
		engine = render.NewEngine(&render.Document{
			Format: domain.FormatPDF,
			Pages:  []string{"one", "two", "three", "four", "five"},
		})
		return engine, nil
	}
	doc := doc42()
	doc.Format = domain.FormatPDF

	s, err := Open(ctx, doc, f.deps, f.opts)
	require.NoError(t, err)
	waitLocations(t, s)

	for range 3 {
		require.True(t, engine.NextPage())
	}
	token, ok, err := f.db.Tokens().GetToken(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", token)
	require.NoError(t, s.Close(ctx))

	f.remote.getErr = domain.ErrServerOffline
	s, err = Open(ctx, doc, f.deps, f.opts)
	require.NoError(t, err)
	defer s.Close(ctx)
	waitLocations(t, s)

	assert.Equal(t, "local", s.RestoredFrom())
	assert.Equal(t, 3, engine.Current().Index)
	pct, ok := s.Percent()
	require.True(t, ok)
	assert.Equal(t, 60, pct)
}

func TestSession_BinaryUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	doc := doc42()
	doc.BookURL = "https://cdn.example.com/missing.epub"

	_, err := Open(context.Background(), doc, f.deps, f.opts)
	assert.ErrorIs(t, err, domain.ErrDocumentUnavailable)
}

func TestSession_UnreadableBinaryIsEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.opts.NewRenderer = func([]byte, *domain.Document) (domain.Renderer, error) {
		return nil, errors.New("corrupt archive")
	}

	_, err := Open(ctx, doc42(), f.deps, f.opts)
	require.ErrorIs(t, err, domain.ErrDocumentUnavailable)

	_, err = f.content.Get(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSession_TerminalRenderer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.opts.NewRenderer = nil
	f.opts.ChunkSize = 8
	f.deps.Download = func(context.Context, string) ([]byte, error) {
		return []byte("# Start\n" + strings.Repeat("words and more words ", 50)), nil
	}
	doc := doc42()
	doc.Format = domain.FormatText

	s, err := Open(ctx, doc, f.deps, f.opts)
	require.NoError(t, err)
	defer s.Close(ctx)
	waitLocations(t, s)

	assert.Equal(t, domain.FormatText, s.Renderer().Format())
	assert.Equal(t, progress.SourceStart, s.RestoredFrom())
	pct, ok := s.Percent()
	require.True(t, ok)
	assert.Zero(t, pct)
}

type fakeResolver struct {
	docs map[int64]*domain.Document
	err  error
}

func (r fakeResolver) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	if r.err != nil {
		return nil, r.err
	}
	d, ok := r.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func TestService_OpenOfflineUsesCachedCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	online := NewService(fakeResolver{docs: map[int64]*domain.Document{42: doc42()}}, f.images, f.deps, f.opts)
	s, err := online.Open(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	require.Equal(t, int32(1), f.fetches.Load())

	offline := NewService(fakeResolver{err: domain.ErrServerOffline}, f.images, f.deps, f.opts)
	s, err = offline.Open(ctx, 42)
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Equal(t, int32(1), f.fetches.Load())
	assert.Equal(t, int64(42), s.Document().ID)

	_, err = offline.Open(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrDocumentUnavailable)

	_, err = online.Open(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_Forget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(fakeResolver{docs: map[int64]*domain.Document{42: doc42()}}, f.images, f.deps, f.opts)

	s, err := svc.Open(ctx, 42)
	require.NoError(t, err)
	f.renderer.Move(10)
	require.NoError(t, s.Close(ctx))

	ref := svc.Cover(ctx, s.Document())
	assert.False(t, ref.FromCache())
	f.images.Wait()
	ref = svc.Cover(ctx, s.Document())
	require.True(t, ref.FromCache())
	ref.Release()

	require.NoError(t, svc.Forget(ctx, 42))

	_, err = f.content.Get(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok, err := f.db.Tokens().GetToken(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	info, err := f.images.Info(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.Count)
}
