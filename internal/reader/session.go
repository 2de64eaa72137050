package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/shelvd/internal/cache"
	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/location"
	"github.com/mmcdole/shelvd/internal/progress"
	"github.com/mmcdole/shelvd/internal/render"
)

// DefaultRemoteTimeout bounds loading the saved remote position on open
const DefaultRemoteTimeout = 5 * time.Second

// RendererFactory builds the rendering engine for a downloaded binary
type RendererFactory func(data []byte, doc *domain.Document) (domain.Renderer, error)

// Deps are the collaborators of a reader session. Progress is required;
// Tokens may be nil.
type Deps struct {
	Content  *cache.ContentCache
	Download domain.Downloader
	Progress domain.ProgressClient
	Tokens   domain.TokenStore
	Logger   *slog.Logger
}

// Options tune a reader session
type Options struct {
	ChunkSize     int
	Debounce      time.Duration
	WriteTimeout  time.Duration
	RemoteTimeout time.Duration
	Width         int
	Height        int
	Clock         progress.Clock // Nil uses the wall clock
	NewRenderer   RendererFactory
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (o Options) withDefaults() Options {
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = DefaultRemoteTimeout
	}
	if o.NewRenderer == nil {
		o.NewRenderer = TerminalRenderer(o)
	}
	return o
}

// TerminalRenderer builds a render.Engine after sniffing the binary
func TerminalRenderer(opts Options) RendererFactory {
	return func(data []byte, doc *domain.Document) (domain.Renderer, error) {
		format, err := render.DetectFormat(data, doc.Format)
		if err != nil {
			return nil, err
		}
		parsed, err := render.Parse(data, format)
		if err != nil {
			return nil, err
		}
		if parsed.Title == "" {
			parsed.Title = doc.Title
		}
		return render.NewEngine(parsed,
			render.WithChunkSize(opts.ChunkSize),
			render.WithSize(opts.Width, opts.Height),
		), nil
	}
}

// Session is one open document: renderer, location table and progress sync
type Session struct {
	ID string

	doc      *domain.Document
	renderer domain.Renderer
	indexer  *location.Indexer
	sync     *progress.Sync
	logger   *slog.Logger

	restoredFrom string
	unsubscribe  func()
	closeOnce    sync.Once
	closeErr     error
}

// Open loads the binary and the saved position concurrently, restores the
// view and starts tracking relocations. Only an unavailable binary fails it.
func Open(ctx context.Context, doc *domain.Document, deps Deps, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	id := uuid.NewString()
	logger := deps.logger().With("session", id, "documentID", doc.ID)

	var (
		data   []byte
		saved  domain.ReadingPosition
		source string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := deps.Content.FetchOrLoad(gctx, doc.ID, doc.BookURL, deps.Download)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDocumentUnavailable, err)
		}
		data = b
		return nil
	})
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, opts.RemoteTimeout)
		defer cancel()
		saved, source = progress.Resolve(rctx, logger, doc.ID, positionSources(deps)...)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return openWith(ctx, doc, data, saved, source, deps, opts, id, logger)
}

// OpenCached opens the cached binary without consulting the network for it
func OpenCached(ctx context.Context, doc *domain.Document, deps Deps, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	cached, err := deps.Content.Get(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDocumentUnavailable, err)
	}

	id := uuid.NewString()
	logger := deps.logger().With("session", id, "documentID", doc.ID)

	rctx, cancel := context.WithTimeout(ctx, opts.RemoteTimeout)
	saved, source := progress.Resolve(rctx, logger, doc.ID, positionSources(deps)...)
	cancel()

	return openWith(ctx, doc, cached.Payload, saved, source, deps, opts, id, logger)
}

func positionSources(deps Deps) []progress.Source {
	var sources []progress.Source
	if deps.Progress != nil {
		sources = append(sources, progress.RemoteSource{Client: deps.Progress})
	}
	if deps.Tokens != nil {
		sources = append(sources, progress.LocalSource{Tokens: deps.Tokens})
	}
	return sources
}

func openWith(
	ctx context.Context,
	doc *domain.Document,
	data []byte,
	saved domain.ReadingPosition,
	source string,
	deps Deps,
	opts Options,
	id string,
	logger *slog.Logger,
) (*Session, error) {
	renderer, err := opts.NewRenderer(data, doc)
	if err != nil {
		// A cached binary that does not parse must not be served again
		if evictErr := deps.Content.Evict(ctx, doc.ID); evictErr != nil {
			logger.Warn("failed to evict unreadable document", "error", evictErr)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDocumentUnavailable, err)
	}

	syncOpts := []progress.Option{
		progress.WithDebounce(opts.Debounce),
		progress.WithWriteTimeout(opts.WriteTimeout),
		progress.WithLogger(logger),
	}
	if opts.Clock != nil {
		syncOpts = append(syncOpts, progress.WithClock(opts.Clock))
	}
	if renderer.Format() == domain.FormatPDF {
		syncOpts = append(syncOpts, progress.WithPageTokens())
	}

	s := &Session{
		ID:           id,
		doc:          doc,
		renderer:     renderer,
		indexer:      location.NewIndexer(opts.ChunkSize, logger),
		sync:         progress.New(doc.ID, deps.Progress, deps.Tokens, syncOpts...),
		logger:       logger,
		restoredFrom: source,
	}

	if !s.restore(ctx, saved) {
		saved = domain.ReadingPosition{DocumentID: doc.ID}
	}
	saved.PositionIndex = max(saved.PositionIndex, 0) // Token-only local positions
	s.sync.Seed(saved)

	s.unsubscribe = renderer.OnRelocated(s.relocated)
	// The table outlives ctx; Close discards it
	s.indexer.Build(context.WithoutCancel(ctx), renderer, renderer.Format())

	logger.Info("opened document",
		"title", doc.Title,
		"format", renderer.Format(),
		"restoredFrom", s.restoredFrom,
		"index", saved.PositionIndex,
		"bytes", len(data),
	)
	return s, nil
}

// restore shows the saved position: its token, else its index, else the start.
// It reports false when the saved position did not resolve.
func (s *Session) restore(ctx context.Context, saved domain.ReadingPosition) bool {
	var err error
	switch {
	case saved.NativeToken != "":
		err = s.renderer.Display(ctx, saved.NativeToken)
	case saved.PositionIndex > 0:
		err = s.renderer.DisplayIndex(ctx, saved.PositionIndex)
	default:
		err = s.renderer.DisplayStart(ctx)
	}
	if err == nil {
		return true
	}

	s.logger.Warn("saved position does not resolve, starting at the beginning",
		"error", err,
		"token", saved.NativeToken,
		"index", saved.PositionIndex,
	)
	s.restoredFrom = progress.SourceStart
	if err := s.renderer.DisplayStart(ctx); err != nil {
		s.logger.Error("failed to display document start", "error", err)
	}
	return false
}

func (s *Session) relocated(rel domain.Relocation) {
	loc := s.indexer.Locate(rel)
	s.sync.Update(domain.ReadingPosition{
		PositionIndex:  loc.Index,
		TotalPositions: loc.Total,
		NativeToken:    loc.Token,
	})
}

// Document returns the resolved document
func (s *Session) Document() *domain.Document { return s.doc }

// Renderer returns the rendering engine
func (s *Session) Renderer() domain.Renderer { return s.renderer }

// RestoredFrom names the position source the view was restored from
func (s *Session) RestoredFrom() string { return s.restoredFrom }

// Position returns the live reading position
func (s *Session) Position() domain.ReadingPosition { return s.sync.Position() }

// SyncState returns the progress persistence state
func (s *Session) SyncState() progress.State { return s.sync.State() }

// LocationsReady is closed once the location table build finishes
func (s *Session) LocationsReady() <-chan struct{} { return s.indexer.Done() }

// Percent returns the completion percentage, or false while it is unknown.
// A table built after the last relocation still applies to it.
func (s *Session) Percent() (int, bool) {
	pos := s.sync.Position()
	if t := s.indexer.Table(); t.Total() > 0 {
		// A token-only restore carries no index until the reader moves
		if i, ok := t.Index(pos.NativeToken); ok {
			return t.Percent(i)
		}
		return t.Percent(pos.PositionIndex)
	}
	return location.Percent(pos.PositionIndex, pos.TotalPositions)
}

// Close stops tracking, flushes the latest position and drops the table.
// A flush failure is returned but the session is closed regardless.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		err := s.sync.Close(ctx)
		s.indexer.Discard()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("final position flush failed", "error", err)
		}
		s.closeErr = err
		s.logger.Info("closed document", "index", s.sync.Position().PositionIndex)
	})
	return s.closeErr
}
