package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmcdole/shelvd/internal/cache"
	"github.com/mmcdole/shelvd/internal/domain"
)

// Service opens and forgets documents of the remote library
type Service struct {
	resolver domain.DocumentResolver
	images   *cache.ImageCache
	deps     Deps
	opts     Options
	logger   *slog.Logger
}

// NewService creates a reader service
func NewService(resolver domain.DocumentResolver, images *cache.ImageCache, deps Deps, opts Options) *Service {
	return &Service{
		resolver: resolver,
		images:   images,
		deps:     deps,
		opts:     opts,
		logger:   deps.logger(),
	}
}

// WithPageSize returns a copy of s that lays documents out at width x height
func (s *Service) WithPageSize(width, height int) *Service {
	c := *s
	c.opts.Width, c.opts.Height = width, height
	return &c
}

// Open resolves fresh signed URLs for documentID and opens a session.
// When the library is offline a cached binary is opened instead.
func (s *Service) Open(ctx context.Context, documentID int64) (*Session, error) {
	doc, err := s.resolver.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAuthFailed) {
			return nil, fmt.Errorf("resolve document %d: %w", documentID, err)
		}
		s.logger.Warn("document resolver unavailable, trying cached copy", "error", err, "documentID", documentID)
		return OpenCached(ctx, &domain.Document{ID: documentID, Title: fmt.Sprintf("Document %d", documentID)}, s.deps, s.opts)
	}
	return Open(ctx, doc, s.deps, s.opts)
}

// Cover returns the cover of doc from the image cache, or its remote URL while
// it is being cached. The caller releases the ref.
func (s *Service) Cover(ctx context.Context, doc *domain.Document) cache.ImageRef {
	if s.images == nil {
		return cache.ImageRef{URL: doc.CoverURL}
	}
	return s.images.FetchOrLoad(ctx, doc.CoverURL, doc.ID, s.deps.Download)
}

// Forget drops everything held locally for a deleted document: the cached
// binary, its cover images and the local position token.
func (s *Service) Forget(ctx context.Context, documentID int64) error {
	var errs []error
	if err := s.deps.Content.Evict(ctx, documentID); err != nil {
		errs = append(errs, err)
	}
	if s.images != nil {
		if _, err := s.images.EvictOwner(ctx, documentID); err != nil {
			errs = append(errs, fmt.Errorf("evict covers: %w", err))
		}
	}
	if s.deps.Tokens != nil {
		if err := s.deps.Tokens.DeleteToken(ctx, documentID); err != nil {
			errs = append(errs, fmt.Errorf("delete position token: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to forget document", "error", err, "documentID", documentID)
		return err
	}
	s.logger.Info("forgot document", "documentID", documentID)
	return nil
}
