package progress

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mmcdole/shelvd/internal/domain"
)

// Source is one place a saved position can be restored from.
// Load returns nil, nil when the source has nothing for the document.
type Source interface {
	Name() string
	Load(ctx context.Context, documentID int64) (*domain.ReadingPosition, error)
}

// RemoteSource reads the authoritative remote position
type RemoteSource struct {
	Client domain.ProgressClient
}

func (RemoteSource) Name() string { return "remote" }

func (s RemoteSource) Load(ctx context.Context, documentID int64) (*domain.ReadingPosition, error) {
	pos, err := s.Client.GetProgress(ctx, documentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.IsZero() {
		return nil, nil
	}
	return pos, nil
}

// LocalSource reads the same-device token fallback
type LocalSource struct {
	Tokens domain.TokenStore
}

func (LocalSource) Name() string { return "local" }

func (s LocalSource) Load(ctx context.Context, documentID int64) (*domain.ReadingPosition, error) {
	token, ok, err := s.Tokens.GetToken(ctx, documentID)
	if err != nil || !ok || token == "" {
		return nil, err
	}
	// Index is recovered from the location table once it is built
	return &domain.ReadingPosition{
		DocumentID:    documentID,
		PositionIndex: -1,
		NativeToken:   token,
	}, nil
}

// SourceStart is reported when no source had a position
const SourceStart = "start"

// Resolve returns the first position offered by sources in order, along with
// the name of the source that supplied it. Source errors are logged and the
// next source is tried; when every source comes up empty the natural start is
// returned.
func Resolve(ctx context.Context, logger *slog.Logger, documentID int64, sources ...Source) (domain.ReadingPosition, string) {
	for _, src := range sources {
		pos, err := src.Load(ctx, documentID)
		if err != nil {
			logger.Warn("failed to load saved position",
				"source", src.Name(),
				"documentID", documentID,
				"error", err,
			)
			continue
		}
		if pos != nil {
			pos.DocumentID = documentID
			return *pos, src.Name()
		}
	}
	return domain.ReadingPosition{DocumentID: documentID}, SourceStart
}
