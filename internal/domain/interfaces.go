package domain

import (
	"context"
	"time"
)

// BlobMeta is caller-defined metadata stored alongside a blob
type BlobMeta map[string]string

// BlobInfo describes a stored blob without its payload
type BlobInfo struct {
	Key      string
	Meta     BlobMeta
	Size     int64 // Uncompressed payload size in bytes
	StoredAt time.Time
}

// Blob is a stored payload with its header
type Blob struct {
	BlobInfo
	Payload []byte
}

// BlobStore is a persistent key -> binary store with timestamped entries.
// Implementations are safe for concurrent use and serialize operations on the
// same key. Callers treat it as best-effort and keep a non-cached fallback.
type BlobStore interface {
	// Put stores payload under key, replacing any previous entry
	Put(ctx context.Context, key string, payload []byte, meta BlobMeta) error

	// Get returns the entry for key, or ErrNotFound
	Get(ctx context.Context, key string) (*Blob, error)

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Sweep deletes every entry for which pred returns true and reports how many
	Sweep(ctx context.Context, pred func(BlobInfo) bool) (int, error)

	// AggregateSize returns the total uncompressed size of all payloads
	AggregateSize(ctx context.Context) (int64, error)

	// Count returns the number of entries
	Count(ctx context.Context) (int, error)
}

// TokenStore is the same-device fast store for the latest native token
type TokenStore interface {
	GetToken(ctx context.Context, documentID int64) (string, bool, error)
	SetToken(ctx context.Context, documentID int64, token string) error
	DeleteToken(ctx context.Context, documentID int64) error
}

// Downloader fetches the bytes behind a (signed) URL
type Downloader func(ctx context.Context, url string) ([]byte, error)

// ProgressClient is the remote, authoritative progress store.
// GetProgress returns ErrNotFound when no position was ever saved.
type ProgressClient interface {
	GetProgress(ctx context.Context, documentID int64) (*ReadingPosition, error)
	UpdateProgress(ctx context.Context, documentID int64, update ProgressUpdate) error
}

// DocumentResolver returns freshly signed URLs for a document
type DocumentResolver interface {
	GetDocument(ctx context.Context, documentID int64) (*Document, error)
}

// TOCEntry is one table of contents item
type TOCEntry struct {
	Label string
	Index int // Position index the entry starts at
}

// Renderer is the document rendering engine of an open document
type Renderer interface {
	// Format returns the layout of the loaded document
	Format() Format

	// Display jumps to a native token; ErrInvalidToken when it does not resolve
	Display(ctx context.Context, token string) error

	// DisplayIndex jumps to a position index
	DisplayIndex(ctx context.Context, index int) error

	// DisplayStart shows the natural start of the document
	DisplayStart(ctx context.Context) error

	// GenerateLocations returns one native token per addressable position
	GenerateLocations(ctx context.Context, chunkSize int) ([]string, error)

	// OnRelocated registers fn for relocation events and returns an unsubscribe func
	OnRelocated(fn func(Relocation)) func()

	// TOC returns the table of contents
	TOC() []TOCEntry
}
