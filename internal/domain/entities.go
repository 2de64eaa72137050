package domain

import (
	"strconv"
	"time"
)

// Format identifies how a document is laid out
type Format string

const (
	FormatEPUB Format = "epub" // Reflowable
	FormatPDF  Format = "pdf"  // Fixed pages
	FormatText Format = "text" // Reflowable plain text
)

// Reflowable reports whether positions are chunks of content rather than pages
func (f Format) Reflowable() bool {
	return f != FormatPDF
}

// Document is a library entry as returned by the document source resolver.
// BookURL and CoverURL are signed and expire; re-resolve before use.
type Document struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Format   Format `json:"format"`
	BookURL  string `json:"bookUrl"`
	CoverURL string `json:"coverUrl"`
}

// CachedDocument is a whole document binary held in the content cache.
// SourceURLStable is the staleness key: the binary behind a document ID can be
// replaced server-side while the ID stays the same.
type CachedDocument struct {
	DocumentID      int64
	Payload         []byte
	SourceURLStable string
	StoredAt        time.Time
}

// CachedImage is a cover image held in the image cache, keyed by its exact URL
type CachedImage struct {
	URL             string
	Payload         []byte
	StoredAt        time.Time
	OwnerDocumentID int64
}

// ReadingPosition is the reading state of one document.
// NativeToken is empty for page-based formats where the index is enough.
type ReadingPosition struct {
	DocumentID     int64     `json:"documentId"`
	PositionIndex  int       `json:"positionIndex"`
	TotalPositions int       `json:"totalPositions"`
	NativeToken    string    `json:"nativeToken,omitempty"`
	IsComplete     bool      `json:"isComplete"`
	UpdatedAt      time.Time `json:"updatedAt,omitzero"`
}

// Complete reports whether the position is the final one of a known total
func (p ReadingPosition) Complete() bool {
	return p.TotalPositions > 0 && p.PositionIndex >= p.TotalPositions-1
}

// SamePlace reports whether two positions point at the same spot
func (p ReadingPosition) SamePlace(o ReadingPosition) bool {
	return p.PositionIndex == o.PositionIndex &&
		p.TotalPositions == o.TotalPositions &&
		p.NativeToken == o.NativeToken
}

// IsZero reports whether the position is the natural start with nothing to restore
func (p ReadingPosition) IsZero() bool {
	return p.PositionIndex == 0 && p.NativeToken == ""
}

// ProgressUpdate is the body of a remote progress write
type ProgressUpdate struct {
	PositionIndex  int    `json:"positionIndex"`
	TotalPositions int    `json:"totalPositions"`
	NativeToken    string `json:"nativeToken,omitempty"`
}

// Update converts the position to the remote write payload
func (p ReadingPosition) Update() ProgressUpdate {
	return ProgressUpdate{
		PositionIndex:  p.PositionIndex,
		TotalPositions: p.TotalPositions,
		NativeToken:    p.NativeToken,
	}
}

// DisplayedPage is the renderer's section-local page count, available before
// the location table is built
type DisplayedPage struct {
	Page  int
	Total int
}

// Relocation is emitted by the renderer whenever the visible position changes.
// TotalPositions is zero while the location table is still being generated.
type Relocation struct {
	Index          int
	TotalPositions int
	NativeToken    string
	Displayed      *DisplayedPage
}

// PageToken is the native token of a fixed-page position
func PageToken(index int) string {
	return strconv.Itoa(index + 1)
}
