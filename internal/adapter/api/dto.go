package api

import (
	"strings"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
)

// BookResponse is the body of GET /books/{id}
type BookResponse struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Format   string `json:"format"`
	BookURL  string `json:"bookUrl"`
	CoverURL string `json:"coverUrl"`
}

// ProgressResponse is the body of GET /progress/{id}
type ProgressResponse struct {
	PositionIndex  int        `json:"positionIndex"`
	TotalPositions int        `json:"totalPositions"`
	NativeToken    string     `json:"nativeToken"`
	IsComplete     bool       `json:"isComplete"`
	UpdatedAt      *time.Time `json:"updatedAt"`
}

// MapDocument converts a book response to a domain document
func MapDocument(b BookResponse) *domain.Document {
	return &domain.Document{
		ID:       b.ID,
		Title:    b.Title,
		Format:   mapFormat(b.Format),
		BookURL:  b.BookURL,
		CoverURL: b.CoverURL,
	}
}

func mapFormat(f string) domain.Format {
	switch strings.ToLower(strings.TrimPrefix(f, ".")) {
	case "epub":
		return domain.FormatEPUB
	case "pdf":
		return domain.FormatPDF
	case "txt", "text":
		return domain.FormatText
	default:
		return "" // Sniffed from the binary
	}
}

// MapProgress converts a progress response to a reading position
func MapProgress(documentID int64, p ProgressResponse) *domain.ReadingPosition {
	pos := &domain.ReadingPosition{
		DocumentID:     documentID,
		PositionIndex:  p.PositionIndex,
		TotalPositions: p.TotalPositions,
		NativeToken:    p.NativeToken,
		IsComplete:     p.IsComplete,
	}
	if p.UpdatedAt != nil {
		pos.UpdatedAt = *p.UpdatedAt
	}
	return pos
}
