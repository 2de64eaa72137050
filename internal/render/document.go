// Package render is a terminal rendering engine for reflowable (EPUB, plain
// text) and fixed-page (PDF) documents. It lays content out into pages of
// wrapped lines and reports every position change as a relocation event.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mmcdole/shelvd/internal/domain"
)

// Chapter is a titled section of reflowable content
type Chapter struct {
	Title  string
	Offset int // Byte offset into Document.Text
}

// Document is parsed content ready for layout.
// Reflowable documents use Text and Chapters; paged documents use Pages.
type Document struct {
	Format   domain.Format
	Title    string
	Text     string
	Chapters []Chapter
	Pages    []string
}

// DetectFormat sniffs the document binary. declared is used when the content
// does not identify itself.
func DetectFormat(data []byte, declared domain.Format) (domain.Format, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/epub+zip"):
		return domain.FormatEPUB, nil
	case mt.Is("application/pdf"):
		return domain.FormatPDF, nil
	case mt.Is("text/plain"):
		return domain.FormatText, nil
	}

	switch declared {
	case domain.FormatEPUB, domain.FormatPDF, domain.FormatText:
		return declared, nil
	}
	return "", fmt.Errorf("unsupported document type %s", mt.String())
}

// Parse decodes the binary as the given format
func Parse(data []byte, format domain.Format) (*Document, error) {
	switch format {
	case domain.FormatEPUB:
		return ParseEPUB(data)
	case domain.FormatPDF:
		return ParsePDF(data)
	case domain.FormatText:
		return ParseText(data), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// ParseText reads plain text. Lines starting with "# " open a chapter.
// Lines have no length limit.
func ParseText(data []byte) *Document {
	doc := &Document{Format: domain.FormatText}

	var b strings.Builder
	b.Grow(len(data) + 1)
	for raw := range bytes.Lines(data) {
		line := strings.TrimRight(string(raw), "\r\n")
		if title, ok := strings.CutPrefix(line, "# "); ok {
			title = strings.TrimSpace(title)
			doc.Chapters = append(doc.Chapters, Chapter{Title: title, Offset: b.Len()})
			if doc.Title == "" {
				doc.Title = title
			}
			line = title
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	doc.Text = b.String()
	return doc
}
