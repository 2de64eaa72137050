package render

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	subseq "github.com/sahilm/fuzzy"

	"github.com/mmcdole/shelvd/internal/domain"
)

// TOC is a table of contents searchable by chapter title.
// It implements sahilm/fuzzy's Source over lowercase labels.
type TOC struct {
	entries []domain.TOCEntry
	lower   []string
}

// NewTOC indexes entries for Find
func NewTOC(entries []domain.TOCEntry) *TOC {
	lower := make([]string, len(entries))
	for i, e := range entries {
		lower[i] = strings.ToLower(e.Label)
	}
	return &TOC{entries: entries, lower: lower}
}

func (t *TOC) String(i int) string { return t.lower[i] }
func (t *TOC) Len() int            { return len(t.entries) }

// Entries returns all entries in document order
func (t *TOC) Entries() []domain.TOCEntry { return t.entries }

// Find returns the entries matching query, best match first.
// An empty query returns every entry. When nothing matches exactly, labels
// are compared again with accents folded ("cafe" finds "Café").
func (t *TOC) Find(query string) []domain.TOCEntry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return t.entries
	}
	matches := subseq.FindFrom(query, t)
	if len(matches) == 0 {
		return t.findFolded(query)
	}
	out := make([]domain.TOCEntry, len(matches))
	for i, m := range matches {
		out[i] = t.entries[m.Index]
	}
	return out
}

func (t *TOC) findFolded(query string) []domain.TOCEntry {
	ranks := fuzzy.RankFindNormalizedFold(query, t.lower)
	sort.Stable(ranks)
	out := make([]domain.TOCEntry, len(ranks))
	for i, r := range ranks {
		out[i] = t.entries[r.OriginalIndex]
	}
	return out
}
