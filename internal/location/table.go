// Package location maps between position indexes, native tokens and
// completion percentages of an open document.
package location

import (
	"strconv"

	"github.com/mmcdole/shelvd/internal/domain"
)

// DefaultChunkSize is the number of content units per reflowable position
const DefaultChunkSize = 1024

// Table maps position indexes [0, Total) to native tokens.
// A nil *Table is an index that has not been built yet.
type Table struct {
	tokens []string
	index  map[string]int
	pages  int // > 0 for fixed-page tables
}

// NewTable builds a reflowable table with one token per position
func NewTable(tokens []string) *Table {
	if tokens == nil {
		tokens = []string{}
	}
	t := &Table{
		tokens: tokens,
		index:  make(map[string]int, len(tokens)),
	}
	for i, tok := range tokens {
		if _, dup := t.index[tok]; !dup {
			t.index[tok] = i
		}
	}
	return t
}

// NewPagedTable builds a fixed-page table: index = page - 1, token = page number
func NewPagedTable(pageCount int) *Table {
	return &Table{pages: max(pageCount, 0)}
}

// Paged reports whether positions are pages
func (t *Table) Paged() bool {
	return t != nil && t.tokens == nil
}

// Total returns the number of positions (0 when not built)
func (t *Table) Total() int {
	switch {
	case t == nil:
		return 0
	case t.tokens == nil:
		return t.pages
	default:
		return len(t.tokens)
	}
}

// Token returns the native token of position i
func (t *Table) Token(i int) (string, bool) {
	if i < 0 || i >= t.Total() {
		return "", false
	}
	if t.Paged() {
		return domain.PageToken(i), true
	}
	return t.tokens[i], true
}

// Index returns the position of a native token
func (t *Table) Index(token string) (int, bool) {
	if t == nil {
		return 0, false
	}
	if t.Paged() {
		page, err := strconv.Atoi(token)
		if err != nil || page < 1 || page > t.pages {
			return 0, false
		}
		return page - 1, true
	}
	i, ok := t.index[token]
	return i, ok
}

// Percent returns the completion of position i, or false while unknown
func (t *Table) Percent(i int) (int, bool) {
	return Percent(i, t.Total())
}

// Percent converts a position index to a 0-100 completion percentage.
// It is round(100*i/total), except that only the final index reports 100:
// the final index counts as complete.
// total <= 0 means the index is not built: (0, false), never complete.
func Percent(i, total int) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	if i <= 0 {
		if total == 1 {
			return 100, true
		}
		return 0, true
	}
	if i >= total-1 {
		return 100, true
	}
	pct := (200*i + total) / (2 * total)
	return min(pct, 99), true
}

// ChunkOffsets partitions content of the given length into chunkSize units
// and returns the start offset of every chunk.
func ChunkOffsets(length, chunkSize int) []int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if length <= 0 {
		return []int{0}
	}
	offsets := make([]int, 0, (length+chunkSize-1)/chunkSize)
	for off := 0; off < length; off += chunkSize {
		offsets = append(offsets, off)
	}
	return offsets
}
