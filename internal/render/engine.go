package render

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/location"
)

const (
	defaultWidth  = 80
	defaultHeight = 24

	tokenPrefix = "@"
)

// line is one wrapped line of reflowable text
type line struct {
	start int // Byte offset of the first character
	text  string
}

// Engine lays out a parsed document for a fixed-size terminal view.
// It implements domain.Renderer.
type Engine struct {
	doc    *Document
	logger *slog.Logger

	mu        sync.Mutex
	chunkSize int
	width     int
	height    int
	lines     []line
	top       int // First visible line (reflowable)
	anchor    int // Byte offset the position is reported at; within the top line
	page      int // Current page (paged)
	located   bool
	total     int
	subs      map[int]func(domain.Relocation)
	nextSub   int
}

var _ domain.Renderer = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithChunkSize sets the size of a reflowable position in bytes of text.
func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithSize sets the initial view size.
func WithSize(width, height int) EngineOption {
	return func(e *Engine) {
		if width > 0 {
			e.width = width
		}
		if height > 0 {
			e.height = height
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine showing the start of doc
func NewEngine(doc *Document, opts ...EngineOption) *Engine {
	e := &Engine{
		doc:       doc,
		logger:    slog.Default(),
		chunkSize: location.DefaultChunkSize,
		width:     defaultWidth,
		height:    defaultHeight,
		subs:      make(map[int]func(domain.Relocation)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.relayout()
	return e
}

func (e *Engine) Format() domain.Format { return e.doc.Format }

func (e *Engine) Title() string { return e.doc.Title }

func (e *Engine) paged() bool { return !e.doc.Format.Reflowable() }

// Resize lays the content out again, keeping the current position in view
func (e *Engine) Resize(width, height int) {
	e.mu.Lock()
	if width == e.width && height == e.height {
		e.mu.Unlock()
		return
	}
	e.width = max(width, 1)
	e.height = max(height, 1)
	e.relayout()
	if !e.paged() {
		e.top = e.lineAt(e.anchor)
	}
	rel := e.relocationLocked()
	e.mu.Unlock()

	e.emit(rel)
}

func (e *Engine) relayout() {
	if e.paged() {
		return
	}
	e.lines = layout(e.doc.Text, e.width)
	e.top = min(e.top, len(e.lines)-1)
}

// View returns the visible text
func (e *Engine) View() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paged() {
		text := e.doc.Pages[e.page]
		if text == "" {
			return fmt.Sprintf("[page %d of %d: no extractable text]", e.page+1, len(e.doc.Pages))
		}
		lines := layout(text, e.width)
		out := make([]string, 0, e.height)
		for i := 0; i < len(lines) && i < e.height; i++ {
			out = append(out, lines[i].text)
		}
		return strings.Join(out, "\n")
	}

	end := min(e.top+e.height, len(e.lines))
	out := make([]string, 0, end-e.top)
	for _, l := range e.lines[e.top:end] {
		out = append(out, l.text)
	}
	return strings.Join(out, "\n")
}

// NextPage turns one screen forward. It returns false at the end.
func (e *Engine) NextPage() bool {
	return e.move(func() bool {
		if e.paged() {
			if e.page+1 >= len(e.doc.Pages) {
				return false
			}
			e.page++
			return true
		}
		if e.top+e.height >= len(e.lines) {
			return false
		}
		e.top += e.height
		e.anchor = e.lines[e.top].start
		return true
	})
}

// PrevPage turns one screen back. It returns false at the start.
func (e *Engine) PrevPage() bool {
	return e.move(func() bool {
		if e.paged() {
			if e.page == 0 {
				return false
			}
			e.page--
			return true
		}
		if e.top == 0 {
			return false
		}
		e.top = max(e.top-e.height, 0)
		e.anchor = e.lines[e.top].start
		return true
	})
}

func (e *Engine) move(step func() bool) bool {
	e.mu.Lock()
	if !step() {
		e.mu.Unlock()
		return false
	}
	rel := e.relocationLocked()
	e.mu.Unlock()

	e.emit(rel)
	return true
}

// Display jumps to a native token: "@<offset>" for reflowable content, a page
// number for fixed pages.
func (e *Engine) Display(ctx context.Context, token string) error {
	if e.paged() {
		page, err := strconv.Atoi(token)
		if err != nil || page < 1 || page > len(e.doc.Pages) {
			return fmt.Errorf("%w: page %q", domain.ErrInvalidToken, token)
		}
		return e.DisplayIndex(ctx, page-1)
	}

	offset, ok := parseToken(token)
	if !ok || offset > len(e.doc.Text) || (offset == len(e.doc.Text) && offset > 0) {
		e.logger.Debug("token does not resolve", "token", token, "length", len(e.doc.Text))
		return fmt.Errorf("%w: %q", domain.ErrInvalidToken, token)
	}
	e.move(func() bool {
		e.top = e.lineAt(offset)
		e.anchor = offset
		return true
	})
	return nil
}

// DisplayIndex jumps to a position index, clamped to the document
func (e *Engine) DisplayIndex(ctx context.Context, index int) error {
	if index < 0 {
		return fmt.Errorf("%w: index %d", domain.ErrInvalidToken, index)
	}
	e.move(func() bool {
		if e.paged() {
			e.page = min(index, len(e.doc.Pages)-1)
			return true
		}
		e.anchor = min(index*e.chunkSize, max(len(e.doc.Text)-1, 0))
		e.top = e.lineAt(e.anchor)
		return true
	})
	return nil
}

// DisplayStart shows the first screen
func (e *Engine) DisplayStart(ctx context.Context) error {
	e.move(func() bool {
		e.top, e.page, e.anchor = 0, 0, 0
		return true
	})
	return nil
}

// GenerateLocations returns one token per position. After it completes,
// relocation events carry the index and total.
func (e *Engine) GenerateLocations(ctx context.Context, chunkSize int) ([]string, error) {
	var tokens []string
	if e.paged() {
		tokens = make([]string, len(e.doc.Pages))
		for i := range tokens {
			tokens[i] = domain.PageToken(i)
		}
	} else {
		if chunkSize <= 0 {
			chunkSize = location.DefaultChunkSize
		}
		offsets := location.ChunkOffsets(len(e.doc.Text), chunkSize)
		tokens = make([]string, len(offsets))
		for i, off := range offsets {
			if i%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			tokens[i] = tokenPrefix + strconv.Itoa(off)
		}
	}

	e.mu.Lock()
	if !e.paged() {
		e.chunkSize = chunkSize
	}
	e.located = true
	e.total = len(tokens)
	e.mu.Unlock()

	return tokens, nil
}

// OnRelocated registers fn and returns a func that unregisters it
func (e *Engine) OnRelocated(fn func(domain.Relocation)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Current returns the relocation describing the visible position
func (e *Engine) Current() domain.Relocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relocationLocked()
}

// TOC returns one entry per chapter
func (e *Engine) TOC() []domain.TOCEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paged() {
		return nil
	}
	entries := make([]domain.TOCEntry, 0, len(e.doc.Chapters))
	for _, ch := range e.doc.Chapters {
		entries = append(entries, domain.TOCEntry{Label: ch.Title, Index: ch.Offset / e.chunkSize})
	}
	return entries
}

func (e *Engine) emit(rel domain.Relocation) {
	e.mu.Lock()
	subs := make([]func(domain.Relocation), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(rel)
	}
}

func (e *Engine) relocationLocked() domain.Relocation {
	if e.paged() {
		return domain.Relocation{
			Index:          e.page,
			TotalPositions: len(e.doc.Pages),
			NativeToken:    domain.PageToken(e.page),
		}
	}

	offset := e.anchor
	chunk := offset / e.chunkSize
	rel := domain.Relocation{
		Index:       -1,
		NativeToken: tokenPrefix + strconv.Itoa(chunk*e.chunkSize),
		Displayed:   e.displayedLocked(offset),
	}
	if e.located {
		rel.Index = min(chunk, e.total-1)
		rel.TotalPositions = e.total
	}
	return rel
}

// displayedLocked returns the screen number within the current chapter
func (e *Engine) displayedLocked(offset int) *domain.DisplayedPage {
	first, end := 0, len(e.lines)
	chapters := e.doc.Chapters
	ci := sort.Search(len(chapters), func(i int) bool { return chapters[i].Offset > offset }) - 1
	if ci >= 0 {
		first = e.lineAt(chapters[ci].Offset)
		if ci+1 < len(chapters) {
			end = e.lineAt(chapters[ci+1].Offset)
		}
	} else if len(chapters) > 0 {
		end = e.lineAt(chapters[0].Offset)
	}

	span := max(end-first, 1)
	return &domain.DisplayedPage{
		Page:  min((e.top-first)/e.height+1, (span+e.height-1)/e.height),
		Total: (span + e.height - 1) / e.height,
	}
}

// lineAt returns the line containing byte offset
func (e *Engine) lineAt(offset int) int {
	i := sort.Search(len(e.lines), func(i int) bool { return e.lines[i].start > offset })
	return max(i-1, 0)
}

func parseToken(token string) (int, bool) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// layout wraps text into lines of at most width runes. Words longer than
// width get a line of their own.
func layout(text string, width int) []line {
	var lines []line
	for start := 0; start < len(text); {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		lines = append(lines, wrapParagraph(text, start, end, width)...)
		start = end + 1
	}
	if len(lines) == 0 {
		lines = []line{{start: 0}}
	}
	return lines
}

func wrapParagraph(text string, start, end, width int) []line {
	var out []line
	var b strings.Builder
	lineStart, n := start, 0

	for i := start; i < end; {
		for i < end && (text[i] == ' ' || text[i] == '\t' || text[i] == '\r') {
			i++
		}
		if i >= end {
			break
		}
		j := i
		for j < end && text[j] != ' ' && text[j] != '\t' {
			j++
		}
		word := text[i:j]
		wl := utf8.RuneCountInString(word)

		if n > 0 && n+1+wl > width {
			out = append(out, line{start: lineStart, text: b.String()})
			b.Reset()
			n = 0
		}
		if n == 0 {
			lineStart = i
		} else {
			b.WriteByte(' ')
			n++
		}
		b.WriteString(word)
		n += wl
		i = j
	}

	if n > 0 {
		out = append(out, line{start: lineStart, text: b.String()})
	}
	if len(out) == 0 {
		out = []line{{start: start}}
	}
	return out
}
