package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
)

// Generator produces one native token per addressable position
type Generator interface {
	GenerateLocations(ctx context.Context, chunkSize int) ([]string, error)
}

// Location is a relocation translated against the table
type Location struct {
	Index int
	Total int // 0 while unknown
	Token string
}

// Indexer builds the location table of one open document in the background.
// Relocations arriving before the build completes are translated with an
// unknown total.
type Indexer struct {
	chunkSize int
	logger    *slog.Logger

	table atomic.Pointer[Table]
	once  sync.Once
	done  chan struct{}
	err   error
	stop  context.CancelFunc
}

// NewIndexer creates an indexer that chunks reflowable content by chunkSize
func NewIndexer(chunkSize int, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Indexer{
		chunkSize: chunkSize,
		logger:    logger,
		done:      make(chan struct{}),
		stop:      func() {},
	}
}

// Build starts generating the table. Only the first call has an effect.
func (ix *Indexer) Build(ctx context.Context, gen Generator, format domain.Format) {
	ix.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		ix.stop = cancel
		go func() {
			defer close(ix.done)
			defer cancel()

			start := time.Now()
			tokens, err := gen.GenerateLocations(ctx, ix.chunkSize)
			if err != nil {
				ix.err = fmt.Errorf("generate locations: %w", err)
				ix.logger.Warn("failed to generate locations", "error", err)
				return
			}

			var t *Table
			if format.Reflowable() {
				t = NewTable(tokens)
			} else {
				t = NewPagedTable(len(tokens))
			}
			ix.table.Store(t)
			ix.logger.Debug("generated locations", "total", t.Total(), "elapsed", time.Since(start))
		}()
	})
}

// Table returns the built table, or nil while generation is pending
func (ix *Indexer) Table() *Table {
	return ix.table.Load()
}

// Ready reports whether the table is available
func (ix *Indexer) Ready() bool {
	return ix.Table().Total() > 0
}

// Done is closed when generation finishes, successfully or not
func (ix *Indexer) Done() <-chan struct{} {
	return ix.done
}

// Err returns the generation error after Done is closed
func (ix *Indexer) Err() error {
	select {
	case <-ix.done:
		return ix.err
	default:
		return nil
	}
}

// Discard cancels a pending build and drops the table
func (ix *Indexer) Discard() {
	ix.stop()
	ix.table.Store(nil)
}

// Locate translates a relocation event. With a built table the table decides
// the total; before that the event's own total, then the renderer's
// section-local page, are used.
func (ix *Indexer) Locate(rel domain.Relocation) Location {
	t := ix.Table()
	loc := Location{Index: rel.Index, Token: rel.NativeToken}

	if t.Total() > 0 {
		loc.Total = t.Total()
		if loc.Index < 0 {
			if i, ok := t.Index(rel.NativeToken); ok {
				loc.Index = i
			}
		}
		if t.Paged() {
			loc.Token = "" // The page number is the position
		}
		loc.Index = clamp(loc.Index, 0, loc.Total-1)
		return loc
	}

	switch {
	case rel.TotalPositions > 0:
		loc.Total = rel.TotalPositions
		loc.Index = clamp(loc.Index, 0, loc.Total-1)
	case rel.Displayed != nil && rel.Displayed.Total > 0:
		loc.Index = clamp(rel.Displayed.Page-1, 0, rel.Displayed.Total-1)
		loc.Total = rel.Displayed.Total
	default:
		loc.Index = max(loc.Index, 0)
	}
	return loc
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
