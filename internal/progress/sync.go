package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/metrics"
)

const (
	DefaultDebounce     = 2 * time.Second
	DefaultWriteTimeout = 5 * time.Second

	triggerDebounce = "debounce"
	triggerFlush    = "flush"
)

// State is the persistence state of the open document
type State int

const (
	Idle       State = iota // Nothing to persist
	Dirty                   // Newer position than the remote one, timer pending
	Persisting              // Debounced write in flight
	Flushing                // Teardown write in flight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dirty:
		return "dirty"
	case Persisting:
		return "persisting"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// progressWriter is the part of the remote store Sync writes to
type progressWriter interface {
	UpdateProgress(ctx context.Context, documentID int64, update domain.ProgressUpdate) error
}

// Sync owns the reading position of one open document. It coalesces updates
// into one remote write per quiet debounce window, keeps at most one write in
// flight, and writes the latest token to the local store on every update.
type Sync struct {
	documentID   int64
	remote       progressWriter
	local        domain.TokenStore
	pageTokens   bool
	logger       *slog.Logger
	clock        Clock
	debounce     time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	state     State
	pos       domain.ReadingPosition
	persisted domain.ReadingPosition
	dirty     bool
	due       bool // Timer fired while a write was in flight
	timer     Timer
	gen       uint64 // Invalidates timer callbacks that lost a race with Stop
	inflight  chan struct{}
	closed    bool
	lastErr   error
}

// Option configures a Sync.
type Option func(*Sync)

// WithDebounce sets the quiet period before a coalesced write.
func WithDebounce(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithWriteTimeout bounds each remote write; expiry counts as a failure.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Sync) {
		s.clock = c
	}
}

// WithPageTokens stores the page number as the local token when a position
// carries none, as fixed-page positions do once their table is built.
func WithPageTokens() Option {
	return func(s *Sync) {
		s.pageTokens = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sync) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the sync for documentID. local may be nil.
func New(documentID int64, remote progressWriter, local domain.TokenStore, opts ...Option) *Sync {
	s := &Sync{
		documentID:   documentID,
		remote:       remote,
		local:        local,
		logger:       slog.Default(),
		clock:        realClock{},
		debounce:     DefaultDebounce,
		writeTimeout: DefaultWriteTimeout,
		pos:          domain.ReadingPosition{DocumentID: documentID},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("documentID", documentID)
	s.persisted = s.pos
	return s
}

// Seed sets the restored position without scheduling a write
func (s *Sync) Seed(pos domain.ReadingPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.DocumentID = s.documentID
	s.pos = pos
	s.persisted = pos
}

// Update records a new live position. It returns false when the position is
// unchanged or the sync is closed.
func (s *Sync) Update(pos domain.ReadingPosition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	pos.DocumentID = s.documentID
	pos.IsComplete = pos.Complete()
	if pos.SamePlace(s.pos) {
		return false
	}
	pos.UpdatedAt = s.pos.UpdatedAt

	s.pos = pos
	s.dirty = true
	if s.state == Idle {
		s.state = Dirty
	}
	s.restartTimerLocked()
	metrics.Relocations.Inc()

	// Same-device fallback, written in update order and never debounced
	if token := s.localToken(pos); s.local != nil && token != "" {
		if err := s.local.SetToken(context.Background(), s.documentID, token); err != nil {
			s.logger.Warn("failed to store local position token", "error", err)
		}
	}
	return true
}

func (s *Sync) localToken(pos domain.ReadingPosition) string {
	if pos.NativeToken != "" || !s.pageTokens || pos.TotalPositions <= 0 {
		return pos.NativeToken
	}
	return domain.PageToken(pos.PositionIndex)
}

func (s *Sync) restartTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(gen) })
}

func (s *Sync) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.persist(context.Background(), triggerDebounce, false)
}

// persist writes the latest dirty position. The debounce path never waits: if
// a write is in flight it marks the next cycle due. The flush path waits for
// the in-flight write and then writes whatever is still dirty.
func (s *Sync) persist(ctx context.Context, trigger string, wait bool) error {
	for {
		s.mu.Lock()
		if s.inflight != nil {
			ch := s.inflight
			if !wait {
				s.due = true
				s.mu.Unlock()
				return nil
			}
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !s.dirty {
			s.mu.Unlock()
			return nil
		}

		snap := s.pos
		s.dirty = false
		s.due = false
		if trigger == triggerFlush {
			s.state = Flushing
		} else {
			s.state = Persisting
		}
		done := make(chan struct{})
		s.inflight = done
		s.mu.Unlock()

		err := s.write(ctx, trigger, snap)

		s.mu.Lock()
		s.inflight = nil
		close(done)
		s.lastErr = err
		if err == nil {
			snap.UpdatedAt = s.clock.Now()
			s.persisted = snap
			if s.pos.SamePlace(snap) {
				s.pos.UpdatedAt = snap.UpdatedAt
			}
		}
		again := s.dirty && s.due
		if s.dirty {
			s.state = Dirty
		} else {
			s.state = Idle
		}
		s.mu.Unlock()

		if trigger == triggerFlush {
			if err != nil {
				return err
			}
			continue // Anything that arrived during the write goes out too
		}
		if !again {
			return err
		}
	}
}

func (s *Sync) write(ctx context.Context, trigger string, snap domain.ReadingPosition) error {
	// Teardown callers may already be cancelling; the write itself still gets
	// its own timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	start := time.Now()
	err := s.remote.UpdateProgress(ctx, s.documentID, snap.Update())
	metrics.ProgressWriteSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("progress write timed out", "timeout", s.writeTimeout, "trigger", trigger)
		} else {
			s.logger.Warn("failed to persist reading position", "error", err, "trigger", trigger)
		}
		metrics.ProgressWrites.WithLabelValues(trigger, "failure").Inc()
		return err
	}

	metrics.ProgressWrites.WithLabelValues(trigger, "success").Inc()
	s.logger.Debug("persisted reading position",
		"index", snap.PositionIndex,
		"total", snap.TotalPositions,
		"trigger", trigger,
	)
	return nil
}

// Flush writes any dirty position now, bypassing the debounce window.
// It waits for an in-flight write first; calling it with nothing dirty is a no-op.
func (s *Sync) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.mu.Unlock()

	return s.persist(ctx, triggerFlush, true)
}

// Close flushes and rejects further updates
func (s *Sync) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// State returns the current persistence state
func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the live in-memory position
func (s *Sync) Position() domain.ReadingPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Persisted returns the last position known to be stored remotely
func (s *Sync) Persisted() domain.ReadingPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// Err returns the error of the most recent write, if it failed
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
