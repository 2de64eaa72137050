package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/metrics"
	"github.com/mmcdole/shelvd/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClock fires timers synchronously from Advance
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeRemote records writes and can fail or block them
type fakeRemote struct {
	mu      sync.Mutex
	writes  []domain.ProgressUpdate
	saved   *domain.ReadingPosition
	failN   int
	getErr  error
	block   chan struct{}
	started chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *fakeRemote) GetProgress(ctx context.Context, id int64) (*domain.ReadingPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.saved == nil {
		return nil, domain.ErrNotFound
	}
	pos := *r.saved
	return &pos, nil
}

func (r *fakeRemote) UpdateProgress(ctx context.Context, id int64, u domain.ProgressUpdate) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	r.mu.Lock()
	block, started := r.block, r.started
	r.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, u)
	if r.failN > 0 {
		r.failN--
		return errors.New("server error")
	}
	return nil
}

func (r *fakeRemote) Writes() []domain.ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressUpdate(nil), r.writes...)
}

func newTokens(t *testing.T) domain.TokenStore {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Tokens()
}

func at(index, total int) domain.ReadingPosition {
	return domain.ReadingPosition{PositionIndex: index, TotalPositions: total, NativeToken: "loc-" + string(rune('a'+index%26))}
}

func newTestSync(clock *fakeClock, remote *fakeRemote, tokens domain.TokenStore) *Sync {
	return New(42, remote, tokens, WithClock(clock), WithLogger(quietLogger))
}

func TestSync_CoalescesBurst(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{}
	s := newTestSync(clock, remote, nil)

	for i := 1; i <= 5; i++ {
		assert.True(t, s.Update(at(i, 100)))
		clock.Advance(500 * time.Millisecond)
	}
	assert.Empty(t, remote.Writes())
	assert.Equal(t, Dirty, s.State())

	clock.Advance(DefaultDebounce)

	writes := remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, 5, writes[0].PositionIndex)
	assert.Equal(t, 100, writes[0].TotalPositions)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 5, s.Persisted().PositionIndex)
}

func TestSync_TimerRestartsOnEachUpdate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{}
	s := newTestSync(clock, remote, nil)

	s.Update(at(1, 10))
	clock.Advance(1500 * time.Millisecond)
	s.Update(at(2, 10))
	clock.Advance(1500 * time.Millisecond)
	assert.Empty(t, remote.Writes())

	clock.Advance(500 * time.Millisecond)
	require.Len(t, remote.Writes(), 1)
}

func TestSync_UnchangedPositionIgnored(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{}
	s := newTestSync(clock, remote, nil)

	s.Seed(at(3, 10))
	assert.False(t, s.Update(at(3, 10)))
	assert.Equal(t, Idle, s.State())

	clock.Advance(DefaultDebounce)
	assert.Empty(t, remote.Writes())
}

func TestSync_LocalTokenWrittenPerUpdate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tokens := newTokens(t)
	s := newTestSync(clock, &fakeRemote{}, tokens)

	s.Update(domain.ReadingPosition{PositionIndex: 1, TotalPositions: 10, NativeToken: "first"})
	s.Update(domain.ReadingPosition{PositionIndex: 2, TotalPositions: 10, NativeToken: "second"})

	// No timer fired, the token is already there
	token, ok, err := tokens.GetToken(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", token)
}

func TestSync_PageTokensStoredLocally(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tokens := newTokens(t)
	remote := &fakeRemote{}
	s := New(42, remote, tokens, WithClock(clock), WithLogger(quietLogger), WithPageTokens())

	s.Update(domain.ReadingPosition{PositionIndex: 3, TotalPositions: 5})

	token, ok, err := tokens.GetToken(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", token)

	// The remote write still carries no token
	clock.Advance(DefaultDebounce)
	require.Len(t, remote.Writes(), 1)
	assert.Empty(t, remote.Writes()[0].NativeToken)
}

func TestSync_NoTokenWithoutPageTokens(t *testing.T) {
	t.Parallel()

	tokens := newTokens(t)
	s := newTestSync(newFakeClock(), &fakeRemote{}, tokens)

	s.Update(domain.ReadingPosition{PositionIndex: 3, TotalPositions: 5})

	_, ok, err := tokens.GetToken(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSync_FlushOnClose(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{}
	s := newTestSync(clock, remote, nil)

	s.Update(at(7, 10))
	s.Update(at(9, 10))

	require.NoError(t, s.Close(context.Background()))

	writes := remote.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, 9, writes[0].PositionIndex)
	assert.True(t, s.Persisted().IsComplete)

	// Closed: no more updates, stale timer is inert
	assert.False(t, s.Update(at(1, 10)))
	clock.Advance(time.Minute)
	assert.Len(t, remote.Writes(), 1)
}

func TestSync_FlushNothingDirty(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{}
	s := newTestSync(clock, remote, nil)

	s.Update(at(1, 10))
	clock.Advance(DefaultDebounce)
	require.Len(t, remote.Writes(), 1)

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, remote.Writes(), 1)
}

func TestSync_FailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{failN: 1}
	s := newTestSync(clock, remote, nil)

	s.Update(at(1, 10))
	clock.Advance(DefaultDebounce)
	require.Len(t, remote.Writes(), 1)
	assert.Equal(t, Idle, s.State())
	assert.Error(t, s.Err())
	assert.Zero(t, s.Persisted().PositionIndex)

	// No retry on its own
	clock.Advance(time.Minute)
	assert.Len(t, remote.Writes(), 1)

	// The next relocation carries the newest position
	s.Update(at(2, 10))
	clock.Advance(DefaultDebounce)
	writes := remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 2, writes[1].PositionIndex)
	assert.NoError(t, s.Err())
}

func TestSync_FlushReportsFailure(t *testing.T) {
	t.Parallel()

	failures := metrics.ProgressWrites.WithLabelValues(triggerFlush, "failure")
	before := testutil.ToFloat64(failures)

	remote := &fakeRemote{failN: 1}
	s := newTestSync(newFakeClock(), remote, nil)

	s.Update(at(4, 10))
	assert.Error(t, s.Close(context.Background()))
	assert.Equal(t, Idle, s.State())
	assert.GreaterOrEqual(t, testutil.ToFloat64(failures), before+1)
}

func TestSync_SingleWriteInFlight(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{block: make(chan struct{}), started: make(chan struct{}, 4)}
	s := newTestSync(clock, remote, nil)

	s.Update(at(1, 10))
	fired := make(chan struct{})
	go func() {
		clock.Advance(DefaultDebounce)
		close(fired)
	}()
	<-remote.started
	assert.Equal(t, Persisting, s.State())

	// Relocation while persisting: stays persisting, timer fires during the write
	s.Update(at(2, 10))
	assert.Equal(t, Persisting, s.State())
	clock.Advance(DefaultDebounce)

	close(remote.block)

	<-fired
	writes := remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 1, writes[0].PositionIndex)
	assert.Equal(t, 2, writes[1].PositionIndex)
	assert.Equal(t, int32(1), remote.maxActive.Load())
	assert.Equal(t, Idle, s.State())
}

func TestSync_FlushWaitsForInFlightWrite(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	remote := &fakeRemote{block: make(chan struct{}), started: make(chan struct{}, 4)}
	s := newTestSync(clock, remote, nil)

	s.Update(at(1, 10))
	go clock.Advance(DefaultDebounce)
	<-remote.started

	s.Update(at(3, 10))
	flushed := make(chan error, 1)
	go func() { flushed <- s.Close(context.Background()) }()

	close(remote.block)

	require.NoError(t, <-flushed)
	writes := remote.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 3, writes[1].PositionIndex)
	assert.Equal(t, int32(1), remote.maxActive.Load())
}
