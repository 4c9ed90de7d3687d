package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTokensSupersede(t *testing.T) {
	t.Parallel()
	tokens := NewTokens()

	a := tokens.Issue(1, 0b10)
	other := tokens.Issue(2, 0b10)
	b := tokens.Issue(1, 0b10)

	assert.Greater(t, b.Counter, other.Counter)
	assert.Greater(t, other.Counter, a.Counter)
	assert.False(t, tokens.Current(a))
	assert.True(t, tokens.Current(b))
	assert.True(t, tokens.Current(other))
	assert.ErrorIs(t, tokens.Check(a), ErrSuperseded)
	assert.NoError(t, tokens.Check(b))

	// Releasing a stale token leaves the live one alone.
	tokens.Release(a)
	assert.True(t, tokens.Current(b))
	tokens.Release(b)
	assert.False(t, tokens.Current(b))
	assert.Equal(t, 1, tokens.Len())
}

func TestTokensConcurrentIssue(t *testing.T) {
	t.Parallel()
	tokens := NewTokens()

	var wg sync.WaitGroup
	seen := make([]Token, 64)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen[i] = tokens.Issue(9, 1)
		}()
	}
	wg.Wait()

	live := 0
	counters := make(map[uint64]bool)
	for _, tok := range seen {
		assert.False(t, counters[tok.Counter], "counter %d issued twice", tok.Counter)
		counters[tok.Counter] = true
		if tokens.Current(tok) {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestGPULaneThrottles(t *testing.T) {
	t.Parallel()
	lane := NewGPULane(zaptest.NewLogger(t), 2)
	t.Cleanup(lane.Close)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lane.Submit(context.Background(), func() error {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return lane.Queued() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, lane.Tick())
	require.Eventually(t, func() bool { return lane.Executed() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, lane.Queued())

	assert.Equal(t, 2, lane.Tick())
	assert.Equal(t, 1, lane.Tick())
	wg.Wait()
	assert.Equal(t, int64(5), lane.Executed())
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestGPULaneAbandonedWork(t *testing.T) {
	t.Parallel()
	lane := NewGPULane(zaptest.NewLogger(t), 4)
	t.Cleanup(lane.Close)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- lane.Submit(ctx, func() error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return lane.Queued() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, lane.Tick())
	assert.False(t, ran.Load())
}

func TestGPULaneUnthrottled(t *testing.T) {
	t.Parallel()
	lane := NewGPULane(nil, 0)
	t.Cleanup(lane.Close)

	called := false
	require.NoError(t, lane.Submit(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestGPULaneCloseFailsQueued(t *testing.T) {
	t.Parallel()
	lane := NewGPULane(zaptest.NewLogger(t), 1)

	errc := make(chan error, 1)
	go func() { errc <- lane.Submit(context.Background(), func() error { return nil }) }()
	require.Eventually(t, func() bool { return lane.Queued() == 1 }, time.Second, time.Millisecond)

	lane.Close()
	assert.ErrorIs(t, <-errc, ErrLaneClosed)
	assert.ErrorIs(t, lane.Submit(context.Background(), func() error { return nil }), ErrLaneClosed)
}

func TestDeferredRunsAtSync(t *testing.T) {
	t.Parallel()
	var d Deferred
	var order []int
	d.Defer(func() { order = append(order, 1) })
	d.Defer(func() {
		order = append(order, 2)
		d.Defer(func() { order = append(order, 3) })
	})

	assert.Equal(t, 2, d.Sync())
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 1, d.Sync())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDelaysDebounce(t *testing.T) {
	t.Parallel()
	d := NewDelays[string]()
	var fired []string

	d.Schedule("a", 2, func() { fired = append(fired, "a1") })
	d.Schedule("b", 0, func() { fired = append(fired, "b") })
	assert.Equal(t, 1, d.Tick())
	assert.Equal(t, []string{"b"}, fired)

	// Rescheduling restarts the countdown and replaces the function.
	d.Schedule("a", 2, func() { fired = append(fired, "a2") })
	assert.Zero(t, d.Tick())
	assert.Equal(t, 1, d.Tick())
	assert.Equal(t, []string{"b", "a2"}, fired)

	d.Schedule("c", 1, func() { fired = append(fired, "c") })
	d.cancel("c")
	d.Schedule("c", 2, func() { fired = append(fired, "c2") })
	assert.Zero(t, d.Tick())
	assert.Equal(t, 1, d.Tick())
	assert.Zero(t, d.Len())
	assert.Equal(t, []string{"b", "a2", "c2"}, fired)
}
