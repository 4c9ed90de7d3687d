package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/parallel"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/internal/scene/mocks"
)

const slotBody uint32 = 1 << 2

// fakeUpdater bakes a 1-texel-high texture whose width is the token counter,
// so applied results can be traced back to their token.
type fakeUpdater struct {
	tokens *Tokens
	mid    func(tok Token)
	fail   func(tok Token) error

	mu    sync.Mutex
	baked map[uint64]*texture.Resource
}

func (u *fakeUpdater) Update(_ context.Context, tok Token) ([]Output, error) {
	if u.mid != nil {
		u.mid(tok)
	}
	if u.fail != nil {
		if err := u.fail(tok); err != nil {
			return nil, err
		}
	}
	if err := u.tokens.Check(tok); err != nil {
		return nil, err
	}
	res := texture.NewResource(texture.New(int(tok.Counter), 1))
	u.mu.Lock()
	if u.baked == nil {
		u.baked = make(map[uint64]*texture.Resource)
	}
	u.baked[tok.Counter] = res.Acquire()
	u.mu.Unlock()
	return []Output{{Submesh: "body", Resource: res}}, nil
}

func (u *fakeUpdater) resource(counter uint64) (*texture.Resource, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.baked[counter]
	return r, ok
}

type harness struct {
	coord   *Coordinator
	host    *mocks.MockHost
	tokens  *Tokens
	updater *fakeUpdater

	mu      sync.Mutex
	applied []*texture.Resource
}

func newHarness(t *testing.T, hook Hook) *harness {
	t.Helper()
	return newHarnessWithLogger(t, hook, zaptest.NewLogger(t))
}

func newHarnessWithLogger(t *testing.T, hook Hook, log *zap.Logger) *harness {
	t.Helper()
	return newHarnessWithOptions(t, log, Options{BakeDelayTicks: 1, Hook: hook})
}

func newHarnessWithOptions(t *testing.T, log *zap.Logger, opts Options) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{host: mocks.NewMockHost(ctrl), tokens: NewTokens()}
	h.updater = &fakeUpdater{tokens: h.tokens}

	pool := parallel.NewPool("orchestration-test", 2)
	t.Cleanup(pool.Close)
	h.coord = NewCoordinator(log, h.host, h.tokens, h.updater, pool, nil, nil, opts)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) expectLoaded() {
	h.host.EXPECT().Character(uint32(1)).Return(scene.Character{ID: 1}, true).AnyTimes()
	h.host.EXPECT().IsLoaded(uint32(1), "body").Return(true).AnyTimes()
	h.host.EXPECT().SetNormalTexture(uint32(1), "body", gomock.Any()).
		DoAndReturn(func(_ uint32, _ string, res *texture.Resource) error {
			h.mu.Lock()
			h.applied = append(h.applied, res)
			h.mu.Unlock()
			return nil
		}).Times(1)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.coord.Frame()
		return h.coord.Idle() && h.tokens.Len() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestCoordinatorAppliesAtFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.expectLoaded()

	tok := h.coord.OnDirty(1, slotBody)
	h.settle(t)

	require.Len(t, h.applied, 1)
	assert.Equal(t, int(tok.Counter), h.applied[0].Texture.Width)
	assert.Equal(t, int64(1), h.coord.Applied())
}

// A newer token issued at any stage of an older job wins: the older job
// never reaches the host.
func TestCoordinatorSupersededAtEveryStage(t *testing.T) {
	t.Parallel()
	for _, stage := range []string{"run", "update", "result", "apply"} {
		t.Run(stage, func(t *testing.T) {
			t.Parallel()
			var (
				h     *harness
				first Token
				once  sync.Once
			)
			supersede := func(at string, tok Token) {
				if at == stage && tok.Counter == first.Counter {
					once.Do(func() { h.coord.OnDirty(tok.Character, tok.Slots) })
				}
			}
			h = newHarness(t, supersede)
			h.updater.mid = func(tok Token) { supersede("update", tok) }
			h.expectLoaded()

			first = h.coord.OnDirty(1, slotBody)
			h.settle(t)

			require.Len(t, h.applied, 1)
			assert.Greater(t, h.applied[0].Texture.Width, int(first.Counter))
			if res, ok := h.updater.resource(first.Counter); ok {
				// Only the updater's own test reference is left.
				assert.Equal(t, int32(1), res.RefCount())
			}
		})
	}
}

func TestCoordinatorDebouncesBursts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.expectLoaded()

	var last Token
	for range 4 {
		last = h.coord.OnDirty(1, slotBody)
	}
	h.settle(t)

	require.Len(t, h.applied, 1)
	assert.Equal(t, int(last.Counter), h.applied[0].Texture.Width)
	_, bakedFirst := h.updater.resource(last.Counter - 1)
	assert.False(t, bakedFirst, "superseded bake ran")
}

func TestCoordinatorRevalidatesBeforeApply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.host.EXPECT().Character(uint32(1)).Return(scene.Character{ID: 1}, true).AnyTimes()
	h.host.EXPECT().IsLoaded(uint32(1), "body").Return(false).AnyTimes()

	tok := h.coord.OnDirty(1, slotBody)
	h.settle(t)

	assert.Zero(t, h.coord.Applied())
	res, ok := h.updater.resource(tok.Counter)
	require.True(t, ok)
	assert.Equal(t, int32(1), res.RefCount())
}

func TestCoordinatorCharacterGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.host.EXPECT().Character(uint32(1)).Return(scene.Character{}, false).AnyTimes()

	h.coord.OnDirty(1, slotBody)
	h.settle(t)
	assert.Zero(t, h.coord.Applied())
}

type countingEvictor struct{ n int }

func (e *countingEvictor) EvictUnused() int { e.n++; return 0 }

func TestFrameEvictsEveryN(t *testing.T) {
	t.Parallel()
	pool := parallel.NewPool("orchestration-test", 1)
	t.Cleanup(pool.Close)
	ev := &countingEvictor{}
	lane := NewGPULane(nil, 1)
	t.Cleanup(lane.Close)
	c := NewCoordinator(nil, nil, NewTokens(), nil, pool, lane, ev, Options{EvictEveryFrames: 3})

	for range 7 {
		c.Frame()
	}
	assert.Equal(t, 2, ev.n)
	assert.Equal(t, uint64(7), c.Frames())
}

// Superseded, cancelled and input-less jobs abort at debug level; only
// unexpected failures are logged above it.
func TestCoordinatorLogsFailuresByKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		fail  func(h *harness, tok Token) error
		msg   string
		level zapcore.Level
	}{
		{
			name: "superseded",
			fail: func(h *harness, tok Token) error {
				h.tokens.Issue(tok.Character, tok.Slots)
				return h.tokens.Check(tok)
			},
			msg:   "bake cancelled",
			level: zapcore.DebugLevel,
		},
		{
			name: "geometry cancelled",
			fail: func(*harness, Token) error {
				return zerr.With(zerr.Wrap(geometry.ErrCancelled, "process"), "stage", "weld")
			},
			msg:   "bake cancelled",
			level: zapcore.DebugLevel,
		},
		{
			name: "character gone",
			fail: func(_ *harness, tok Token) error {
				return zerr.With(zerr.Wrap(scene.ErrGone, "character lookup"), "character", tok.Character)
			},
			msg:   "character unloaded during bake",
			level: zapcore.DebugLevel,
		},
		{
			name: "missing input",
			fail: func(*harness, Token) error {
				return zerr.With(zerr.Wrap(geometry.ErrMissingInput, "extract"), "character", 1)
			},
			msg:   "bake skipped",
			level: zapcore.DebugLevel,
		},
		{
			name:  "unexpected",
			fail:  func(*harness, Token) error { return errors.New("device exploded") },
			msg:   "bake failed",
			level: zapcore.ErrorLevel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			core, logs := observer.New(zapcore.DebugLevel)
			h := newHarnessWithLogger(t, nil, zap.New(core))
			h.updater.fail = func(tok Token) error { return tt.fail(h, tok) }

			h.coord.OnDirty(1, slotBody)
			require.Eventually(t, func() bool {
				h.coord.Frame()
				return logs.FilterMessage(tt.msg).Len() > 0
			}, 2*time.Second, time.Millisecond)

			entries := logs.FilterMessage(tt.msg).All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			if tt.level == zapcore.DebugLevel {
				assert.Zero(t, logs.Filter(func(e observer.LoggedEntry) bool {
					return e.Level > zapcore.DebugLevel
				}).Len())
			}
			assert.Zero(t, h.coord.Applied())
		})
	}
}

type recordingBlocker struct {
	mu      sync.Mutex
	events  []string
	blocked map[uint32]bool
}

func (b *recordingBlocker) Block(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("block %d", id))
	b.blocked[id] = true
}

func (b *recordingBlocker) Unblock(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("unblock %d", id))
	b.blocked[id] = false
}

func (b *recordingBlocker) isBlocked(id uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[id]
}

func TestCoordinatorBlocksDetectionWhileApplying(t *testing.T) {
	t.Parallel()
	blocker := &recordingBlocker{blocked: map[uint32]bool{}}
	h := newHarnessWithOptions(t, zaptest.NewLogger(t), Options{BakeDelayTicks: 1, Blocker: blocker})

	var blockedDuringSwap bool
	h.host.EXPECT().Character(uint32(1)).Return(scene.Character{ID: 1}, true).AnyTimes()
	h.host.EXPECT().IsLoaded(uint32(1), "body").Return(true).AnyTimes()
	h.host.EXPECT().SetNormalTexture(uint32(1), "body", gomock.Any()).
		DoAndReturn(func(id uint32, _ string, _ *texture.Resource) error {
			blockedDuringSwap = blocker.isBlocked(id)
			return nil
		}).Times(1)

	h.coord.OnDirty(1, slotBody)
	h.settle(t)

	assert.True(t, blockedDuringSwap)
	assert.False(t, blocker.isBlocked(1))
	assert.Equal(t, []string{"block 1", "unblock 1"}, blocker.events)
}
