package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/parallel"
	"github.com/Faultbox/normalsynth/internal/scene"
)

// Output is one finished normal map for one submesh. It carries a reference
// owned by whoever holds the Output.
type Output struct {
	Submesh  string
	Resource *texture.Resource
}

// Release drops the references held by outs.
func Release(outs []Output) {
	for _, o := range outs {
		if o.Resource != nil {
			o.Resource.Release()
		}
	}
}

// Updater is the job body the coordinator runs for a dirty key.
type Updater interface {
	Update(ctx context.Context, tok Token) ([]Output, error)
}

// Evictor is the part of the resource cache the frame loop drives.
type Evictor interface {
	EvictUnused() int
}

// Blocker suspends change detection for a character while its normal maps
// are swapped, so the swap is never reported back as a mesh edit.
type Blocker interface {
	Block(id uint32)
	Unblock(id uint32)
}

// Hook is called at each coordinator stage: "scheduled", "run", "result"
// and "apply". Tests use it to force interleavings.
type Hook func(stage string, tok Token)

// Options configures a Coordinator.
type Options struct {
	BakeDelayTicks   int
	EvictEveryFrames int
	Hook             Hook
	Blocker          Blocker
}

// Coordinator turns dirty notifications into jobs and applies their results
// at the end of a frame.
type Coordinator struct {
	log     *zap.Logger
	host    scene.Host
	tokens  *Tokens
	updater Updater
	pool    *parallel.Pool
	lane    *GPULane
	cache   Evictor
	opts    Options

	deferred Deferred
	delays   *Delays[Key]

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	frames  atomic.Uint64
	applied atomic.Int64
	closed  atomic.Bool
}

// NewCoordinator wires the coordinator. lane and cache may be nil.
func NewCoordinator(log *zap.Logger, host scene.Host, tokens *Tokens, updater Updater,
	pool *parallel.Pool, lane *GPULane, cache Evictor, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:     logger.OrNop(log),
		host:    host,
		tokens:  tokens,
		updater: updater,
		pool:    pool,
		lane:    lane,
		cache:   cache,
		opts:    opts,
		delays:  NewDelays[Key](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Coordinator) hook(stage string, tok Token) {
	if c.opts.Hook != nil {
		c.opts.Hook(stage, tok)
	}
}

// OnDirty issues a new token for (character, slots) and schedules its job
// after the bake delay. Any job holding an older token for the key aborts
// at its next checkpoint.
func (c *Coordinator) OnDirty(character, slots uint32) Token {
	tok := c.tokens.Issue(character, slots)
	c.delays.Schedule(tok.Key(), c.opts.BakeDelayTicks, func() {
		if c.closed.Load() {
			return
		}
		c.jobs.Add(1)
		c.pool.Go(func() {
			defer c.jobs.Done()
			c.run(tok)
		})
	})
	c.hook("scheduled", tok)
	c.log.Debug("scheduled bake",
		zap.Uint32("character", character),
		zap.Uint32("slots", slots),
		zap.Uint64("token", tok.Counter))
	return tok
}

func (c *Coordinator) stale(tok Token, stage string) bool {
	if c.tokens.Current(tok) {
		return false
	}
	c.log.Debug("stale bake dropped", zap.String("token", tok.String()), zap.String("stage", stage))
	return true
}

func (c *Coordinator) run(tok Token) {
	c.hook("run", tok)
	if c.stale(tok, "run") {
		return
	}

	outs, err := c.updater.Update(c.ctx, tok)
	if err != nil {
		Release(outs)
		c.tokens.Release(tok)
		switch {
		case errors.Is(err, ErrSuperseded), errors.Is(err, geometry.ErrCancelled), errors.Is(err, context.Canceled):
			c.log.Debug("bake cancelled", zap.String("token", tok.String()), zap.Error(err))
		case errors.Is(err, scene.ErrGone):
			c.log.Debug("character unloaded during bake", zap.String("token", tok.String()))
		case errors.Is(err, geometry.ErrMissingInput):
			c.log.Debug("bake skipped", zap.String("token", tok.String()), zap.Error(err))
		default:
			c.log.Error("bake failed", zap.String("token", tok.String()), zap.Error(err))
		}
		return
	}

	c.hook("result", tok)
	if c.stale(tok, "result") {
		Release(outs)
		return
	}
	c.deferred.Defer(func() { c.apply(tok, outs) })
}

// apply swaps the finished maps in. It runs inside Frame, so the host sees
// the swap at its synchronization point.
func (c *Coordinator) apply(tok Token, outs []Output) {
	defer Release(outs)
	c.hook("apply", tok)
	if c.closed.Load() || c.stale(tok, "apply") {
		return
	}
	if _, ok := c.host.Character(tok.Character); !ok {
		c.log.Debug("character unloaded before apply", zap.Uint32("character", tok.Character))
		c.tokens.Release(tok)
		return
	}
	if b := c.opts.Blocker; b != nil {
		b.Block(tok.Character)
		defer b.Unblock(tok.Character)
	}
	for _, o := range outs {
		if !c.host.IsLoaded(tok.Character, o.Submesh) {
			c.log.Debug("submesh unloaded before apply",
				zap.Uint32("character", tok.Character),
				zap.String("submesh", o.Submesh))
			continue
		}
		if err := c.host.SetNormalTexture(tok.Character, o.Submesh, o.Resource); err != nil {
			c.log.Warn("normal map swap failed",
				zap.Uint32("character", tok.Character),
				zap.String("submesh", o.Submesh),
				zap.Error(err))
			continue
		}
		c.applied.Add(1)
	}
	c.tokens.Release(tok)
}

// Frame runs the end-of-frame work: delayed jobs start, the GPU lane
// releases its quota, deferred applies run, and every EvictEveryFrames
// frames the cache drops unused entries.
func (c *Coordinator) Frame() {
	c.delays.Tick()
	if c.lane != nil {
		c.lane.Tick()
	}
	c.deferred.Sync()

	n := c.frames.Add(1)
	if c.cache != nil && c.opts.EvictEveryFrames > 0 && n%uint64(c.opts.EvictEveryFrames) == 0 {
		c.cache.EvictUnused()
	}
}

// Idle reports whether no job is scheduled, running or waiting to apply.
func (c *Coordinator) Idle() bool {
	return c.delays.Len() == 0 && c.pool.Pending() == 0 && c.deferred.Len() == 0
}

// Frames returns the number of frames run.
func (c *Coordinator) Frames() uint64 { return c.frames.Load() }

// Applied returns the number of normal maps swapped in.
func (c *Coordinator) Applied() int64 { return c.applied.Load() }

// Close cancels running jobs, waits for them, and drops unapplied results.
func (c *Coordinator) Close() {
	c.closed.Store(true)
	c.cancel()
	c.jobs.Wait()
	c.deferred.Sync()
}
