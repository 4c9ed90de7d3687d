// Package services builds the long-lived pipeline objects once and hands
// them to the host integration. Nothing here is a package-level singleton.
package services

import (
	"context"
	"sync/atomic"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/cache"
	"github.com/Faultbox/normalsynth/internal/condition"
	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/detect"
	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/gpu"
	"github.com/Faultbox/normalsynth/internal/engine/raster"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/parallel"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/internal/task"
	"github.com/Faultbox/normalsynth/internal/updater"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// Services holds every pipeline component.
type Services struct {
	Config *config.Config
	Log    *zap.Logger
	Host   scene.Host

	Orchestration *parallel.Pool
	Numeric       *parallel.Pool
	Detection     *parallel.Pool
	Lane          *task.GPULane

	Tokens      *task.Tokens
	Cache       *cache.Cache
	Conditions  *condition.Set
	Detector    *detect.Detector
	Geometry    *geometry.Processor
	Engine      *raster.Engine
	Updater     *updater.Updater
	Coordinator *task.Coordinator

	detecting atomic.Bool
}

// Options are optional extras for New.
type Options struct {
	// Hook is passed to the coordinator and the updater.
	Hook task.Hook
}

// New builds the pipeline. With GPU enabled and a nil device, the software
// compute device is used.
func New(cfg *config.Config, log *zap.Logger, host scene.Host, loader texture.Loader, device gpu.Device, opts ...Options) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerr.Wrap(err, "invalid config")
	}
	log = logger.OrNop(log)
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	s := &Services{
		Config:        cfg,
		Log:           log,
		Host:          host,
		Orchestration: parallel.NewPool("orchestration", cfg.Tasks.Orchestration),
		Numeric:       parallel.NewPool("numeric", cfg.Tasks.Numeric),
		Detection:     parallel.NewPool("detection", 1),
		Lane:          task.NewGPULane(log.Named("task"), cfg.GPU.SubmitPerTick),
		Tokens:        task.NewTokens(),
	}

	var disk *cache.DiskStore
	if cfg.Cache.Disk {
		d, err := cache.NewDiskStore(log.Named("cache"), cfg.Cache)
		if err != nil {
			s.Close()
			return nil, err
		}
		disk = d
	}
	s.Cache = cache.New(log.Named("cache"), disk)

	conds := condition.NewSet(log.Named("condition"))
	if dir := cfg.Assets.ConditionDir; dir != "" {
		c, err := condition.Load(log.Named("condition"), dir)
		if err != nil {
			s.Close()
			return nil, err
		}
		conds = c
	}
	s.Conditions = conds

	if device == nil && cfg.GPU.Enable {
		device = gpu.NewSoftwareDevice(log.Named("gpu"), s.Numeric)
	}

	s.Detector = detect.New(log.Named("detect"), host, detect.OptionsFromConfig(cfg.Detect))
	s.Geometry = geometry.NewProcessor(log.Named("geometry"), s.Numeric, 0)
	s.Engine = raster.New(raster.OptionsFromConfig(cfg), log.Named("raster"), s.Numeric, device, s.Lane, nil)

	uopts := updater.OptionsFromConfig(cfg)
	uopts.Hook = o.Hook
	s.Updater = updater.New(log.Named("updater"), host, s.Tokens, s.Geometry, s.Engine, s.Cache, loader, conds, uopts)

	s.Coordinator = task.NewCoordinator(log.Named("task"), host, s.Tokens, s.Updater,
		s.Orchestration, s.Lane, s.Cache, task.Options{
			BakeDelayTicks:   cfg.Tasks.BakeDelayTicks,
			EvictEveryFrames: cfg.Cache.EvictEveryFrames,
			Hook:             o.Hook,
			Blocker:          s.Detector,
		})

	log.Info("pipeline ready",
		zap.String("backend", s.Engine.Backend().String()),
		zap.Int("numeric_workers", s.Numeric.Workers()),
		zap.Bool("disk_cache", disk != nil))
	return s, nil
}

// Track starts change detection on a character.
func (s *Services) Track(id uint32) error {
	return s.Detector.Track(id)
}

// Bake schedules a bake of the given slots without waiting for a change.
func (s *Services) Bake(id, slots uint32) task.Token {
	return s.Coordinator.OnDirty(id, slots)
}

// Detect runs one detection pass and schedules a bake for every dirty key.
// It returns the number of bakes scheduled.
func (s *Services) Detect(ctx context.Context, observer math.Vec3) (int, error) {
	dirty, err := s.Detector.Tick(ctx, observer)
	if err != nil {
		return 0, err
	}
	for _, d := range dirty {
		s.Coordinator.OnDirty(d.Character, d.Slots)
	}
	return len(dirty), nil
}

// DetectAsync runs Detect on the detection pool unless a pass is already
// running. It reports whether a pass was started.
func (s *Services) DetectAsync(ctx context.Context, observer math.Vec3) bool {
	if !s.detecting.CompareAndSwap(false, true) {
		return false
	}
	s.Detection.Go(func() {
		defer s.detecting.Store(false)
		if _, err := s.Detect(ctx, observer); err != nil && ctx.Err() == nil {
			s.Log.Warn("detection pass failed", zap.Error(err))
		}
	})
	return true
}

// Frame runs the end-of-frame work.
func (s *Services) Frame() {
	s.Coordinator.Frame()
}

// Idle reports whether no bake is scheduled, running or waiting to apply.
func (s *Services) Idle() bool {
	return s.Coordinator.Idle() && s.Tokens.Len() == 0
}

// Close stops every component. It is safe on a partially built Services.
func (s *Services) Close() {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	if s.Lane != nil {
		s.Lane.Close()
	}
	if s.Engine != nil {
		s.Engine.Close()
	}
	for _, p := range []*parallel.Pool{s.Detection, s.Orchestration, s.Numeric} {
		if p != nil {
			p.Close()
		}
	}
	if s.Cache != nil {
		s.Cache.Clear()
	}
	_ = s.Log.Sync()
}
