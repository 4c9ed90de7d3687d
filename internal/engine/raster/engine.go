// Package raster turns processed geometry into normal-map textures: triangle
// fill in UV space on the CPU or through a compute device, edge bleeding,
// merging of submeshes that share a texture, mip generation and block
// compression.
package raster

import (
	"context"
	"errors"
	"image"

	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/gpu"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/parallel"
)

// Backend selects the triangle fill implementation.
type Backend int

const (
	BackendCPU Backend = iota
	BackendGPU
)

func (b Backend) String() string {
	if b == BackendGPU {
		return "gpu"
	}
	return "cpu"
}

// Layers are the material textures a job composites. Any may be nil.
type Layers struct {
	Source  *image.NRGBA
	Detail  *image.NRGBA
	Overlay *image.NRGBA
	Mask    *image.NRGBA
}

// Job asks for one submesh to be rendered. Jobs with the same MergeKey end
// up in one texture; an empty key means the submesh name.
type Job struct {
	Submesh        string
	MergeKey       string
	Layers         Layers
	DetailStrength float32
}

func (j Job) key() string {
	if j.MergeKey != "" {
		return j.MergeKey
	}
	return j.Submesh
}

// Result is one finished texture and the submeshes that use it.
type Result struct {
	MergeKey  string
	Submeshes []string
	Texture   *texture.Texture
}

// Options configures an Engine.
type Options struct {
	Width, Height      int
	Resize             float32
	IgnoreSize         bool
	Margin             int
	MarginIgnoreSize   int
	Compress           int
	TangentZCorrection bool
	Blend              Blend
	UseGPU             bool
	TileSize           int
}

// OptionsFromConfig reads the texture and gpu sections.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Texture
	return Options{
		Width:              t.Width,
		Height:             t.Height,
		Resize:             t.Resize,
		IgnoreSize:         t.IgnoreSize,
		Margin:             t.Margin,
		MarginIgnoreSize:   t.MarginIgnoreSize,
		Compress:           t.Compress,
		TangentZCorrection: t.TangentZCorrection,
		Blend:              ParseBlend(t.Blend),
		UseGPU:             cfg.GPU.Enable,
		TileSize:           cfg.GPU.TileSize(),
	}
}

// Submitter queues device work. Submit blocks until fn has run and returns
// its error, or until ctx is done.
type Submitter interface {
	Submit(ctx context.Context, fn func() error) error
}

// yieldFunc is called by fill implementations between units of work.
type yieldFunc func(stage string) error

type synthFunc func(ctx context.Context, dst *texture.Texture, tris []triangle, layers Layers, sh shading, yield yieldFunc) error

// Engine renders jobs against a geometry snapshot.
type Engine struct {
	opts  Options
	log   *zap.Logger
	pool  *parallel.Pool
	gpu   *gpuBackend
	synth map[Backend]synthFunc
}

// New creates an engine. With a nil device, or UseGPU off, every job is
// filled on the CPU. lane may be nil, in which case device work runs on the
// calling goroutine; compile may be nil to use gpu.CompileWGSL.
func New(opts Options, log *zap.Logger, pool *parallel.Pool, device gpu.Device, lane Submitter, compile gpu.Compiler) *Engine {
	if pool == nil {
		pool = parallel.NewPool("raster", 1)
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 1024
	}
	e := &Engine{
		opts: opts,
		log:  logger.OrNop(log),
		pool: pool,
	}
	e.synth = map[Backend]synthFunc{
		BackendCPU: e.cpuSynth,
	}
	if device != nil && opts.UseGPU {
		e.gpu = newGPUBackend(e.log, device, lane, compile, opts.TileSize)
		e.synth[BackendGPU] = e.gpu.synth
	}
	return e
}

// Backend returns the fill implementation jobs will use.
func (e *Engine) Backend() Backend {
	if _, ok := e.synth[BackendGPU]; ok {
		return BackendGPU
	}
	return BackendCPU
}

// Options returns the engine configuration.
func (e *Engine) Options() Options { return e.opts }

// Close releases device objects held by the engine.
func (e *Engine) Close() {
	if e.gpu != nil {
		e.gpu.close()
	}
}

func checkpoint(ctx context.Context, check geometry.Checkpoint, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if check != nil && !check(stage) {
		return geometry.ErrCancelled
	}
	return nil
}

// Synthesize renders jobs and finishes each resulting texture. Jobs whose
// submesh is not in s are skipped with a warning. check is consulted between
// stages; when it returns false Synthesize returns geometry.ErrCancelled.
func (e *Engine) Synthesize(ctx context.Context, s *geometry.Snapshot, jobs []Job, check geometry.Checkpoint) ([]Result, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if s.Empty() {
		return nil, geometry.ErrMissingInput
	}

	yield := func(stage string) error { return checkpoint(ctx, check, stage) }

	var results []Result
	byKey := make(map[string]int)
	for _, job := range jobs {
		if err := yield("fill"); err != nil {
			return nil, err
		}
		sm, ok := s.Submesh(job.Submesh)
		if !ok {
			e.log.Warn("submesh not in snapshot", zap.String("submesh", job.Submesh))
			continue
		}

		tex, err := e.fill(ctx, s, sm, job, yield)
		if err != nil {
			return nil, err
		}

		key := job.key()
		if i, ok := byKey[key]; ok {
			if err := yield("merge"); err != nil {
				return nil, err
			}
			Merge(results[i].Texture, tex)
			results[i].Submeshes = append(results[i].Submeshes, job.Submesh)
			continue
		}
		byKey[key] = len(results)
		results = append(results, Result{MergeKey: key, Submeshes: []string{job.Submesh}, Texture: tex})
	}

	for i := range results {
		if err := e.finish(results[i].Texture, yield); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// TextureSize returns the output size for a job with the given source.
func (e *Engine) TextureSize(source *image.NRGBA) (int, int) {
	if e.opts.IgnoreSize || source == nil {
		return e.opts.Width, e.opts.Height
	}
	r := e.opts.Resize
	if r <= 0 {
		r = 1
	}
	w := max(1, int(float32(source.Rect.Dx())*r))
	h := max(1, int(float32(source.Rect.Dy())*r))
	return w, h
}

func (e *Engine) fill(ctx context.Context, s *geometry.Snapshot, sm geometry.Submesh, job Job, yield yieldFunc) (*texture.Texture, error) {
	w, h := e.TextureSize(job.Layers.Source)
	tex := texture.New(w, h)

	tris := setupTriangles(s, sm, w, h)
	if len(tris) == 0 {
		e.log.Debug("submesh has no rasterizable triangles", zap.String("submesh", sm.Name))
		return tex, nil
	}

	sh := shading{
		detailStrength:     job.DetailStrength,
		tangentZCorrection: e.opts.TangentZCorrection,
		blend:              e.opts.Blend,
	}
	backend := e.Backend()
	err := e.synth[backend](ctx, tex, tris, job.Layers, sh, yield)
	if err != nil && backend == BackendGPU && ctx.Err() == nil && !errors.Is(err, geometry.ErrCancelled) {
		e.log.Error("gpu fill failed, using cpu",
			zap.String("submesh", sm.Name),
			zap.String("stage", "fill"),
			zap.Error(err))
		clear(tex.Base().Pix)
		err = e.synth[BackendCPU](ctx, tex, tris, job.Layers, sh, yield)
	}
	if err != nil {
		return nil, err
	}
	e.log.Debug("filled",
		zap.String("submesh", sm.Name),
		zap.Stringer("backend", backend),
		zap.Int("triangles", len(tris)),
		zap.Int("width", w),
		zap.Int("height", h))
	return tex, nil
}

// finish runs bleed, mips and compression on a filled texture.
func (e *Engine) finish(tex *texture.Texture, yield yieldFunc) error {
	if err := yield("bleed"); err != nil {
		return err
	}
	Bleed(tex.Base(), e.opts.Margin)

	if err := yield("mips"); err != nil {
		return err
	}
	GenerateMips(tex)
	BleedMips(tex, e.opts.Margin, e.opts.MarginIgnoreSize)

	if err := yield("compress"); err != nil {
		return err
	}
	return Compress(tex, e.opts.Compress)
}
