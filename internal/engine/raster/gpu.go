package raster

import (
	"context"
	_ "embed"
	"errors"
	"image"
	stdmath "math"
	"sync"
	"sync/atomic"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/engine/gpu"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// EntryPoint is the compute entry point of the synthesis kernel.
const EntryPoint = "synthesize"

// workgroupSize is the side of the square workgroup the kernel runs in.
const workgroupSize = 8

//go:embed shaders/synth.wgsl
var synthWGSL string

// ShaderSource returns the WGSL of the synthesis kernel.
func ShaderSource() string { return synthWGSL }

// Parameter block layout, in words.
const (
	pTileX = iota
	pTileY
	pTileW
	pTileH
	pTexW
	pTexH
	pGroupsX
	pFlags
	pDetailStrength
	pSourceW
	pSourceH
	pSourceOff
	pDetailW
	pDetailH
	pDetailOff
	pOverlayW
	pOverlayH
	pOverlayOff
	pMaskW
	pMaskH
	pMaskOff
	paramWords
)

const (
	flagTangentZ uint32 = 1 << iota
	flagLinear
	flagSource
	flagDetail
	flagOverlay
	flagMask
)

// Each triangle is 3 pixel-space corners then the normals, tangents and
// bitangents of its vertices, all as f32.
const triangleWords = 6 + 27

// Binding slots.
const (
	bindParams = iota
	bindTriangles
	bindBins
	bindLayers
	bindOutput
)

// gpuBackend fills textures through a gpu.Device, one dispatch per tile.
type gpuBackend struct {
	log     *zap.Logger
	device  gpu.Device
	lane    Submitter
	compile gpu.Compiler
	tile    int

	mu       sync.Mutex
	module   gpu.ShaderModuleID
	pipeline gpu.PipelineID
}

func newGPUBackend(log *zap.Logger, device gpu.Device, lane Submitter, compile gpu.Compiler, tile int) *gpuBackend {
	if compile == nil {
		compile = gpu.CompileWGSL
	}
	if reg, ok := device.(gpu.KernelRegistry); ok {
		reg.RegisterKernel(EntryPoint, [3]uint32{workgroupSize, workgroupSize, 1}, synthKernel)
	}
	return &gpuBackend{
		log:     log.Named("gpu"),
		device:  device,
		lane:    lane,
		compile: compile,
		tile:    tile,
	}
}

// run executes fn on the GPU lane with the device lock held.
func (g *gpuBackend) run(ctx context.Context, fn func(d gpu.Device) error) error {
	call := func() error {
		g.device.Lock()
		defer g.device.Unlock()
		return fn(g.device)
	}
	if g.lane == nil {
		return call()
	}
	return g.lane.Submit(ctx, call)
}

// ensurePipeline compiles the kernel on first use. A pipeline lost with the
// device is rebuilt on the next call.
func (g *gpuBackend) ensurePipeline(ctx context.Context) (gpu.PipelineID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline != 0 {
		return g.pipeline, nil
	}

	spirv, err := g.compile(synthWGSL)
	if err != nil {
		return 0, zerr.Wrap(err, "failed to compile synthesis kernel")
	}
	err = g.run(ctx, func(d gpu.Device) error {
		mod, err := d.CreateShaderModule(spirv, EntryPoint)
		if err != nil {
			return err
		}
		pipe, err := d.CreateComputePipeline(mod, EntryPoint)
		if err != nil {
			d.DestroyShaderModule(mod)
			return err
		}
		g.module, g.pipeline = mod, pipe
		return nil
	})
	if err != nil {
		return 0, err
	}
	g.log.Info("synthesis pipeline ready", zap.String("device", g.device.Name()))
	return g.pipeline, nil
}

func (g *gpuBackend) reset() {
	g.mu.Lock()
	g.module, g.pipeline = 0, 0
	g.mu.Unlock()
}

func (g *gpuBackend) close() {
	g.mu.Lock()
	mod, pipe := g.module, g.pipeline
	g.module, g.pipeline = 0, 0
	g.mu.Unlock()
	if pipe == 0 {
		return
	}
	_ = g.run(context.Background(), func(d gpu.Device) error {
		d.DestroyComputePipeline(pipe)
		d.DestroyShaderModule(mod)
		return nil
	})
}

func (g *gpuBackend) synth(ctx context.Context, dst *texture.Texture, tris []triangle, layers Layers, sh shading, yield yieldFunc) error {
	pipeline, err := g.ensurePipeline(ctx)
	if err != nil {
		return err
	}

	params := make([]uint32, paramWords)
	params[pTexW] = uint32(dst.Width)
	params[pTexH] = uint32(dst.Height)
	params[pDetailStrength] = stdmath.Float32bits(sh.detailStrength)
	if sh.tangentZCorrection {
		params[pFlags] |= flagTangentZ
	}
	if sh.blend == BlendLinear {
		params[pFlags] |= flagLinear
	}
	layerWords := packLayers(layers, params)

	var layerBuf gpu.BufferID
	err = g.run(ctx, func(d gpu.Device) error {
		id, err := d.CreateBuffer(len(layerWords), gpu.BufferUsageStorage|gpu.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		layerBuf = id
		return d.WriteBuffer(id, 0, layerWords)
	})
	defer g.destroy(ctx, layerBuf)
	if err != nil {
		return g.deviceErr(err)
	}

	for ty := 0; ty < dst.Height; ty += g.tile {
		for tx := 0; tx < dst.Width; tx += g.tile {
			if err := yield("tile"); err != nil {
				return err
			}
			tw := min(g.tile, dst.Width-tx)
			th := min(g.tile, dst.Height-ty)
			if err := g.tileSynth(ctx, pipeline, dst, tris, params, layerBuf, tx, ty, tw, th); err != nil {
				return g.deviceErr(err)
			}
		}
	}
	return nil
}

func (g *gpuBackend) deviceErr(err error) error {
	if errors.Is(err, gpu.ErrDeviceLost) {
		g.reset()
	}
	return err
}

func (g *gpuBackend) destroy(ctx context.Context, ids ...gpu.BufferID) {
	_ = g.run(context.WithoutCancel(ctx), func(d gpu.Device) error {
		for _, id := range ids {
			if id != 0 {
				d.DestroyBuffer(id)
			}
		}
		return nil
	})
}

func (g *gpuBackend) tileSynth(ctx context.Context, pipeline gpu.PipelineID, dst *texture.Texture, tris []triangle, base []uint32, layerBuf gpu.BufferID, tx, ty, tw, th int) error {
	inTile := bin(tris, tx, ty, tx+tw, ty+th)
	if len(inTile) == 0 {
		return nil
	}

	gx := (tw + workgroupSize - 1) / workgroupSize
	gy := (th + workgroupSize - 1) / workgroupSize

	params := append([]uint32(nil), base...)
	params[pTileX] = uint32(tx)
	params[pTileY] = uint32(ty)
	params[pTileW] = uint32(tw)
	params[pTileH] = uint32(th)
	params[pGroupsX] = uint32(gx)

	triWords := packTriangles(tris, inTile)
	binWords := binGroups(tris, inTile, tx, ty, gx, gy)

	var (
		ids   [5]gpu.BufferID
		fence *gpu.Fence
	)
	err := g.run(ctx, func(d gpu.Device) error {
		uploads := [...][]uint32{bindParams: params, bindTriangles: triWords, bindBins: binWords}
		for slot, words := range uploads {
			id, err := d.CreateBuffer(len(words), gpu.BufferUsageStorage|gpu.BufferUsageCopyDst)
			if err != nil {
				return err
			}
			ids[slot] = id
			if err := d.WriteBuffer(id, 0, words); err != nil {
				return err
			}
		}
		ids[bindLayers] = layerBuf

		out, err := d.CreateBuffer(tw*th, gpu.BufferUsageStorage|gpu.BufferUsageCopySrc)
		if err != nil {
			return err
		}
		ids[bindOutput] = out

		fence, err = d.Dispatch(pipeline, ids[:], [3]uint32{uint32(gx), uint32(gy), 1})
		return err
	})
	owned := []gpu.BufferID{ids[bindParams], ids[bindTriangles], ids[bindBins], ids[bindOutput]}
	var released atomic.Bool
	defer func() {
		if !released.Load() {
			g.destroy(ctx, owned...)
		}
	}()
	if err != nil {
		return err
	}
	if err := gpu.Wait(ctx, fence); err != nil {
		return err
	}

	var out []uint32
	err = g.run(ctx, func(d gpu.Device) error {
		var err error
		out, err = d.ReadBuffer(ids[bindOutput], 0, tw*th)
		for _, id := range owned {
			d.DestroyBuffer(id)
		}
		released.Store(true)
		return err
	})
	if err != nil {
		return err
	}

	level := dst.Base()
	for y := 0; y < th; y++ {
		for x := 0; x < tw; x++ {
			w := out[y*tw+x]
			if w == 0 {
				continue
			}
			i := (ty+y)*level.Stride + (tx+x)*4
			level.Pix[i] = uint8(w)
			level.Pix[i+1] = uint8(w >> 8)
			level.Pix[i+2] = uint8(w >> 16)
			level.Pix[i+3] = uint8(w >> 24)
		}
	}
	return nil
}

// packLayers concatenates the present layers as packed RGBA8 words and
// records their sizes, offsets and presence flags in params.
func packLayers(l Layers, params []uint32) []uint32 {
	words := []uint32{0}
	add := func(img *image.NRGBA, flag uint32, wSlot int) {
		if img == nil {
			return
		}
		w, h := img.Rect.Dx(), img.Rect.Dy()
		params[pFlags] |= flag
		params[wSlot] = uint32(w)
		params[wSlot+1] = uint32(h)
		params[wSlot+2] = uint32(len(words))
		for y := 0; y < h; y++ {
			row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
			for x := 0; x < w; x++ {
				p := row[x*4:]
				words = append(words, uint32(p[0])|uint32(p[1])<<8|uint32(p[2])<<16|uint32(p[3])<<24)
			}
		}
	}
	add(l.Source, flagSource, pSourceW)
	add(l.Detail, flagDetail, pDetailW)
	add(l.Overlay, flagOverlay, pOverlayW)
	add(l.Mask, flagMask, pMaskW)
	return words
}

func packTriangles(tris []triangle, sel []int) []uint32 {
	words := make([]uint32, 0, len(sel)*triangleWords)
	f := func(v float32) { words = append(words, stdmath.Float32bits(v)) }
	for _, i := range sel {
		t := &tris[i]
		for _, p := range t.p {
			f(p.X)
			f(p.Y)
		}
		for _, set := range [3]*[3]math.Vec3{&t.frames.n, &t.frames.t, &t.frames.b} {
			for _, v := range set {
				f(v.X)
				f(v.Y)
				f(v.Z)
			}
		}
	}
	return words
}

// binGroups lists, per workgroup of the tile, the local triangle indices
// overlapping it in order. The first gx*gy+1 words are absolute offsets
// into the buffer.
func binGroups(tris []triangle, sel []int, tx, ty, gx, gy int) []uint32 {
	groups := make([][]uint32, gx*gy)
	for local, i := range sel {
		t := &tris[i]
		x0 := max(0, (t.minX-tx)/workgroupSize)
		y0 := max(0, (t.minY-ty)/workgroupSize)
		x1 := min(gx-1, (t.maxX-1-tx)/workgroupSize)
		y1 := min(gy-1, (t.maxY-1-ty)/workgroupSize)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				groups[y*gx+x] = append(groups[y*gx+x], uint32(local))
			}
		}
	}

	header := len(groups) + 1
	words := make([]uint32, header)
	for gi, list := range groups {
		words[gi] = uint32(len(words))
		words = append(words, list...)
	}
	words[len(groups)] = uint32(len(words))
	return words
}
