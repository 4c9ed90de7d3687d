package raster

import (
	stdmath "math"

	"github.com/Faultbox/normalsynth/internal/engine/gpu"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// synthKernel is the Go body of the "synthesize" entry point, executed by
// devices that run registered kernels. It mirrors shaders/synth.wgsl: one
// invocation per tile pixel, walking the triangle bin of its workgroup and
// shading with the last triangle that covers the pixel centre.
func synthKernel(inv gpu.Invocation, b [][]uint32) {
	params := b[bindParams]
	tris := b[bindTriangles]
	bins := b[bindBins]
	layers := b[bindLayers]
	out := b[bindOutput]

	lx, ly := inv.GlobalID[0], inv.GlobalID[1]
	tw, th := params[pTileW], params[pTileH]
	if lx >= tw || ly >= th {
		return
	}
	x := params[pTileX] + lx
	y := params[pTileY] + ly

	group := inv.WorkgroupID[1]*params[pGroupsX] + inv.WorkgroupID[0]
	begin, end := bins[group], bins[group+1]

	p := math.Vec2{X: float32(x) + 0.5, Y: float32(y) + 0.5}
	winner := -1
	var bary [3]float32
	for i := begin; i < end; i++ {
		base := int(bins[i]) * triangleWords
		a := math.Vec2{X: f32(tris[base]), Y: f32(tris[base+1])}
		bb := math.Vec2{X: f32(tris[base+2]), Y: f32(tris[base+3])}
		c := math.Vec2{X: f32(tris[base+4]), Y: f32(tris[base+5])}
		if coords, ok := Barycentric(p, a, bb, c); ok {
			winner = base
			bary = coords
		}
	}
	if winner < 0 {
		return
	}

	var frames corners
	for k, set := range [3]*[3]math.Vec3{&frames.n, &frames.t, &frames.b} {
		for v := 0; v < 3; v++ {
			o := winner + 6 + k*9 + v*3
			set[v] = math.Vec3{X: f32(tris[o]), Y: f32(tris[o+1]), Z: f32(tris[o+2])}
		}
	}

	flags := params[pFlags]
	sh := shading{
		detailStrength:     f32(params[pDetailStrength]),
		tangentZCorrection: flags&flagTangentZ != 0,
		blend:              BlendSlerp,
	}
	if flags&flagLinear != 0 {
		sh.blend = BlendLinear
	}

	u := (float32(x) + 0.5) / float32(params[pTexW])
	v := (float32(y) + 0.5) / float32(params[pTexH])
	var s samples
	layer := func(flag uint32, slot int, dst *texture.Color, has *bool) {
		if flags&flag == 0 {
			return
		}
		*dst = sampleWords(layers, params[slot+2], params[slot], params[slot+1], u, v)
		*has = true
	}
	layer(flagSource, pSourceW, &s.source, &s.hasSource)
	layer(flagDetail, pDetailW, &s.detail, &s.hasDetail)
	layer(flagOverlay, pOverlayW, &s.overlay, &s.hasOverlay)
	layer(flagMask, pMaskW, &s.mask, &s.hasMask)

	c := toBytes(shade(&frames, bary, &s, sh))
	out[ly*tw+lx] = uint32(c[0]) | uint32(c[1])<<8 | uint32(c[2])<<16 | uint32(c[3])<<24
}

func f32(w uint32) float32 { return stdmath.Float32frombits(w) }

// sampleWords filters a packed RGBA8 image of w x h words starting at off,
// with wrap addressing and texel centres at half-integer coordinates.
func sampleWords(words []uint32, off, w, h uint32, u, v float32) texture.Color {
	if w == 0 || h == 0 {
		return texture.Color{}
	}
	fx := wrapUnit(u)*float32(w) - 0.5
	fy := wrapUnit(v)*float32(h) - 0.5
	x0f := float32(stdmath.Floor(float64(fx)))
	y0f := float32(stdmath.Floor(float64(fy)))
	dx, dy := fx-x0f, fy-y0f

	iw, ih := int(w), int(h)
	x0 := wrapInt(int(x0f), iw)
	y0 := wrapInt(int(y0f), ih)
	x1 := wrapInt(x0+1, iw)
	y1 := wrapInt(y0+1, ih)

	texel := func(x, y int) uint32 { return words[int(off)+y*iw+x] }
	t00, t10, t01, t11 := texel(x0, y0), texel(x1, y0), texel(x0, y1), texel(x1, y1)
	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy

	var c texture.Color
	for ch := 0; ch < 4; ch++ {
		shift := uint(ch * 8)
		c[ch] = (float32(t00>>shift&0xff)*w00 + float32(t10>>shift&0xff)*w10 +
			float32(t01>>shift&0xff)*w01 + float32(t11>>shift&0xff)*w11) / 255
	}
	return c
}

func wrapUnit(x float32) float32 {
	x -= float32(stdmath.Floor(float64(x)))
	if x >= 1 {
		x = 0
	}
	return x
}

func wrapInt(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
