package raster

import (
	"context"
	"image"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// bandRows is the height of the row bands the CPU fill splits work into.
const bandRows = 16

// layerSampler samples the job's layers at output pixel centres.
type layerSampler struct {
	layers Layers
	w, h   float32
}

func newLayerSampler(l Layers, w, h int) layerSampler {
	return layerSampler{layers: l, w: float32(w), h: float32(h)}
}

func (l *layerSampler) at(x, y int) samples {
	u := (float32(x) + 0.5) / l.w
	v := (float32(y) + 0.5) / l.h

	var s samples
	sample := func(img *image.NRGBA, dst *texture.Color, has *bool) {
		if img != nil {
			*dst = texture.SampleBilinear(img, u, v)
			*has = true
		}
	}
	sample(l.layers.Source, &s.source, &s.hasSource)
	sample(l.layers.Detail, &s.detail, &s.hasDetail)
	sample(l.layers.Overlay, &s.overlay, &s.hasOverlay)
	sample(l.layers.Mask, &s.mask, &s.hasMask)
	return s
}

// cpuSynth fills dst band by band. Within a band triangles are visited in
// index order, so the last triangle covering a pixel wins regardless of how
// bands are scheduled.
func (e *Engine) cpuSynth(ctx context.Context, dst *texture.Texture, tris []triangle, layers Layers, sh shading, _ yieldFunc) error {
	w, h := dst.Width, dst.Height
	bands := (h + bandRows - 1) / bandRows

	bins := make([][]int32, bands)
	for i := range tris {
		for b := tris[i].minY / bandRows; b <= (tris[i].maxY-1)/bandRows; b++ {
			bins[b] = append(bins[b], int32(i))
		}
	}

	sampler := newLayerSampler(layers, w, h)
	base := dst.Base()

	e.pool.For(bands, 1, func(begin, end int) {
		winner := make([]int32, w*bandRows)
		coords := make([][3]float32, w*bandRows)

		for b := begin; b < end; b++ {
			if ctx.Err() != nil {
				return
			}
			y0 := b * bandRows
			y1 := min(h, y0+bandRows)
			for i := range winner {
				winner[i] = -1
			}

			for _, ti := range bins[b] {
				t := &tris[ti]
				for y := max(t.minY, y0); y < min(t.maxY, y1); y++ {
					row := (y - y0) * w
					for x := t.minX; x < t.maxX; x++ {
						p := math.Vec2{X: float32(x) + 0.5, Y: float32(y) + 0.5}
						if c, ok := Barycentric(p, t.p[0], t.p[1], t.p[2]); ok {
							winner[row+x] = ti
							coords[row+x] = c
						}
					}
				}
			}

			for y := y0; y < y1; y++ {
				row := (y - y0) * w
				for x := 0; x < w; x++ {
					ti := winner[row+x]
					if ti < 0 {
						continue
					}
					s := sampler.at(x, y)
					c := toBytes(shade(&tris[ti].frames, coords[row+x], &s, sh))
					i := y*base.Stride + x*4
					copy(base.Pix[i:i+4], c[:])
				}
			}
		}
	})
	return ctx.Err()
}
