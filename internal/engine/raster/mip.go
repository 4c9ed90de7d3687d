package raster

import (
	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

// GenerateMips replaces the mip chain of an RGBA8 texture with 2x2 box
// reductions of the base level down to 1x1. Colour is weighted by alpha so
// empty texels do not darken chart edges.
func GenerateMips(tex *texture.Texture) {
	if tex.Format != texture.FormatRGBA8 || len(tex.Levels) == 0 {
		return
	}
	tex.Levels = tex.Levels[:1]
	for {
		prev := &tex.Levels[len(tex.Levels)-1]
		if prev.Width <= 1 && prev.Height <= 1 {
			return
		}
		next := texture.NewLevel(max(1, prev.Width/2), max(1, prev.Height/2))
		downsample(prev, &next)
		tex.Levels = append(tex.Levels, next)
	}
}

func downsample(src, dst *texture.Level) {
	for y := 0; y < dst.Height; y++ {
		y0 := min(src.Height-1, y*2)
		y1 := min(src.Height-1, y*2+1)
		for x := 0; x < dst.Width; x++ {
			x0 := min(src.Width-1, x*2)
			x1 := min(src.Width-1, x*2+1)

			var rgb [3]int
			alpha := 0
			for _, p := range [4]int{
				y0*src.Stride + x0*4,
				y0*src.Stride + x1*4,
				y1*src.Stride + x0*4,
				y1*src.Stride + x1*4,
			} {
				a := int(src.Pix[p+3])
				rgb[0] += int(src.Pix[p]) * a
				rgb[1] += int(src.Pix[p+1]) * a
				rgb[2] += int(src.Pix[p+2]) * a
				alpha += a
			}

			i := y*dst.Stride + x*4
			if alpha == 0 {
				continue
			}
			dst.Pix[i] = uint8((rgb[0] + alpha/2) / alpha)
			dst.Pix[i+1] = uint8((rgb[1] + alpha/2) / alpha)
			dst.Pix[i+2] = uint8((rgb[2] + alpha/2) / alpha)
			dst.Pix[i+3] = uint8((alpha + 2) / 4)
		}
	}
}
