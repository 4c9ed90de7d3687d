package raster

import (
	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

// Merge composites incoming onto existing in place. Texels with incoming
// alpha 0 are left alone; others become lerp(existing, incoming, a/255) with
// the larger of the two alphas. A differently sized incoming texture is
// sampled nearest.
func Merge(existing, incoming *texture.Texture) {
	dst := existing.Base()
	src := incoming.Base()
	if dst.Width == 0 || dst.Height == 0 || src.Width == 0 || src.Height == 0 {
		return
	}

	for y := 0; y < dst.Height; y++ {
		sy := min(src.Height-1, y*src.Height/dst.Height)
		for x := 0; x < dst.Width; x++ {
			sx := min(src.Width-1, x*src.Width/dst.Width)
			j := sy*src.Stride + sx*4
			a := src.Pix[j+3]
			if a == 0 {
				continue
			}

			i := y*dst.Stride + x*4
			t := float32(a) / 255
			for c := 0; c < 3; c++ {
				d := float32(dst.Pix[i+c])
				dst.Pix[i+c] = uint8(d + (float32(src.Pix[j+c])-d)*t + 0.5)
			}
			dst.Pix[i+3] = max(dst.Pix[i+3], a)
		}
	}
}
