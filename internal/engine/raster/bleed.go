package raster

import (
	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

var neighbours = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Bleed grows covered texels into empty ones. Each of the margin iterations
// sets every alpha-0 texel with at least one covered neighbour to the
// average of its covered neighbours, alpha 255. Iterations read from a copy,
// so the result does not depend on visiting order.
func Bleed(l *texture.Level, margin int) {
	if margin <= 0 || l.Width == 0 || l.Height == 0 {
		return
	}
	prev := make([]byte, len(l.Pix))
	for iter := 0; iter < margin; iter++ {
		copy(prev, l.Pix)
		if !bleedOnce(l, prev) {
			return
		}
	}
}

func bleedOnce(l *texture.Level, prev []byte) bool {
	changed := false
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			i := y*l.Stride + x*4
			if prev[i+3] != 0 {
				continue
			}

			var sum [3]int
			n := 0
			for _, d := range neighbours {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= l.Width || ny >= l.Height {
					continue
				}
				j := ny*l.Stride + nx*4
				if prev[j+3] == 0 {
					continue
				}
				sum[0] += int(prev[j])
				sum[1] += int(prev[j+1])
				sum[2] += int(prev[j+2])
				n++
			}
			if n == 0 {
				continue
			}
			l.Pix[i] = uint8((sum[0] + n/2) / n)
			l.Pix[i+1] = uint8((sum[1] + n/2) / n)
			l.Pix[i+2] = uint8((sum[2] + n/2) / n)
			l.Pix[i+3] = 255
			changed = true
		}
	}
	return changed
}

// BleedMips bleeds every mip below the base, shifting the margin down one
// bit per level, until a level is narrower than ignoreSize.
func BleedMips(tex *texture.Texture, margin, ignoreSize int) {
	if margin <= 0 {
		return
	}
	for i := 1; i < len(tex.Levels); i++ {
		l := &tex.Levels[i]
		if l.Width < ignoreSize {
			return
		}
		Bleed(l, max(1, margin>>i))
	}
}
