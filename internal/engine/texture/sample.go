package texture

import (
	"image"
	"math"
)

// Color is a normalized RGBA color.
type Color [4]float32

// SampleBilinear filters img at (u, v) with wrap addressing. Texel centres
// sit at half-integer coordinates, matching a linear-wrap GPU sampler.
func SampleBilinear(img *image.NRGBA, u, v float32) Color {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	if w == 0 || h == 0 {
		return Color{}
	}

	fx := wrap01(u)*float32(w) - 0.5
	fy := wrap01(v)*float32(h) - 0.5
	x0f := float32(math.Floor(float64(fx)))
	y0f := float32(math.Floor(float64(fy)))
	dx := fx - x0f
	dy := fy - y0f

	x0 := wrapIndex(int(x0f), w)
	y0 := wrapIndex(int(y0f), h)
	x1 := wrapIndex(x0+1, w)
	y1 := wrapIndex(y0+1, h)

	pix := img.Pix
	stride := img.Stride
	i00 := y0*stride + x0*4
	i10 := y0*stride + x1*4
	i01 := y1*stride + x0*4
	i11 := y1*stride + x1*4

	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy

	var c Color
	for ch := 0; ch < 4; ch++ {
		c[ch] = (float32(pix[i00+ch])*w00 + float32(pix[i10+ch])*w10 +
			float32(pix[i01+ch])*w01 + float32(pix[i11+ch])*w11) / 255
	}
	return c
}

func wrap01(x float32) float32 {
	x -= float32(math.Floor(float64(x)))
	if x >= 1 {
		x = 0
	}
	return x
}

func wrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Loader resolves a texture path to decoded pixels.
type Loader interface {
	Load(path string) (*image.NRGBA, error)
}
