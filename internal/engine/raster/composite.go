package raster

import (
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// Blend selects how per-vertex directions are interpolated across a triangle.
type Blend int

const (
	// BlendSlerp chains two spherical interpolations. It is the default.
	BlendSlerp Blend = iota
	// BlendLinear uses normalized barycentric weighting. Debug only.
	BlendLinear
)

// ParseBlend maps the config spelling to a Blend. Unknown values are slerp.
func ParseBlend(s string) Blend {
	if s == "linear" {
		return BlendLinear
	}
	return BlendSlerp
}

func (b Blend) String() string {
	if b == BlendLinear {
		return "linear"
	}
	return "slerp"
}

// Layer defaults used when a material texture is absent.
var (
	flatDetail = texture.Color{0.5, 0.5, 1, 0.5}
	emptyLayer = texture.Color{1, 1, 1, 0}
)

// shading holds the per-job constants of the pixel math.
type shading struct {
	detailStrength     float32
	tangentZCorrection bool
	blend              Blend
}

// samples holds what the layer textures contribute to one output pixel.
type samples struct {
	source, detail, overlay, mask             texture.Color
	hasSource, hasDetail, hasOverlay, hasMask bool
}

// corners are the per-vertex frames of one triangle.
type corners struct {
	n, t, b [3]math.Vec3
}

func interpolate(v [3]math.Vec3, bary [3]float32, blend Blend) math.Vec3 {
	if blend == BlendLinear {
		return v[0].Scale(bary[0]).Add(v[1].Scale(bary[1])).Add(v[2].Scale(bary[2])).Normalize()
	}
	denom := bary[0] + bary[1] + math.Epsilon
	return v[0].Slerp(v[1], bary[1]/denom).Slerp(v[2], bary[2])
}

func lerpColor(a, b texture.Color, t float32) texture.Color {
	return texture.Color{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
		a[2] + (b[2]-a[2])*t,
		a[3] + (b[3]-a[3])*t,
	}
}

// shade computes the output colour of one covered pixel. The result is in
// [0,1] with alpha 1.
func shade(c *corners, bary [3]float32, s *samples, sh shading) texture.Color {
	overlay := emptyLayer
	if s.hasOverlay {
		overlay = s.overlay
	}

	var dst texture.Color
	if overlay[3] < 1 {
		mask := emptyLayer
		if s.hasMask && s.hasSource {
			mask = s.mask
		}
		if mask[3] < 1 {
			dst = baseColor(c, bary, s, sh)
		}
		if mask[3] > 0 && s.hasSource {
			dst = lerpColor(dst, s.source, mask[3])
		}
	}
	if overlay[3] > 0 {
		dst = lerpColor(dst, overlay, overlay[3])
	}
	dst[3] = 1
	return dst
}

func baseColor(c *corners, bary [3]float32, s *samples, sh shading) texture.Color {
	detail := flatDetail
	if s.hasDetail {
		d := s.detail
		detail = lerpColor(texture.Color{0.5, 0.5, 1, d[3]}, d, sh.detailStrength)
	}

	n := interpolate(c.n, bary, sh.blend)
	result := n
	if detail[3] > 0 {
		t := interpolate(c.t, bary, sh.blend)
		b := interpolate(c.b, bary, sh.blend)

		ft := t.Sub(n.Scale(n.Dot(t))).Normalize()
		fb := n.Cross(ft).Normalize()
		if fb.Dot(b) < 0 {
			fb = fb.Negate()
		}

		x := detail[0]*2 - 1
		y := detail[1]*2 - 1
		z := detail[2]*2 - 1
		if sh.tangentZCorrection {
			z = sqrt32(max(0, 1-x*x-y*y))
		}
		world := math.Basis(ft, fb, n).MulVec3(math.Vec3{X: x, Y: y, Z: z}).Normalize()
		result = n.Lerp(world, detail[3]).Normalize()
	}

	return texture.Color{result.X*0.5 + 0.5, result.Z*0.5 + 0.5, result.Y*0.5 + 0.5, 1}
}

func toBytes(c texture.Color) [4]uint8 {
	var out [4]uint8
	for i, v := range c {
		out[i] = uint8(math.Clamp(v, 0, 1)*255 + 0.5)
	}
	return out
}
