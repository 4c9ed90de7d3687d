package raster

import (
	stdmath "math"

	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// Barycentric returns the barycentric coordinates of p in triangle (a, b, c)
// using the dot-product formulation. ok is false for degenerate triangles
// and for points outside the triangle.
func Barycentric(p, a, b, c math.Vec2) (bary [3]float32, ok bool) {
	v0 := b.Sub(a)
	v1 := c.Sub(a)
	v2 := p.Sub(a)

	d00 := v0.Dot(v0)
	d01 := v0.Dot(v1)
	d11 := v1.Dot(v1)
	d20 := v2.Dot(v0)
	d21 := v2.Dot(v1)
	denom := d00*d11 - d01*d01
	if denom == 0 {
		return bary, false
	}

	v := (d11*d20 - d01*d21) / denom
	w := (d00*d21 - d01*d20) / denom
	u := 1 - v - w
	if u < 0 || v < 0 || w < 0 {
		return bary, false
	}
	return [3]float32{u, v, w}, true
}

// triangle is one triangle prepared for filling: corners in pixel space, the
// vertex frames, and an integer bounding box [minX,maxX) x [minY,maxY).
type triangle struct {
	p      [3]math.Vec2
	frames corners

	minX, minY, maxX, maxY int
}

func (t *triangle) overlaps(x0, y0, x1, y1 int) bool {
	return t.minX < x1 && t.maxX > x0 && t.minY < y1 && t.maxY > y0
}

// setupTriangles maps every triangle of sm to pixel space of a w x h
// texture. Triangles with zero UV area or an empty box are dropped; the
// remaining ones keep index order.
func setupTriangles(s *geometry.Snapshot, sm geometry.Submesh, w, h int) []triangle {
	fw, fh := float32(w), float32(h)
	tris := make([]triangle, 0, sm.TriangleCount())
	for i := sm.IndexStart; i+2 < sm.IndexEnd; i += 3 {
		idx := [3]uint32{s.Indices[i], s.Indices[i+1], s.Indices[i+2]}

		var t triangle
		for k, v := range idx {
			uv := s.UVs[v]
			t.p[k] = math.Vec2{X: uv.X * fw, Y: uv.Y * fh}
			t.frames.n[k] = s.Normals[v]
			t.frames.t[k] = s.Tangents[v]
			t.frames.b[k] = s.Bitangents[v]
		}
		if t.p[1].Sub(t.p[0]).Cross(t.p[2].Sub(t.p[0])) == 0 {
			continue
		}

		minX := min(t.p[0].X, t.p[1].X, t.p[2].X)
		minY := min(t.p[0].Y, t.p[1].Y, t.p[2].Y)
		maxX := max(t.p[0].X, t.p[1].X, t.p[2].X)
		maxY := max(t.p[0].Y, t.p[1].Y, t.p[2].Y)

		t.minX = max(0, floor(minX))
		t.minY = max(0, floor(minY))
		t.maxX = min(w, floor(maxX)+2)
		t.maxY = min(h, floor(maxY)+2)
		if t.minX >= t.maxX || t.minY >= t.maxY {
			continue
		}
		tris = append(tris, t)
	}
	return tris
}

// bin returns the indices of tris overlapping the rectangle, in order.
func bin(tris []triangle, x0, y0, x1, y1 int) []int {
	var out []int
	for i := range tris {
		if tris[i].overlaps(x0, y0, x1, y1) {
			out = append(out, i)
		}
	}
	return out
}

func floor(x float32) int {
	return int(stdmath.Floor(float64(x)))
}

func sqrt32(x float32) float32 {
	return float32(stdmath.Sqrt(float64(x)))
}
