package geometry

import (
	stdmath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// faceData holds the per-triangle frame used by normal recomputation and
// smoothing.
type faceData struct {
	normals    []math.Vec3
	tangents   []math.Vec3
	bitangents []math.Vec3
}

func (p *Processor) computeFaces(s *Snapshot) faceData {
	tris := s.TriangleCount()
	f := faceData{
		normals:    make([]math.Vec3, tris),
		tangents:   make([]math.Vec3, tris),
		bitangents: make([]math.Vec3, tris),
	}
	p.pool.For(tris, minChunk, func(begin, end int) {
		for t := begin; t < end; t++ {
			i0, i1, i2 := s.Triangle(t)
			p0, p1, p2 := s.Positions[i0], s.Positions[i1], s.Positions[i2]
			uv0, uv1, uv2 := s.UVs[i0], s.UVs[i1], s.UVs[i2]

			dp1 := p1.Sub(p0)
			dp2 := p2.Sub(p0)
			f.normals[t] = dp1.Cross(dp2).Normalize()

			duv1 := uv1.Sub(uv0)
			duv2 := uv2.Sub(uv0)
			r := duv1.X*duv2.Y - duv2.X*duv1.Y
			if r > -math.Epsilon && r < math.Epsilon {
				r = 1
			} else {
				r = 1 / r
			}
			f.tangents[t] = dp1.Scale(duv2.Y).Sub(dp2.Scale(duv1.Y)).Scale(r)
			f.bitangents[t] = dp2.Scale(duv1.X).Sub(dp1.Scale(duv2.X)).Scale(r)
		}
	})
	return f
}

// RecomputeNormals rebuilds per-vertex normals, tangents and bitangents.
//
// A vertex averages the face frames of every triangle in its exact
// (position, UV) group, plus triangles at the same position whose face
// normal lies within smoothAngleDegrees of the vertex's own face normal.
// Tangents are Gram-Schmidt orthogonalized against the result. Vertices
// without contributing faces get zero vectors.
func (p *Processor) RecomputeNormals(s *Snapshot, smoothAngleDegrees float32) *Snapshot {
	if !p.usable("recompute normals", s) {
		return s
	}

	adj := p.BuildAdjacency(s, p.eps)
	faces := p.computeFaces(s)
	smoothCos := float32(stdmath.Cos(float64(math.Radians(smoothAngleDegrees))))
	crossSeams := smoothAngleDegrees > 0

	out := *s
	n := len(s.Positions)
	out.Normals = make([]math.Vec3, n)
	out.Tangents = make([]math.Vec3, n)
	out.Bitangents = make([]math.Vec3, n)
	out.Submeshes = append([]Submesh(nil), s.Submeshes...)

	p.pool.For(n, minChunk, func(begin, end int) {
		var used []uint32
		contains := func(t uint32) bool {
			for _, u := range used {
				if u == t {
					return true
				}
			}
			return false
		}

		for v := begin; v < end; v++ {
			var self math.Vec3
			for _, t := range adj.VertexTriangles[v] {
				self = self.Add(faces.normals[t])
			}
			if self.LengthSquared() < math.Epsilon {
				continue
			}
			self = self.Normalize()

			used = used[:0]
			var nSum, tSum, bSum math.Vec3
			accumulate := func(t uint32) {
				if contains(t) {
					return
				}
				used = append(used, t)
				nSum = nSum.Add(faces.normals[t])
				tSum = tSum.Add(faces.tangents[t])
				bSum = bSum.Add(faces.bitangents[t])
			}

			for _, link := range adj.SeamGroup(uint32(v)) {
				for _, t := range adj.VertexTriangles[link] {
					accumulate(t)
				}
			}
			if crossSeams {
				for _, link := range adj.PositionGroup(uint32(v)) {
					for _, t := range adj.VertexTriangles[link] {
						if faces.normals[t].Dot(self) >= smoothCos {
							accumulate(t)
						}
					}
				}
			}

			nrm := nSum.Normalize()
			if nrm.IsZero() {
				continue
			}
			out.Normals[v] = nrm

			if tSum.Length() <= math.Epsilon {
				continue
			}
			tan := tSum.Sub(nrm.Scale(nrm.Dot(tSum))).Normalize()
			if tan.IsZero() {
				continue
			}
			bit := nrm.Cross(tan)
			if bit.Dot(bSum) < 0 {
				bit = bit.Negate()
			}
			out.Tangents[v] = tan
			out.Bitangents[v] = bit
		}
	})

	for i := range out.Submeshes {
		out.Submeshes[i].Features |= HasNormals | HasTangents | HasBitangents
	}

	p.log.Debug("recomputed normals",
		zap.Int("vertices", n),
		zap.Float32("smooth_degree", smoothAngleDegrees))
	return &out
}
