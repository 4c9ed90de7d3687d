package geometry

import (
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// Subdivide splits every triangle into four, levels times. Midpoints are
// shared along edges inside a submesh but never across submeshes. A level
// that would push the triangle count above triangleCeiling is not run;
// triangleCeiling <= 0 means no limit.
func (p *Processor) Subdivide(s *Snapshot, levels, triangleCeiling int) *Snapshot {
	if levels <= 0 {
		return s
	}
	if !p.usable("subdivide", s) {
		return s
	}

	out := withAttributes(s)
	for level := 1; level <= levels; level++ {
		next := out.TriangleCount() * 4
		if triangleCeiling > 0 && next > triangleCeiling {
			p.log.Debug("subdivision stopped at triangle ceiling",
				zap.Int("level", level),
				zap.Int("triangles", out.TriangleCount()),
				zap.Int("ceiling", triangleCeiling))
			break
		}
		out = p.subdivideOnce(out)
	}
	return out
}

type localMesh struct {
	positions, normals, tangents, bitangents []math.Vec3
	uvs                                      []math.Vec2
	indices                                  []uint32
}

func (p *Processor) subdivideOnce(s *Snapshot) *Snapshot {
	locals := make([]localMesh, len(s.Submeshes))

	// Submeshes are independent; split them across the pool.
	p.pool.For(len(s.Submeshes), 1, func(begin, end int) {
		for si := begin; si < end; si++ {
			locals[si] = subdivideSubmesh(s, s.Submeshes[si])
		}
	})

	out := &Snapshot{Submeshes: make([]Submesh, len(s.Submeshes))}
	for si, sm := range s.Submeshes {
		lm := locals[si]
		base := uint32(len(out.Positions))
		nsm := sm
		nsm.VertexStart = len(out.Positions)
		nsm.IndexStart = len(out.Indices)

		out.Positions = append(out.Positions, lm.positions...)
		out.UVs = append(out.UVs, lm.uvs...)
		out.Normals = append(out.Normals, lm.normals...)
		out.Tangents = append(out.Tangents, lm.tangents...)
		out.Bitangents = append(out.Bitangents, lm.bitangents...)
		for _, idx := range lm.indices {
			out.Indices = append(out.Indices, base+idx)
		}

		nsm.VertexEnd = len(out.Positions)
		nsm.IndexEnd = len(out.Indices)
		out.Submeshes[si] = nsm
	}

	p.log.Debug("subdivided snapshot",
		zap.Int("vertices", out.VertexCount()),
		zap.Int("triangles", out.TriangleCount()))
	return out
}

func subdivideSubmesh(s *Snapshot, sm Submesh) localMesh {
	lo, hi := sm.VertexStart, sm.VertexEnd
	tris := sm.TriangleCount()
	lm := localMesh{
		positions:  append(make([]math.Vec3, 0, sm.VertexCount()+tris*2), s.Positions[lo:hi]...),
		uvs:        append(make([]math.Vec2, 0, sm.VertexCount()+tris*2), s.UVs[lo:hi]...),
		normals:    append([]math.Vec3(nil), s.Normals[lo:hi]...),
		tangents:   append([]math.Vec3(nil), s.Tangents[lo:hi]...),
		bitangents: append([]math.Vec3(nil), s.Bitangents[lo:hi]...),
		indices:    make([]uint32, 0, tris*12),
	}

	mids := make(map[edgeKey]uint32, tris*3/2)
	midpoint := func(a, b uint32) uint32 {
		key := makeEdge(a, b)
		if m, ok := mids[key]; ok {
			return m
		}
		m := uint32(len(lm.positions))
		lm.positions = append(lm.positions, lm.positions[a].Mid(lm.positions[b]))
		lm.uvs = append(lm.uvs, lm.uvs[a].Mid(lm.uvs[b]))
		lm.normals = append(lm.normals, lm.normals[a].Mid(lm.normals[b]).Normalize())
		lm.tangents = append(lm.tangents, lm.tangents[a].Mid(lm.tangents[b]).Normalize())
		lm.bitangents = append(lm.bitangents, lm.bitangents[a].Mid(lm.bitangents[b]).Normalize())
		mids[key] = m
		return m
	}

	base := uint32(lo)
	for t := 0; t < tris; t++ {
		o := sm.IndexStart + t*3
		v0 := s.Indices[o] - base
		v1 := s.Indices[o+1] - base
		v2 := s.Indices[o+2] - base

		m01 := midpoint(v0, v1)
		m12 := midpoint(v1, v2)
		m20 := midpoint(v2, v0)

		lm.indices = append(lm.indices,
			v0, m01, m20,
			v1, m12, m01,
			v2, m20, m12,
			m01, m12, m20,
		)
	}
	return lm
}
