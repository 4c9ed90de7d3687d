package geometry

import (
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// Weld merges, inside each submesh, vertices that fall into the same
// (position, UV) bucket of size positionEpsilon. Then it snaps open-edge
// vertices of different submeshes that share a boundaryEpsilon bucket onto a
// single position. Interior topology is untouched and relative vertex order
// is preserved. Welding an already welded snapshot is a no-op.
func (p *Processor) Weld(s *Snapshot, positionEpsilon, boundaryEpsilon float32) *Snapshot {
	if !p.usable("weld", s) {
		return s
	}

	out := s
	if positionEpsilon > 0 {
		out = p.mergeDuplicates(s, positionEpsilon)
	}
	if boundaryEpsilon > 0 && len(out.Submeshes) > 1 {
		snapped := p.snapBoundaries(out, boundaryEpsilon)
		// Snapping can land two vertices of one submesh on the same
		// (position, UV) bucket; merge them now so a second weld finds nothing.
		if snapped != out && positionEpsilon > 0 {
			snapped = p.mergeDuplicates(snapped, positionEpsilon)
		}
		out = snapped
	}
	return out
}

func (p *Processor) mergeDuplicates(s *Snapshot, eps float32) *Snapshot {
	out := &Snapshot{
		Positions:  make([]math.Vec3, 0, len(s.Positions)),
		UVs:        make([]math.Vec2, 0, len(s.UVs)),
		Normals:    make([]math.Vec3, 0, len(s.Normals)),
		Tangents:   make([]math.Vec3, 0, len(s.Tangents)),
		Bitangents: make([]math.Vec3, 0, len(s.Bitangents)),
		Indices:    make([]uint32, len(s.Indices)),
		Submeshes:  make([]Submesh, len(s.Submeshes)),
	}
	remap := make([]uint32, len(s.Positions))

	for si, sm := range s.Submeshes {
		seen := make(map[PosUVKey]uint32, sm.VertexCount())
		nsm := sm
		nsm.VertexStart = len(out.Positions)
		for v := sm.VertexStart; v < sm.VertexEnd; v++ {
			key := MakePosUVKey(s.Positions[v], s.UVs[v], eps)
			if rep, ok := seen[key]; ok {
				remap[v] = rep
				continue
			}
			idx := uint32(len(out.Positions))
			seen[key] = idx
			remap[v] = idx
			out.Positions = append(out.Positions, s.Positions[v])
			out.UVs = append(out.UVs, s.UVs[v])
			if len(s.Normals) > 0 {
				out.Normals = append(out.Normals, s.Normals[v])
			}
			if len(s.Tangents) > 0 {
				out.Tangents = append(out.Tangents, s.Tangents[v])
			}
			if len(s.Bitangents) > 0 {
				out.Bitangents = append(out.Bitangents, s.Bitangents[v])
			}
		}
		nsm.VertexEnd = len(out.Positions)
		out.Submeshes[si] = nsm
	}

	merged := len(s.Positions) - len(out.Positions)
	if merged == 0 {
		return s
	}

	p.pool.For(len(s.Indices), minChunk, func(begin, end int) {
		for i := begin; i < end; i++ {
			out.Indices[i] = remap[s.Indices[i]]
		}
	})

	p.log.Debug("welded duplicate vertices",
		zap.Int("merged", merged),
		zap.Int("vertices", len(out.Positions)))
	return out
}

func (p *Processor) snapBoundaries(s *Snapshot, eps float32) *Snapshot {
	boundary := boundaryVertices(s)
	owner := s.submeshOf()

	buckets := make(map[PosKey][]uint32)
	for v, isBoundary := range boundary {
		if isBoundary {
			key := MakePosKey(s.Positions[v], eps)
			buckets[key] = append(buckets[key], uint32(v))
		}
	}

	var positions []math.Vec3
	snapped := 0
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		crosses := false
		for _, m := range members[1:] {
			if owner[m] != owner[members[0]] {
				crosses = true
				break
			}
		}
		if !crosses {
			continue
		}
		target := s.Positions[members[0]]
		for _, m := range members[1:] {
			if s.Positions[m] == target {
				continue
			}
			if positions == nil {
				positions = append([]math.Vec3(nil), s.Positions...)
			}
			positions[m] = target
			snapped++
		}
	}
	if snapped == 0 {
		return s
	}

	out := *s
	out.Positions = positions
	p.log.Debug("snapped submesh boundaries", zap.Int("vertices", snapped))
	return &out
}
