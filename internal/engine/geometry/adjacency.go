package geometry

import (
	stdmath "math"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// PosKey is a position quantized to integer buckets of floor(coord/eps).
type PosKey [3]int64

// PosUVKey is a quantized position plus a quantized UV.
type PosUVKey struct {
	Pos  PosKey
	U, V int64
}

// quantize saturates at the int64 range; NaN lands in bucket 0.
func quantize(x, eps float32) int64 {
	f := stdmath.Floor(float64(x / eps))
	switch {
	case stdmath.IsNaN(f):
		return 0
	case f >= stdmath.MaxInt64:
		return stdmath.MaxInt64
	case f <= stdmath.MinInt64:
		return stdmath.MinInt64
	}
	return int64(f)
}

// MakePosKey quantizes p with step eps.
func MakePosKey(p math.Vec3, eps float32) PosKey {
	return PosKey{quantize(p.X, eps), quantize(p.Y, eps), quantize(p.Z, eps)}
}

// MakePosUVKey quantizes p and uv with step eps.
func MakePosUVKey(p math.Vec3, uv math.Vec2, eps float32) PosUVKey {
	return PosUVKey{Pos: MakePosKey(p, eps), U: quantize(uv.X, eps), V: quantize(uv.Y, eps)}
}

// Adjacency is the lookup structure derived from one snapshot topology.
// It is rebuilt, never updated, when positions or topology change.
type Adjacency struct {
	// VertexTriangles lists, per vertex, the triangles that reference it.
	VertexTriangles [][]uint32
	// ByPosUV groups vertices sharing an exact (position, UV) bucket.
	ByPosUV map[PosUVKey][]uint32
	// ByPos groups vertices sharing a position bucket, across UV seams and
	// submeshes.
	ByPos map[PosKey][]uint32

	posKeys   []PosKey
	posUVKeys []PosUVKey
}

// BuildAdjacency derives the adjacency index of s with quantization step eps.
// Group members are listed in ascending vertex order.
func (p *Processor) BuildAdjacency(s *Snapshot, eps float32) *Adjacency {
	n := len(s.Positions)
	a := &Adjacency{
		VertexTriangles: make([][]uint32, n),
		ByPosUV:         make(map[PosUVKey][]uint32, n),
		ByPos:           make(map[PosKey][]uint32, n),
		posKeys:         make([]PosKey, n),
		posUVKeys:       make([]PosUVKey, n),
	}

	p.pool.For(n, minChunk, func(begin, end int) {
		for i := begin; i < end; i++ {
			a.posUVKeys[i] = MakePosUVKey(s.Positions[i], s.UVs[i], eps)
			a.posKeys[i] = a.posUVKeys[i].Pos
		}
	})

	for i := 0; i < n; i++ {
		a.ByPos[a.posKeys[i]] = append(a.ByPos[a.posKeys[i]], uint32(i))
		a.ByPosUV[a.posUVKeys[i]] = append(a.ByPosUV[a.posUVKeys[i]], uint32(i))
	}

	tris := s.TriangleCount()
	for t := 0; t < tris; t++ {
		i0, i1, i2 := s.Triangle(t)
		a.VertexTriangles[i0] = append(a.VertexTriangles[i0], uint32(t))
		if i1 != i0 {
			a.VertexTriangles[i1] = append(a.VertexTriangles[i1], uint32(t))
		}
		if i2 != i0 && i2 != i1 {
			a.VertexTriangles[i2] = append(a.VertexTriangles[i2], uint32(t))
		}
	}
	return a
}

// PositionGroup returns every vertex in the same position bucket as v,
// including v.
func (a *Adjacency) PositionGroup(v uint32) []uint32 {
	return a.ByPos[a.posKeys[v]]
}

// SeamGroup returns every vertex in the same (position, UV) bucket as v,
// including v.
func (a *Adjacency) SeamGroup(v uint32) []uint32 {
	return a.ByPosUV[a.posUVKeys[v]]
}

// ringNeighbours collects the distinct vertices that share a triangle with
// any vertex of v's position group, excluding the group member itself in
// each triangle. filter, when non-nil, selects which triangles count.
func (a *Adjacency) ringNeighbours(s *Snapshot, v uint32, dst []uint32, filter func(t uint32) bool) []uint32 {
	dst = dst[:0]
	add := func(x uint32) {
		for _, y := range dst {
			if y == x {
				return
			}
		}
		dst = append(dst, x)
	}
	for _, link := range a.PositionGroup(v) {
		for _, t := range a.VertexTriangles[link] {
			if filter != nil && !filter(t) {
				continue
			}
			i0, i1, i2 := s.Triangle(int(t))
			if i0 != link {
				add(i0)
			}
			if i1 != link {
				add(i1)
			}
			if i2 != link {
				add(i2)
			}
		}
	}
	return dst
}

// edgeKey is an undirected edge between two vertices.
type edgeKey uint64

func makeEdge(a, b uint32) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey(uint64(a)<<32 | uint64(b))
}

// boundaryVertices marks vertices that touch an edge used by exactly one
// triangle.
func boundaryVertices(s *Snapshot) []bool {
	counts := make(map[edgeKey]int, len(s.Indices))
	tris := s.TriangleCount()
	for t := 0; t < tris; t++ {
		i0, i1, i2 := s.Triangle(t)
		for _, e := range [3][2]uint32{{i0, i1}, {i1, i2}, {i2, i0}} {
			if e[0] == e[1] {
				continue
			}
			counts[makeEdge(e[0], e[1])]++
		}
	}
	boundary := make([]bool, len(s.Positions))
	for e, c := range counts {
		if c == 1 {
			boundary[uint32(e>>32)] = true
			boundary[uint32(e)] = true
		}
	}
	return boundary
}
