package geometry

import (
	stdmath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// inflateBias keeps the inflate step of VertexSmooth slightly stronger than
// the deflate step so the result does not shrink.
const inflateBias = 0.03

// VertexSmooth relaxes vertex positions toward the average of their one-ring
// neighbours. strength 0 leaves the mesh alone and 1 moves fully onto the
// average. Every iteration runs a deflate and an inflate pass and rebuilds
// the adjacency index from the moved positions.
func (p *Processor) VertexSmooth(s *Snapshot, strength float32, iterations int) *Snapshot {
	if iterations <= 0 || strength <= math.Epsilon {
		return s
	}
	if !p.usable("vertex smooth", s) {
		return s
	}

	deflate := math.Clamp(strength, 0, 1)
	inflate := -(deflate + inflateBias)

	out := s
	for it := 0; it < iterations; it++ {
		adj := p.BuildAdjacency(out, p.eps)
		out = p.relax(out, adj, deflate)
		adj = p.BuildAdjacency(out, p.eps)
		out = p.relax(out, adj, inflate)
	}

	p.log.Debug("vertex smooth done",
		zap.Int("vertices", out.VertexCount()),
		zap.Int("iterations", iterations))
	return out
}

func (p *Processor) relax(s *Snapshot, adj *Adjacency, weight float32) *Snapshot {
	out := *s
	out.Positions = make([]math.Vec3, len(s.Positions))

	p.pool.For(len(s.Positions), minChunk, func(begin, end int) {
		var ring []uint32
		for v := begin; v < end; v++ {
			ring = adj.ringNeighbours(s, uint32(v), ring, nil)
			orig := s.Positions[v]
			if len(ring) == 0 {
				out.Positions[v] = orig
				continue
			}
			var sum math.Vec3
			for _, r := range ring {
				sum = sum.Add(s.Positions[r])
			}
			avg := sum.Scale(1 / float32(len(ring)))
			out.Positions[v] = orig.Add(avg.Sub(orig).Scale(weight))
		}
	})
	return &out
}

// VertexSmoothByAngle relaxes vertices sitting on creases. Faces within
// lowDegrees of a vertex's normal are ignored; the others select the
// neighbours to average and set the blend strength, which rises by
// smoothstep from 0 at lowDegrees to 1 at highDegrees.
func (p *Processor) VertexSmoothByAngle(s *Snapshot, lowDegrees, highDegrees float32, iterations int) *Snapshot {
	if iterations <= 0 {
		return s
	}
	if !p.usable("vertex smooth by angle", s) {
		return s
	}
	if lowDegrees > highDegrees {
		lowDegrees, highDegrees = highDegrees, lowDegrees
	}
	maxCos := float32(stdmath.Cos(float64(math.Radians(lowDegrees))))
	minCos := float32(stdmath.Cos(float64(math.Radians(highDegrees))))

	out := s
	for it := 0; it < iterations; it++ {
		adj := p.BuildAdjacency(out, p.eps)
		faces := p.computeFaces(out)
		cur := out
		next := *cur
		next.Positions = make([]math.Vec3, len(cur.Positions))

		p.pool.For(len(cur.Positions), minChunk, func(begin, end int) {
			var ring []uint32
			for v := begin; v < end; v++ {
				orig := cur.Positions[v]
				next.Positions[v] = orig

				var self math.Vec3
				for _, link := range adj.PositionGroup(uint32(v)) {
					for _, t := range adj.VertexTriangles[link] {
						self = self.Add(faces.normals[t])
					}
				}
				if self.LengthSquared() < math.Epsilon {
					continue
				}
				self = self.Normalize()

				var dotTotal float32
				var dotCount int
				ring = adj.ringNeighbours(cur, uint32(v), ring, func(t uint32) bool {
					d := self.Dot(faces.normals[t])
					if d > maxCos {
						return false
					}
					dotTotal += d
					dotCount++
					return true
				})
				if len(ring) == 0 || dotCount == 0 {
					continue
				}

				strength := math.SmoothStep(maxCos, minCos, dotTotal/float32(dotCount))
				var sum math.Vec3
				for _, r := range ring {
					sum = sum.Add(cur.Positions[r])
				}
				avg := sum.Scale(1 / float32(len(ring)))
				next.Positions[v] = orig.Lerp(avg, strength)
			}
		})
		out = &next
	}

	p.log.Debug("vertex smooth by angle done",
		zap.Int("vertices", out.VertexCount()),
		zap.Int("iterations", iterations))
	return out
}
