package geometry

import (
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/parallel"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// DefaultEpsilon is the adjacency quantization step used when none is set.
const DefaultEpsilon float32 = 0.0001

// minChunk is the smallest slice of work handed to a pool worker.
const minChunk = 512

// Processor runs geometry operations on a shared numeric pool.
// A Processor is safe for concurrent use; snapshots are not.
type Processor struct {
	log  *zap.Logger
	pool *parallel.Pool
	eps  float32
}

// NewProcessor creates a processor. eps is the quantization step of the
// adjacency lookup tables; eps <= 0 uses DefaultEpsilon.
func NewProcessor(log *zap.Logger, pool *parallel.Pool, eps float32) *Processor {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	if pool == nil {
		pool = parallel.NewPool("geometry", 1)
	}
	return &Processor{log: logger.OrNop(log), pool: pool, eps: eps}
}

// Epsilon returns the adjacency quantization step.
func (p *Processor) Epsilon() float32 { return p.eps }

// Extract flattens the submesh buffers of one character into a snapshot.
// Submeshes without positions, matching UVs or triangles are skipped; when
// nothing is left Extract returns an empty snapshot and ErrMissingInput.
func (p *Processor) Extract(buffers []scene.SubmeshBuffers) (*Snapshot, error) {
	s := &Snapshot{}
	for _, b := range buffers {
		n := len(b.Positions)
		if n == 0 || len(b.UVs) != n || len(b.Indices) < 3 {
			p.log.Warn("skipping submesh without usable geometry",
				zap.String("submesh", b.Name),
				zap.Int("positions", n),
				zap.Int("uvs", len(b.UVs)),
				zap.Int("indices", len(b.Indices)))
			continue
		}

		base := uint32(len(s.Positions))
		sm := Submesh{
			Name:        b.Name,
			Slot:        b.Slot,
			VertexStart: len(s.Positions),
			IndexStart:  len(s.Indices),
		}
		if b.Skinned {
			sm.Features |= Skinned
		}
		if b.Dynamic {
			sm.Features |= Dynamic
		}

		xf := b.Transform
		applyXf := xf != (math.Mat4{}) && !xf.IsIdentity()

		for i, pos := range b.Positions {
			if applyXf {
				pos = xf.TransformPoint(pos)
			}
			s.Positions = append(s.Positions, pos)
			s.UVs = append(s.UVs, b.UVs[i])
		}

		appendDir := func(dst []math.Vec3, src []math.Vec3, bit Features) []math.Vec3 {
			if len(src) != n {
				return append(dst, make([]math.Vec3, n)...)
			}
			sm.Features |= bit
			for _, d := range src {
				if applyXf {
					d = xf.TransformDirection(d).Normalize()
				}
				dst = append(dst, d)
			}
			return dst
		}
		s.Normals = appendDir(s.Normals, b.Normals, HasNormals)
		s.Tangents = appendDir(s.Tangents, b.Tangents, HasTangents)
		s.Bitangents = appendDir(s.Bitangents, b.Bitangents, HasBitangents)

		dropped := 0
		tris := len(b.Indices) / 3
		for t := 0; t < tris; t++ {
			i0, i1, i2 := b.Indices[t*3], b.Indices[t*3+1], b.Indices[t*3+2]
			if int(i0) >= n || int(i1) >= n || int(i2) >= n {
				dropped++
				continue
			}
			s.Indices = append(s.Indices, base+i0, base+i1, base+i2)
		}
		if dropped > 0 {
			p.log.Warn("dropped triangles with out-of-range indices",
				zap.String("submesh", b.Name), zap.Int("dropped", dropped))
		}

		sm.VertexEnd = len(s.Positions)
		sm.IndexEnd = len(s.Indices)
		if sm.IndexEnd == sm.IndexStart {
			// Roll back a submesh whose triangles were all invalid.
			s.Positions = s.Positions[:sm.VertexStart]
			s.UVs = s.UVs[:sm.VertexStart]
			s.Normals = s.Normals[:sm.VertexStart]
			s.Tangents = s.Tangents[:sm.VertexStart]
			s.Bitangents = s.Bitangents[:sm.VertexStart]
			continue
		}
		s.Submeshes = append(s.Submeshes, sm)
	}

	if s.Empty() {
		p.log.Warn("mesh has no usable geometry", zap.Int("submeshes", len(buffers)))
		return &Snapshot{}, ErrMissingInput
	}

	p.log.Debug("extracted snapshot",
		zap.Int("vertices", s.VertexCount()),
		zap.Int("triangles", s.TriangleCount()),
		zap.Int("submeshes", len(s.Submeshes)))
	return s, nil
}

// usable reports whether s can be processed, logging why not.
func (p *Processor) usable(op string, s *Snapshot) bool {
	if s.Empty() {
		p.log.Warn("skipping operation on empty snapshot", zap.String("op", op))
		return false
	}
	if err := s.Validate(); err != nil {
		p.log.Warn("skipping operation on malformed snapshot", zap.String("op", op), zap.Error(err))
		return false
	}
	return true
}
