package geometry

import (
	"context"
	"encoding/binary"
	stdmath "math"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/config"
)

// Params selects the processing chain run by Process.
type Params struct {
	WeldDistance         float32
	BoundaryWeldDistance float32
	Subdivision          int
	TriangleCeiling      int
	NormalSmoothDegree   float32
	VertexSmooth         int
	VertexSmoothStrength float32
	SmoothByAngle        int
	SmoothAngleLow       float32
	SmoothAngleHigh      float32
}

// ParamsFromConfig maps the geometry config section onto Params.
func ParamsFromConfig(c config.GeometryConfig) Params {
	return Params{
		WeldDistance:         c.WeldDistance,
		BoundaryWeldDistance: c.BoundaryWeldDistance,
		Subdivision:          c.Subdivision,
		TriangleCeiling:      c.SubdivisionTriangleCeiling,
		NormalSmoothDegree:   c.NormalSmoothDegree,
		VertexSmooth:         c.VertexSmooth,
		VertexSmoothStrength: c.VertexSmoothStrength,
		SmoothByAngle:        c.VertexSmoothByAngle,
		SmoothAngleLow:       c.SmoothAngleLow,
		SmoothAngleHigh:      c.SmoothAngleHigh,
	}
}

// Checkpoint is polled between stages. Returning false aborts the chain.
type Checkpoint func(stage string) bool

// Process runs weld, subdivide, smooth by angle, vertex smooth and normal
// recomputation in that order. The input is not modified.
func (p *Processor) Process(ctx context.Context, s *Snapshot, params Params, check Checkpoint) (*Snapshot, error) {
	if s.Empty() {
		p.log.Warn("nothing to process")
		return s, ErrMissingInput
	}

	stages := []struct {
		name string
		run  func(*Snapshot) *Snapshot
	}{
		{"weld", func(s *Snapshot) *Snapshot {
			return p.Weld(s, params.WeldDistance, params.BoundaryWeldDistance)
		}},
		{"subdivide", func(s *Snapshot) *Snapshot {
			return p.Subdivide(s, params.Subdivision, params.TriangleCeiling)
		}},
		{"smooth_by_angle", func(s *Snapshot) *Snapshot {
			return p.VertexSmoothByAngle(s, params.SmoothAngleLow, params.SmoothAngleHigh, params.SmoothByAngle)
		}},
		{"vertex_smooth", func(s *Snapshot) *Snapshot {
			return p.VertexSmooth(s, params.VertexSmoothStrength, params.VertexSmooth)
		}},
		{"normals", func(s *Snapshot) *Snapshot {
			return p.RecomputeNormals(s, params.NormalSmoothDegree)
		}},
	}

	out := s
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if check != nil && !check(st.name) {
			p.log.Debug("geometry processing superseded", zap.String("stage", st.name))
			return nil, ErrCancelled
		}
		out = st.run(out)
	}
	if check != nil && !check("done") {
		return nil, ErrCancelled
	}
	return out, nil
}

// Hash digests the normals of the whole snapshot.
func Hash(s *Snapshot) uint64 {
	return hashNormals(s, 0, len(s.Normals))
}

// HashSubmesh digests the normals of one submesh.
func HashSubmesh(s *Snapshot, sm Submesh) uint64 {
	return hashNormals(s, sm.VertexStart, sm.VertexEnd)
}

func hashNormals(s *Snapshot, begin, end int) uint64 {
	if end > len(s.Normals) {
		end = len(s.Normals)
	}
	d := xxhash.New()
	var buf [12]byte
	for _, n := range s.Normals[begin:end] {
		binary.LittleEndian.PutUint32(buf[0:], stdmath.Float32bits(n.X))
		binary.LittleEndian.PutUint32(buf[4:], stdmath.Float32bits(n.Y))
		binary.LittleEndian.PutUint32(buf[8:], stdmath.Float32bits(n.Z))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
