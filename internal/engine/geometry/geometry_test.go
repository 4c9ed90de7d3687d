package geometry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Faultbox/normalsynth/internal/parallel"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

var fullChart = scene.UVRect{Max: math.Vec2{X: 1, Y: 1}}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	pool := parallel.NewPool("test", 2)
	t.Cleanup(pool.Close)
	return NewProcessor(zaptest.NewLogger(t), pool, 0)
}

func mustExtract(t *testing.T, p *Processor, bufs ...scene.SubmeshBuffers) *Snapshot {
	t.Helper()
	s, err := p.Extract(bufs)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return s
}

func approx(a, b float32) bool {
	d := a - b
	return d < 1e-4 && d > -1e-4
}

func approxVec(a, b math.Vec3) bool {
	return approx(a.X, b.X) && approx(a.Y, b.Y) && approx(a.Z, b.Z)
}

func TestExtractRebasesIndices(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p,
		scene.Grid("a", 1, 2, 2, 1, fullChart),
		scene.Torus("b", 2, 8, 6, 1, 0.25, fullChart),
	)

	if len(s.Submeshes) != 2 {
		t.Fatalf("expected 2 submeshes, got %d", len(s.Submeshes))
	}
	a, b := s.Submeshes[0], s.Submeshes[1]
	if a.VertexCount() != 9 || a.TriangleCount() != 8 {
		t.Errorf("grid counts = %d verts, %d tris", a.VertexCount(), a.TriangleCount())
	}
	if b.VertexCount() != 48 || b.TriangleCount() != 96 {
		t.Errorf("torus counts = %d verts, %d tris", b.VertexCount(), b.TriangleCount())
	}
	for _, idx := range s.Indices[b.IndexStart:b.IndexEnd] {
		if int(idx) < b.VertexStart {
			t.Fatalf("torus index %d not rebased past %d", idx, b.VertexStart)
		}
	}
	if !b.Features.Has(Skinned | HasNormals | HasTangents) {
		t.Errorf("torus features = %b", b.Features)
	}
	if b.Features.Has(HasBitangents) {
		t.Error("torus has no bitangents but flag is set")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestExtractAppliesTransform(t *testing.T) {
	p := newTestProcessor(t)
	g := scene.Grid("a", 1, 1, 1, 1, fullChart)
	g.Transform = math.Translate(10, 0, 0)
	s := mustExtract(t, p, g)

	if !approxVec(s.Positions[0], math.Vec3{X: 9.5, Z: -0.5}) {
		t.Errorf("position not transformed: %+v", s.Positions[0])
	}
	if !approxVec(s.Normals[0], math.Vec3{Y: 1}) {
		t.Errorf("normal changed by translation: %+v", s.Normals[0])
	}
}

func TestExtractMissingInput(t *testing.T) {
	p := newTestProcessor(t)
	noUV := scene.Grid("a", 1, 1, 1, 1, fullChart)
	noUV.UVs = nil
	noTris := scene.Grid("b", 1, 1, 1, 1, fullChart)
	noTris.Indices = nil

	s, err := p.Extract([]scene.SubmeshBuffers{noUV, noTris})
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if !s.Empty() {
		t.Errorf("expected empty snapshot, got %s", s)
	}
}

func TestExtractSkipsBadSubmesh(t *testing.T) {
	p := newTestProcessor(t)
	bad := scene.Grid("bad", 1, 1, 1, 1, fullChart)
	bad.UVs = bad.UVs[:1]
	s := mustExtract(t, p, bad, scene.Grid("good", 2, 1, 1, 1, fullChart))

	if len(s.Submeshes) != 1 || s.Submeshes[0].Name != "good" {
		t.Fatalf("unexpected submeshes: %+v", s.Submeshes)
	}
}

func TestValidate(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Grid("a", 1, 1, 1, 1, fullChart))

	bad := s.clone()
	bad.Indices[0] = 99
	if err := bad.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("out-of-range index: got %v", err)
	}

	bad = s.clone()
	bad.Normals = bad.Normals[:2]
	if err := bad.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("short normals: got %v", err)
	}
}

func TestProcessChain(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Torus("body", 1, 12, 8, 1, 0.3, fullChart))
	params := Params{
		WeldDistance:         0.0001,
		BoundaryWeldDistance: 0.001,
		Subdivision:          1,
		TriangleCeiling:      100000,
		NormalSmoothDegree:   60,
		VertexSmooth:         1,
		VertexSmoothStrength: 0.5,
	}

	var stages []string
	out, err := p.Process(context.Background(), s, params, func(stage string) bool {
		stages = append(stages, stage)
		return true
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.TriangleCount() != s.TriangleCount()*4 {
		t.Errorf("triangles = %d, want %d", out.TriangleCount(), s.TriangleCount()*4)
	}
	want := []string{"weld", "subdivide", "smooth_by_angle", "vertex_smooth", "normals", "done"}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %q, want %q", i, stages[i], want[i])
		}
	}
	for i, n := range out.Normals {
		if !approx(n.Length(), 1) {
			t.Fatalf("normal %d not unit: %v", i, n.Length())
		}
	}
}

func TestProcessCancelled(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Grid("a", 1, 2, 2, 1, fullChart))

	out, err := p.Process(context.Background(), s, Params{Subdivision: 1}, func(stage string) bool {
		return stage != "subdivide"
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if out != nil {
		t.Error("cancelled processing returned a snapshot")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Process(ctx, s, Params{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHash(t *testing.T) {
	p := newTestProcessor(t)
	s := p.RecomputeNormals(mustExtract(t, p, scene.Torus("b", 1, 8, 6, 1, 0.25, fullChart)), 60)

	if Hash(s) != Hash(s.clone()) {
		t.Error("hash differs for identical snapshots")
	}
	moved := s.clone()
	moved.Positions[3] = moved.Positions[3].Add(math.Vec3{Y: 0.2})
	moved = p.RecomputeNormals(moved, 60)
	if Hash(moved) == Hash(s) {
		t.Error("hash unchanged after geometry change")
	}
	if HashSubmesh(s, s.Submeshes[0]) != Hash(s) {
		t.Error("single-submesh hash should cover the whole snapshot")
	}
}
