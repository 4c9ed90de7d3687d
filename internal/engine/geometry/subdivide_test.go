package geometry

import (
	"testing"

	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

func triangle(name string, slot uint32) scene.SubmeshBuffers {
	return scene.SubmeshBuffers{
		Name:      name,
		Slot:      slot,
		Positions: []math.Vec3{{}, {X: 2}, {Z: 2}},
		UVs:       []math.Vec2{{}, {X: 1}, {Y: 1}},
		Normals:   []math.Vec3{{Y: 1}, {Y: 1}, {Y: 1}},
		Indices:   []uint32{0, 2, 1},
	}
}

func TestSubdivideCounts(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, triangle("a", 1))

	tests := []struct {
		levels    int
		wantVerts int
		wantTris  int
	}{
		{0, 3, 1},
		{1, 6, 4},
		{2, 15, 16},
		{3, 45, 64},
	}
	for _, tt := range tests {
		out := p.Subdivide(s, tt.levels, 0)
		if out.VertexCount() != tt.wantVerts || out.TriangleCount() != tt.wantTris {
			t.Errorf("levels=%d: got %d verts %d tris, want %d/%d",
				tt.levels, out.VertexCount(), out.TriangleCount(), tt.wantVerts, tt.wantTris)
		}
		if err := out.Validate(); err != nil {
			t.Errorf("levels=%d: %v", tt.levels, err)
		}
	}
}

func TestSubdivideMidpoints(t *testing.T) {
	p := newTestProcessor(t)
	out := p.Subdivide(mustExtract(t, p, triangle("a", 1)), 1, 0)

	// Triangle (0, 2, 1) creates m01 on (0,2), m12 on (2,1), m20 on (1,0).
	want := []math.Vec3{{Z: 1}, {X: 1, Z: 1}, {X: 1}}
	for i, w := range want {
		if got := out.Positions[3+i]; !approxVec(got, w) {
			t.Errorf("midpoint %d = %+v, want %+v", i, got, w)
		}
		if got := out.Normals[3+i]; !approxVec(got, math.Vec3{Y: 1}) {
			t.Errorf("midpoint normal %d = %+v", i, got)
		}
	}
	if got := out.UVs[3]; got != (math.Vec2{Y: 0.5}) {
		t.Errorf("midpoint uv = %+v", got)
	}
	if got := out.Indices[0:3]; got[0] != 0 || got[1] != 3 || got[2] != 5 {
		t.Errorf("first child = %v, want [0 3 5]", got)
	}
}

func TestSubdivideCeiling(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Grid("g", 1, 1, 1, 1, fullChart))

	if out := p.Subdivide(s, 1, 7); out.TriangleCount() != 2 {
		t.Errorf("ceiling 7 should block the first level, got %d tris", out.TriangleCount())
	}
	if out := p.Subdivide(s, 3, 32); out.TriangleCount() != 32 {
		t.Errorf("ceiling 32 should allow two levels, got %d tris", out.TriangleCount())
	}
}

func TestSubdividePerSubmesh(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, triangle("a", 1), triangle("b", 2))

	out := p.Subdivide(s, 1, 0)
	if out.VertexCount() != 12 {
		t.Fatalf("midpoints shared across submeshes: %d vertices", out.VertexCount())
	}
	b := out.Submeshes[1]
	if b.VertexStart != 6 || b.VertexEnd != 12 || b.IndexStart != 12 || b.IndexEnd != 24 {
		t.Errorf("second submesh range = %+v", b)
	}
	for _, idx := range out.Indices[b.IndexStart:b.IndexEnd] {
		if idx < 6 {
			t.Fatalf("second submesh references vertex %d of the first", idx)
		}
	}
}
