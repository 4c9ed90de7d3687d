package geometry

import (
	"testing"

	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// fold returns two triangles meeting at a right angle along the Z axis. The
// shared edge vertices are duplicated with different UVs.
func fold() scene.SubmeshBuffers {
	return scene.SubmeshBuffers{
		Name: "fold",
		Positions: []math.Vec3{
			{}, {Z: 1}, {X: 1}, // floor, faces +Y
			{}, {Y: 1}, {Z: 1}, // wall, faces +X
		},
		UVs: []math.Vec2{
			{}, {Y: 1}, {X: 1},
			{X: 0.5, Y: 0.5}, {X: 0.6, Y: 0.5}, {X: 0.5, Y: 0.6},
		},
		Indices: []uint32{0, 1, 2, 3, 4, 5},
	}
}

func TestRecomputeNormalsUnitLength(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Torus("t", 1, 24, 12, 1, 0.3, fullChart))
	s = p.Subdivide(s, 1, 0)

	for _, deg := range []float32{0, 30, 60, 180} {
		out := p.RecomputeNormals(s, deg)
		for i, n := range out.Normals {
			if !approx(n.Length(), 1) {
				t.Fatalf("deg=%v: normal %d has length %v", deg, i, n.Length())
			}
			if tan := out.Tangents[i]; !tan.IsZero() && !approx(tan.Dot(n), 0) {
				t.Fatalf("deg=%v: tangent %d not orthogonal to normal", deg, i)
			}
		}
	}
}

func TestRecomputeNormalsPlane(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Grid("g", 1, 3, 3, 2, fullChart))
	s.Normals = make([]math.Vec3, len(s.Normals))

	out := p.RecomputeNormals(s, 60)
	for i := range out.Normals {
		if !approxVec(out.Normals[i], math.Vec3{Y: 1}) {
			t.Fatalf("normal %d = %+v", i, out.Normals[i])
		}
		if !approxVec(out.Tangents[i], math.Vec3{X: 1}) {
			t.Fatalf("tangent %d = %+v", i, out.Tangents[i])
		}
		if !approxVec(out.Bitangents[i], math.Vec3{Z: 1}) {
			t.Fatalf("bitangent %d = %+v", i, out.Bitangents[i])
		}
	}
	if !out.Submeshes[0].Features.Has(HasNormals | HasTangents | HasBitangents) {
		t.Error("feature flags not set")
	}
}

func TestRecomputeNormalsCrease(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, fold())

	hard := p.RecomputeNormals(s, 60)
	if !approxVec(hard.Normals[0], math.Vec3{Y: 1}) {
		t.Errorf("60 degrees should keep the crease hard, got %+v", hard.Normals[0])
	}
	if !approxVec(hard.Normals[3], math.Vec3{X: 1}) {
		t.Errorf("wall normal = %+v", hard.Normals[3])
	}

	soft := p.RecomputeNormals(s, 120)
	want := math.Vec3{X: 1, Y: 1}.Normalize()
	if !approxVec(soft.Normals[0], want) || !approxVec(soft.Normals[3], want) {
		t.Errorf("120 degrees should smooth across the seam, got %+v and %+v", soft.Normals[0], soft.Normals[3])
	}
	// The wall apex has no partner at its position.
	if !approxVec(soft.Normals[4], math.Vec3{X: 1}) {
		t.Errorf("apex normal = %+v", soft.Normals[4])
	}
}

func TestRecomputeNormalsUnreferencedVertex(t *testing.T) {
	p := newTestProcessor(t)
	tri := triangle("a", 1)
	tri.Positions = append(tri.Positions, math.Vec3{X: 5})
	tri.UVs = append(tri.UVs, math.Vec2{X: 0.9})
	tri.Normals = append(tri.Normals, math.Vec3{Y: 1})
	s := mustExtract(t, p, tri)

	out := p.RecomputeNormals(s, 60)
	if !out.Normals[3].IsZero() {
		t.Errorf("vertex without faces should get a zero normal, got %+v", out.Normals[3])
	}
}
