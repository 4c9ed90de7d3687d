package geometry

import (
	"reflect"
	"testing"

	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// splitQuad returns a quad whose two triangles do not share vertices.
func splitQuad() scene.SubmeshBuffers {
	p := []math.Vec3{{X: 0}, {X: 1}, {X: 1, Z: 1}, {X: 0}, {X: 1, Z: 1}, {Z: 1}}
	uv := []math.Vec2{{X: 0}, {X: 1}, {X: 1, Y: 1}, {X: 0}, {X: 1, Y: 1}, {Y: 1}}
	return scene.SubmeshBuffers{
		Name:      "quad",
		Slot:      1,
		Positions: p,
		UVs:       uv,
		Indices:   []uint32{0, 2, 1, 3, 5, 4},
	}
}

func sameGeometry(a, b *Snapshot) bool {
	return reflect.DeepEqual(a.Positions, b.Positions) &&
		reflect.DeepEqual(a.UVs, b.UVs) &&
		reflect.DeepEqual(a.Indices, b.Indices) &&
		reflect.DeepEqual(a.Submeshes, b.Submeshes)
}

func TestWeldMergesDuplicates(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, splitQuad())

	w := p.Weld(s, 0.0001, 0.001)
	if w.VertexCount() != 4 {
		t.Fatalf("expected 4 vertices after weld, got %d", w.VertexCount())
	}
	if w.TriangleCount() != 2 {
		t.Errorf("triangle count changed: %d", w.TriangleCount())
	}
	want := []uint32{0, 2, 1, 0, 3, 2}
	if !reflect.DeepEqual(w.Indices, want) {
		t.Errorf("indices = %v, want %v", w.Indices, want)
	}
	if err := w.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if s.VertexCount() != 6 {
		t.Error("weld modified its input")
	}
}

func TestWeldKeepsUVSeams(t *testing.T) {
	p := newTestProcessor(t)
	q := splitQuad()
	q.UVs[3] = math.Vec2{X: 0.5, Y: 0.5}
	s := mustExtract(t, p, q)

	w := p.Weld(s, 0.0001, 0.001)
	if w.VertexCount() != 5 {
		t.Errorf("expected the UV seam vertex to survive, got %d vertices", w.VertexCount())
	}
}

func TestWeldSnapsSubmeshBoundaries(t *testing.T) {
	p := newTestProcessor(t)
	left := scene.Grid("left", 1, 1, 1, 1, fullChart)
	left.Transform = math.Translate(0.0003, 0, 0)
	right := scene.Grid("right", 2, 1, 1, 1, fullChart)
	right.Transform = math.Translate(1.0007, 0, 0)
	s := mustExtract(t, p, left, right)

	w := p.Weld(s, 0.0001, 0.001)
	// right's left edge (vertices 4 and 6) lands on left's right edge (1 and 3).
	if w.Positions[4] != w.Positions[1] || w.Positions[6] != w.Positions[3] {
		t.Errorf("boundary not snapped: %+v vs %+v", w.Positions[4], w.Positions[1])
	}
	if w.Positions[5] != s.Positions[5] || w.Positions[0] != s.Positions[0] {
		t.Error("vertices away from the shared edge moved")
	}
	if w.VertexCount() != s.VertexCount() {
		t.Error("boundary snapping must not merge vertices across submeshes")
	}
}

// seamPair returns two submeshes meeting near x=1. Vertices 1 and 3 of the
// first are open-edge copies with the same UV, further apart than the
// duplicate step but inside one boundary bucket with vertex 0 of the second.
func seamPair() (scene.SubmeshBuffers, scene.SubmeshBuffers) {
	a := scene.SubmeshBuffers{
		Name:      "a",
		Slot:      1,
		Positions: []math.Vec3{{}, {X: 1.0002}, {Z: 1}, {X: 1.0006}, {X: 1, Z: 1}},
		UVs:       []math.Vec2{{}, {X: 1}, {Y: 1}, {X: 1}, {X: 1, Y: 1}},
		Indices:   []uint32{0, 2, 1, 3, 2, 4},
	}
	b := scene.SubmeshBuffers{
		Name:      "b",
		Slot:      2,
		Positions: []math.Vec3{{X: 1.0004}, {X: 2}, {X: 2, Z: 1}},
		UVs:       []math.Vec2{{}, {X: 1}, {X: 1, Y: 1}},
		Indices:   []uint32{0, 2, 1},
	}
	return a, b
}

func TestWeldMergesVerticesSnappedTogether(t *testing.T) {
	p := newTestProcessor(t)
	a, b := seamPair()
	s := mustExtract(t, p, a, b)

	w := p.Weld(s, 0.0001, 0.001)
	if got := w.Submeshes[0].VertexCount(); got != 4 {
		t.Fatalf("first submesh has %d vertices after weld, want 4", got)
	}
	if w.VertexCount() != 7 {
		t.Errorf("expected 7 vertices, got %d", w.VertexCount())
	}
	// The second submesh's corner snaps onto the surviving copy.
	if w.Positions[4] != w.Positions[1] {
		t.Errorf("boundary not snapped: %+v vs %+v", w.Positions[4], w.Positions[1])
	}
	if err := w.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestWeldIdempotent(t *testing.T) {
	p := newTestProcessor(t)
	left := scene.Grid("left", 1, 3, 3, 1, fullChart)
	left.Transform = math.Translate(0.0003, 0, 0)
	right := scene.Grid("right", 2, 3, 3, 1, fullChart)
	right.Transform = math.Translate(1.0007, 0, 0)
	seamA, seamB := seamPair()

	tests := []struct {
		name string
		bufs []scene.SubmeshBuffers
	}{
		{"split quad", []scene.SubmeshBuffers{splitQuad()}},
		{"torus", []scene.SubmeshBuffers{scene.Torus("t", 1, 10, 6, 1, 0.3, fullChart)}},
		{"adjacent grids", []scene.SubmeshBuffers{left, right}},
		{"snapped copies in one submesh", []scene.SubmeshBuffers{seamA, seamB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := p.Weld(mustExtract(t, p, tt.bufs...), 0.0001, 0.001)
			twice := p.Weld(once, 0.0001, 0.001)
			if !sameGeometry(once, twice) {
				t.Error("second weld changed the snapshot")
			}
		})
	}
}

func TestWeldEmptyIsNoop(t *testing.T) {
	p := newTestProcessor(t)
	s := &Snapshot{}
	if got := p.Weld(s, 0.0001, 0.001); got != s {
		t.Error("weld of an empty snapshot should return its input")
	}
}
