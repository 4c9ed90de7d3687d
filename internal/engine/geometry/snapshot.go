// Package geometry builds and processes the mesh snapshots the rasterizer
// consumes: extraction from host buffers, welding, subdivision, smoothing
// and normal/tangent recomputation.
package geometry

import (
	"fmt"

	"go.trai.ch/zerr"

	"github.com/Faultbox/normalsynth/pkg/math"
)

var (
	// ErrMissingInput is returned when a mesh lacks positions, UVs or triangles.
	ErrMissingInput = zerr.New("geometry input missing")
	// ErrCancelled is returned by Process when a checkpoint reports the job
	// as superseded.
	ErrCancelled = zerr.New("geometry processing cancelled")
	// ErrMalformed is returned by Validate for inconsistent snapshots.
	ErrMalformed = zerr.New("malformed geometry snapshot")
)

// Features flags which optional per-vertex attributes a submesh carries.
type Features uint8

const (
	HasNormals Features = 1 << iota
	HasTangents
	HasBitangents
	Skinned
	Dynamic
)

// Has reports whether all bits of f are set.
func (f Features) Has(bits Features) bool { return f&bits == bits }

// Submesh is a named contiguous range of a snapshot. Vertex and index ranges
// are half-open.
type Submesh struct {
	Name        string
	Slot        uint32
	VertexStart int
	VertexEnd   int
	IndexStart  int
	IndexEnd    int
	Features    Features
}

// VertexCount returns the number of vertices in the submesh.
func (s Submesh) VertexCount() int { return s.VertexEnd - s.VertexStart }

// TriangleCount returns the number of triangles in the submesh.
func (s Submesh) TriangleCount() int { return (s.IndexEnd - s.IndexStart) / 3 }

// Snapshot is a flattened copy of a character's mesh. Indices address the
// combined vertex arrays.
type Snapshot struct {
	Positions  []math.Vec3
	UVs        []math.Vec2
	Normals    []math.Vec3
	Tangents   []math.Vec3
	Bitangents []math.Vec3
	Indices    []uint32
	Submeshes  []Submesh
}

// VertexCount returns the number of vertices.
func (s *Snapshot) VertexCount() int { return len(s.Positions) }

// TriangleCount returns the number of triangles.
func (s *Snapshot) TriangleCount() int { return len(s.Indices) / 3 }

// Empty reports whether the snapshot has nothing to rasterize.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Positions) == 0 || len(s.UVs) == 0 || len(s.Indices) < 3
}

// Submesh looks up a submesh by name.
func (s *Snapshot) Submesh(name string) (Submesh, bool) {
	for _, sm := range s.Submeshes {
		if sm.Name == name {
			return sm, true
		}
	}
	return Submesh{}, false
}

// Triangle returns the three vertex indices of triangle t.
func (s *Snapshot) Triangle(t int) (uint32, uint32, uint32) {
	o := t * 3
	return s.Indices[o], s.Indices[o+1], s.Indices[o+2]
}

// Validate checks that present per-vertex arrays agree in length, that indices
// are in range and that submesh ranges tile the arrays.
func (s *Snapshot) Validate() error {
	n := len(s.Positions)
	check := func(name string, l int) error {
		if l != 0 && l != n {
			return zerr.With(zerr.Wrap(ErrMalformed, name+" length mismatch"), "length", l)
		}
		return nil
	}
	if len(s.UVs) != n {
		return zerr.With(zerr.Wrap(ErrMalformed, "uv length mismatch"), "length", len(s.UVs))
	}
	for _, a := range []struct {
		name string
		l    int
	}{
		{"normal", len(s.Normals)},
		{"tangent", len(s.Tangents)},
		{"bitangent", len(s.Bitangents)},
	} {
		if err := check(a.name, a.l); err != nil {
			return err
		}
	}
	if len(s.Indices)%3 != 0 {
		return zerr.With(zerr.Wrap(ErrMalformed, "partial triangle"), "indices", len(s.Indices))
	}
	for i, idx := range s.Indices {
		if int(idx) >= n {
			return zerr.With(zerr.With(zerr.Wrap(ErrMalformed, "index out of range"), "index", i), "value", idx)
		}
	}
	for _, sm := range s.Submeshes {
		if sm.VertexStart < 0 || sm.VertexEnd > n || sm.VertexStart > sm.VertexEnd ||
			sm.IndexStart < 0 || sm.IndexEnd > len(s.Indices) || sm.IndexStart > sm.IndexEnd ||
			(sm.IndexEnd-sm.IndexStart)%3 != 0 {
			return zerr.With(zerr.Wrap(ErrMalformed, "bad submesh range"), "submesh", sm.Name)
		}
		for _, idx := range s.Indices[sm.IndexStart:sm.IndexEnd] {
			if int(idx) < sm.VertexStart || int(idx) >= sm.VertexEnd {
				return zerr.With(zerr.Wrap(ErrMalformed, "index outside submesh"), "submesh", sm.Name)
			}
		}
	}
	return nil
}

// withAttributes returns s, or a shallow copy of it whose missing normal,
// tangent and bitangent arrays are zero filled.
func withAttributes(s *Snapshot) *Snapshot {
	n := len(s.Positions)
	if len(s.Normals) == n && len(s.Tangents) == n && len(s.Bitangents) == n {
		return s
	}
	out := *s
	if len(out.Normals) != n {
		out.Normals = make([]math.Vec3, n)
	}
	if len(out.Tangents) != n {
		out.Tangents = make([]math.Vec3, n)
	}
	if len(out.Bitangents) != n {
		out.Bitangents = make([]math.Vec3, n)
	}
	return &out
}

// clone returns a deep copy.
func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		Positions:  append([]math.Vec3(nil), s.Positions...),
		UVs:        append([]math.Vec2(nil), s.UVs...),
		Normals:    append([]math.Vec3(nil), s.Normals...),
		Tangents:   append([]math.Vec3(nil), s.Tangents...),
		Bitangents: append([]math.Vec3(nil), s.Bitangents...),
		Indices:    append([]uint32(nil), s.Indices...),
		Submeshes:  append([]Submesh(nil), s.Submeshes...),
	}
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot{verts=%d tris=%d submeshes=%d}", s.VertexCount(), s.TriangleCount(), len(s.Submeshes))
}

// submeshOf returns, for every vertex, the index of the submesh owning it.
func (s *Snapshot) submeshOf() []int {
	owner := make([]int, len(s.Positions))
	for si, sm := range s.Submeshes {
		for v := sm.VertexStart; v < sm.VertexEnd; v++ {
			owner[v] = si
		}
	}
	return owner
}
