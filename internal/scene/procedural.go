package scene

import (
	stdmath "math"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// UVRect is an axis-aligned chart in texture space.
type UVRect struct {
	Min, Max math.Vec2
}

func (r UVRect) at(s, t float32) math.Vec2 {
	return math.Vec2{
		X: r.Min.X + (r.Max.X-r.Min.X)*s,
		Y: r.Min.Y + (r.Max.Y-r.Min.Y)*t,
	}
}

// Torus builds a closed torus with rings*sides vertices and 2*rings*sides
// triangles whose UVs fill chart.
func Torus(name string, slot uint32, rings, sides int, major, minor float32, chart UVRect) SubmeshBuffers {
	sm := SubmeshBuffers{Name: name, Slot: slot, Skinned: true}
	for i := 0; i < rings; i++ {
		theta := 2 * stdmath.Pi * float64(i) / float64(rings)
		ct, st := float32(stdmath.Cos(theta)), float32(stdmath.Sin(theta))
		for j := 0; j < sides; j++ {
			phi := 2 * stdmath.Pi * float64(j) / float64(sides)
			cp, sp := float32(stdmath.Cos(phi)), float32(stdmath.Sin(phi))

			n := math.Vec3{X: cp * ct, Y: sp, Z: cp * st}
			p := math.Vec3{X: (major + minor*cp) * ct, Y: minor * sp, Z: (major + minor*cp) * st}
			sm.Positions = append(sm.Positions, p)
			sm.Normals = append(sm.Normals, n)
			sm.Tangents = append(sm.Tangents, math.Vec3{X: -st, Z: ct})
			sm.UVs = append(sm.UVs, chart.at(float32(i)/float32(rings-1), float32(j)/float32(sides-1)))
		}
	}
	for i := 0; i < rings; i++ {
		for j := 0; j < sides; j++ {
			a := uint32(i*sides + j)
			b := uint32(((i+1)%rings)*sides + j)
			c := uint32(((i+1)%rings)*sides + (j+1)%sides)
			d := uint32(i*sides + (j+1)%sides)
			sm.Indices = append(sm.Indices, a, b, c, a, c, d)
		}
	}
	return sm
}

// Grid builds a flat grid in the XZ plane facing +Y with (cols+1)*(rows+1)
// vertices whose UVs fill chart.
func Grid(name string, slot uint32, cols, rows int, size float32, chart UVRect) SubmeshBuffers {
	sm := SubmeshBuffers{Name: name, Slot: slot}
	for y := 0; y <= rows; y++ {
		for x := 0; x <= cols; x++ {
			s, t := float32(x)/float32(cols), float32(y)/float32(rows)
			sm.Positions = append(sm.Positions, math.Vec3{X: (s - 0.5) * size, Z: (t - 0.5) * size})
			sm.Normals = append(sm.Normals, math.Vec3{Y: 1})
			sm.Tangents = append(sm.Tangents, math.Vec3{X: 1})
			sm.Bitangents = append(sm.Bitangents, math.Vec3{Z: 1})
			sm.UVs = append(sm.UVs, chart.at(s, t))
		}
	}
	stride := uint32(cols + 1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			a := uint32(y)*stride + uint32(x)
			b := a + 1
			c := a + stride + 1
			d := a + stride
			sm.Indices = append(sm.Indices, a, c, b, a, d, c)
		}
	}
	return sm
}
