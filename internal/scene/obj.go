package scene

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Faultbox/normalsynth/pkg/math"
)

type objCorner struct{ pos, uv, normal int }

// ReadOBJ reads a Wavefront OBJ mesh into one submesh. Faces are fan
// triangulated and every distinct position/uv/normal triple becomes one
// vertex. Lines other than v, vt, vn and f are ignored.
func ReadOBJ(r io.Reader, name string, slot uint32) (SubmeshBuffers, error) {
	var (
		positions []math.Vec3
		uvs       []math.Vec2
		normals   []math.Vec3
	)
	sm := SubmeshBuffers{Name: name, Slot: slot}
	vertices := make(map[objCorner]uint32)
	hasNormals := true

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		ident, val := fields[0], fields[1:]
		switch ident {
		case "v", "vn":
			v, err := parseFloats(val, 3)
			if err != nil {
				return sm, fmt.Errorf("obj line %d: %w", line, err)
			}
			vec := math.Vec3{X: v[0], Y: v[1], Z: v[2]}
			if ident == "v" {
				positions = append(positions, vec)
			} else {
				normals = append(normals, vec)
			}
		case "vt":
			v, err := parseFloats(val, 2)
			if err != nil {
				return sm, fmt.Errorf("obj line %d: %w", line, err)
			}
			uvs = append(uvs, math.Vec2{X: v[0], Y: v[1]})
		case "f":
			if len(val) < 3 {
				return sm, fmt.Errorf("obj line %d: face with %d corners", line, len(val))
			}
			face := make([]uint32, 0, len(val))
			for _, s := range val {
				c, err := parseCorner(s, len(positions), len(uvs), len(normals))
				if err != nil {
					return sm, fmt.Errorf("obj line %d: %w", line, err)
				}
				idx, ok := vertices[c]
				if !ok {
					idx = uint32(len(sm.Positions))
					vertices[c] = idx
					sm.Positions = append(sm.Positions, positions[c.pos])
					var uv math.Vec2
					if c.uv >= 0 {
						uv = uvs[c.uv]
					}
					sm.UVs = append(sm.UVs, uv)
					if c.normal >= 0 {
						sm.Normals = append(sm.Normals, normals[c.normal])
					} else {
						hasNormals = false
					}
				}
				face = append(face, idx)
			}
			for i := 1; i+1 < len(face); i++ {
				sm.Indices = append(sm.Indices, face[0], face[i], face[i+1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return sm, fmt.Errorf("reading obj: %w", err)
	}
	if !hasNormals {
		sm.Normals = nil
	}
	return sm, nil
}

func parseFloats(val []string, n int) ([]float32, error) {
	if len(val) < n {
		return nil, fmt.Errorf("want %d components, got %d", n, len(val))
	}
	out := make([]float32, n)
	for i := range n {
		f, err := strconv.ParseFloat(val[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

// parseCorner reads "p", "p/t", "p//n" or "p/t/n". Indices are one-based;
// negative ones count back from the latest element.
func parseCorner(s string, np, nt, nn int) (objCorner, error) {
	parts := strings.Split(s, "/")
	c := objCorner{pos: -1, uv: -1, normal: -1}
	refs := []*int{&c.pos, &c.uv, &c.normal}
	counts := []int{np, nt, nn}
	for i, p := range parts {
		if i >= 3 {
			return c, fmt.Errorf("bad face corner %q", s)
		}
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return c, fmt.Errorf("bad face corner %q: %w", s, err)
		}
		if v < 0 {
			v = counts[i] + v
		} else {
			v--
		}
		if v < 0 || v >= counts[i] {
			return c, fmt.Errorf("face corner %q out of range", s)
		}
		*refs[i] = v
	}
	if c.pos < 0 {
		return c, fmt.Errorf("face corner %q has no position", s)
	}
	return c, nil
}
