package scene

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Faultbox/normalsynth/pkg/math"
)

// Manifest describes characters for the in-memory host, e.g.
//
//	characters:
//	  - id: 1
//	    race: NordRace
//	    female: true
//	    primary: true
//	    submeshes:
//	      - name: body
//	        slot: 4
//	        mesh: meshes/body.obj
//	        source: textures/body.png
//	      - name: head
//	        slot: 1
//	        shape: {kind: torus, rings: 32, sides: 16, major: 1, minor: 0.3}
//	        source: textures/head.png
type Manifest struct {
	Characters []ManifestCharacter `yaml:"characters"`

	dir string
}

// ManifestCharacter is one character entry.
type ManifestCharacter struct {
	ID        uint32            `yaml:"id"`
	BaseID    uint32            `yaml:"base_id"`
	Name      string            `yaml:"name"`
	Race      string            `yaml:"race"`
	Female    bool              `yaml:"female"`
	Child     bool              `yaml:"child"`
	Primary   bool              `yaml:"primary"`
	Keywords  []string          `yaml:"keywords"`
	Position  [3]float32        `yaml:"position"`
	Submeshes []ManifestSubmesh `yaml:"submeshes"`
}

// ManifestSubmesh is one submesh: geometry from an OBJ file or a shape, and
// its material textures.
type ManifestSubmesh struct {
	Name    string `yaml:"name"`
	Slot    uint32 `yaml:"slot"`
	Mesh    string `yaml:"mesh"`
	Shape   *Shape `yaml:"shape"`
	Dynamic bool   `yaml:"dynamic"`
	Source  string `yaml:"source"`
	Detail  string `yaml:"detail"`
	Overlay string `yaml:"overlay"`
	Mask    string `yaml:"mask"`
}

// Shape is a procedural mesh.
type Shape struct {
	Kind  string     `yaml:"kind"` // "torus" or "grid"
	Rings int        `yaml:"rings"`
	Sides int        `yaml:"sides"`
	Major float32    `yaml:"major"`
	Minor float32    `yaml:"minor"`
	Cols  int        `yaml:"cols"`
	Rows  int        `yaml:"rows"`
	Size  float32    `yaml:"size"`
	Chart [4]float32 `yaml:"chart"` // min u, min v, max u, max v; zero means the unit square
}

// LoadManifest reads a manifest file. Mesh paths are relative to it.
func LoadManifest(path string) (*Manifest, error) {
	//nolint:gosec // Manifest path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

func (s *Shape) chart() UVRect {
	if s.Chart == [4]float32{} {
		return UVRect{Max: math.Vec2{X: 1, Y: 1}}
	}
	return UVRect{
		Min: math.Vec2{X: s.Chart[0], Y: s.Chart[1]},
		Max: math.Vec2{X: s.Chart[2], Y: s.Chart[3]},
	}
}

func (s *Shape) build(name string, slot uint32) (SubmeshBuffers, error) {
	switch s.Kind {
	case "torus":
		rings, sides := max(s.Rings, 3), max(s.Sides, 3)
		major, minor := s.Major, s.Minor
		if major == 0 {
			major = 1
		}
		if minor == 0 {
			minor = major / 3
		}
		return Torus(name, slot, rings, sides, major, minor, s.chart()), nil
	case "grid":
		size := s.Size
		if size == 0 {
			size = 1
		}
		return Grid(name, slot, max(s.Cols, 1), max(s.Rows, 1), size, s.chart()), nil
	default:
		return SubmeshBuffers{}, fmt.Errorf("unknown shape %q", s.Kind)
	}
}

func (m *Manifest) submesh(ms ManifestSubmesh) (SubmeshBuffers, error) {
	var sm SubmeshBuffers
	switch {
	case ms.Mesh != "":
		path := ms.Mesh
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.dir, path)
		}
		//nolint:gosec // Mesh paths come from the manifest
		f, err := os.Open(path)
		if err != nil {
			return sm, fmt.Errorf("opening mesh: %w", err)
		}
		defer f.Close()
		if sm, err = ReadOBJ(f, ms.Name, ms.Slot); err != nil {
			return sm, fmt.Errorf("%s: %w", path, err)
		}
	case ms.Shape != nil:
		var err error
		if sm, err = ms.Shape.build(ms.Name, ms.Slot); err != nil {
			return sm, err
		}
	default:
		return sm, fmt.Errorf("submesh %s has neither mesh nor shape", ms.Name)
	}
	sm.Dynamic = ms.Dynamic
	if sm.Dynamic {
		sm.Morphs = make([]math.Vec3, len(sm.Positions))
	}
	return sm, nil
}

// Populate adds every character of the manifest to mem.
func (m *Manifest) Populate(mem *Memory) error {
	for _, c := range m.Characters {
		mem.AddCharacter(Character{
			ID:       c.ID,
			BaseID:   c.BaseID,
			Name:     c.Name,
			Race:     c.Race,
			Female:   c.Female,
			Child:    c.Child,
			Keywords: c.Keywords,
			Position: math.Vec3{X: c.Position[0], Y: c.Position[1], Z: c.Position[2]},
			Primary:  c.Primary,
		})
		for _, ms := range c.Submeshes {
			sm, err := m.submesh(ms)
			if err != nil {
				return fmt.Errorf("character %d: %w", c.ID, err)
			}
			mat := MaterialPaths{Source: ms.Source, Detail: ms.Detail, Overlay: ms.Overlay, Mask: ms.Mask}
			if err := mem.SetSubmesh(c.ID, sm, mat); err != nil {
				return err
			}
		}
	}
	return nil
}

// Slots returns the union of the slots of a character's submeshes.
func (c ManifestCharacter) Slots() uint32 {
	var s uint32
	for _, sm := range c.Submeshes {
		s |= sm.Slot
	}
	return s
}
