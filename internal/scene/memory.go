package scene

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

type memoryCharacter struct {
	info      Character
	submeshes []SubmeshBuffers
	materials map[string]MaterialPaths
	applied   map[string]*texture.Resource
}

// Memory is a Host backed by in-process data.
type Memory struct {
	mu    sync.RWMutex
	chars map[uint32]*memoryCharacter
}

// NewMemory creates an empty host.
func NewMemory() *Memory {
	return &Memory{chars: make(map[uint32]*memoryCharacter)}
}

// AddCharacter registers a character, replacing any previous one with the same id.
func (m *Memory) AddCharacter(c Character) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chars[c.ID] = &memoryCharacter{
		info:      c,
		materials: make(map[string]MaterialPaths),
		applied:   make(map[string]*texture.Resource),
	}
}

// RemoveCharacter unloads a character. Applied textures are released.
func (m *Memory) RemoveCharacter(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chars[id]; ok {
		for _, r := range c.applied {
			r.Release()
		}
		delete(m.chars, id)
	}
}

// SetSubmesh adds or replaces a submesh and its material.
func (m *Memory) SetSubmesh(id uint32, sm SubmeshBuffers, mat MaterialPaths) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return fmt.Errorf("character %d: %w", id, ErrGone)
	}
	for i := range c.submeshes {
		if c.submeshes[i].Name == sm.Name {
			c.submeshes[i] = sm
			c.materials[sm.Name] = mat
			return nil
		}
	}
	c.submeshes = append(c.submeshes, sm)
	c.materials[sm.Name] = mat
	return nil
}

// RemoveSubmesh drops a submesh from a character.
func (m *Memory) RemoveSubmesh(id uint32, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return
	}
	for i := range c.submeshes {
		if c.submeshes[i].Name == name {
			c.submeshes = append(c.submeshes[:i], c.submeshes[i+1:]...)
			break
		}
	}
	delete(c.materials, name)
}

// MutatePositions applies fn to every position of a submesh, as a morph or
// re-skin would.
func (m *Memory) MutatePositions(id uint32, name string, fn func(i int, p math.Vec3) math.Vec3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return
	}
	for si := range c.submeshes {
		if c.submeshes[si].Name != name {
			continue
		}
		sm := &c.submeshes[si]
		for i, p := range sm.Positions {
			sm.Positions[i] = fn(i, p)
		}
		for i, p := range sm.Morphs {
			sm.Morphs[i] = fn(i, p)
		}
	}
}

// MoveCharacter sets a character's position.
func (m *Memory) MoveCharacter(id uint32, pos math.Vec3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chars[id]; ok {
		c.info.Position = pos
	}
}

// Applied returns the normal map last applied to a submesh.
func (m *Memory) Applied(id uint32, submesh string) (*texture.Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return nil, false
	}
	r, ok := c.applied[submesh]
	return r, ok
}

// Characters implements Host.
func (m *Memory) Characters() []Character {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Character, 0, len(m.chars))
	for _, c := range m.chars {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Character implements Host.
func (m *Memory) Character(id uint32) (Character, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return Character{}, false
	}
	return c.info, true
}

// SubmeshBuffers implements Host. The returned buffers are copies.
func (m *Memory) SubmeshBuffers(id uint32) ([]SubmeshBuffers, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return nil, fmt.Errorf("character %d: %w", id, ErrGone)
	}
	out := make([]SubmeshBuffers, len(c.submeshes))
	for i, sm := range c.submeshes {
		out[i] = sm
		out[i].Positions = append([]math.Vec3(nil), sm.Positions...)
		out[i].UVs = append([]math.Vec2(nil), sm.UVs...)
		out[i].Normals = append([]math.Vec3(nil), sm.Normals...)
		out[i].Tangents = append([]math.Vec3(nil), sm.Tangents...)
		out[i].Bitangents = append([]math.Vec3(nil), sm.Bitangents...)
		out[i].Indices = append([]uint32(nil), sm.Indices...)
		out[i].Morphs = append([]math.Vec3(nil), sm.Morphs...)
	}
	return out, nil
}

// MaterialTexturePaths implements Host.
func (m *Memory) MaterialTexturePaths(id uint32, submesh string) (MaterialPaths, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return MaterialPaths{}, fmt.Errorf("character %d: %w", id, ErrGone)
	}
	mat, ok := c.materials[submesh]
	if !ok {
		return MaterialPaths{}, fmt.Errorf("submesh %s: %w", submesh, ErrGone)
	}
	return mat, nil
}

// WriteRegion implements Host.
func (m *Memory) WriteRegion(id uint32, slots uint32, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return fmt.Errorf("character %d: %w", id, ErrGone)
	}
	for _, sm := range c.submeshes {
		if sm.Slot&slots == 0 {
			continue
		}
		data := sm.Positions
		if sm.Dynamic && len(sm.Morphs) > 0 {
			data = sm.Morphs
		}
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return err
		}
	}
	return nil
}

// IsLoaded implements Host.
func (m *Memory) IsLoaded(id uint32, submesh string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return false
	}
	_, ok = c.materials[submesh]
	return ok
}

// SetNormalTexture implements Host. The host takes its own reference.
func (m *Memory) SetNormalTexture(id uint32, submesh string, res *texture.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return fmt.Errorf("character %d: %w", id, ErrGone)
	}
	if _, ok := c.materials[submesh]; !ok {
		return fmt.Errorf("submesh %s: %w", submesh, ErrGone)
	}
	if old, ok := c.applied[submesh]; ok {
		old.Release()
	}
	c.applied[submesh] = res.Acquire()
	return nil
}
