// Package scene declares the host collaborator the pipeline talks to: where
// characters and their submesh buffers come from, and where finished normal
// maps go. Memory is an in-process host used by the CLI and tests.
package scene

import (
	"errors"
	"io"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// ErrGone is returned when a character or submesh is no longer loaded.
var ErrGone = errors.New("scene object no longer loaded")

// Character is what the pipeline needs to know about a character.
type Character struct {
	ID       uint32
	BaseID   uint32
	Name     string
	Race     string
	Female   bool
	Child    bool
	Keywords []string
	Position math.Vec3
	Primary  bool // the observer; always checked by change detection
}

// SubmeshBuffers is the raw per-submesh data read from a live mesh.
// Indices are local to the submesh.
type SubmeshBuffers struct {
	Name       string
	Slot       uint32 // body-region bit
	Positions  []math.Vec3
	UVs        []math.Vec2
	Normals    []math.Vec3
	Tangents   []math.Vec3
	Bitangents []math.Vec3
	Indices    []uint32
	Transform  math.Mat4 // zero value is treated as identity
	Skinned    bool
	Dynamic    bool // morph-driven; change detection hashes MorphDeltas
	Morphs     []math.Vec3
}

// MaterialPaths names the textures bound to a submesh's material.
type MaterialPaths struct {
	Source  string
	Detail  string
	Overlay string
	Mask    string
}

//go:generate mockgen -source=scene.go -destination=mocks/mock_host.go -package=mocks

// Host is the scene graph seen from the pipeline.
type Host interface {
	// Characters lists the characters currently loaded.
	Characters() []Character
	// Character looks up one character.
	Character(id uint32) (Character, bool)
	// SubmeshBuffers returns the live buffers of every submesh of a character.
	SubmeshBuffers(id uint32) ([]SubmeshBuffers, error)
	// MaterialTexturePaths returns the material textures of one submesh.
	MaterialTexturePaths(id uint32, submesh string) (MaterialPaths, error)
	// WriteRegion streams the raw vertex bytes (or morph deltas for dynamic
	// submeshes) of every submesh in slots into w.
	WriteRegion(id uint32, slots uint32, w io.Writer) error
	// IsLoaded reports whether the submesh is still present on the character.
	IsLoaded(id uint32, submesh string) bool
	// SetNormalTexture swaps the normal map of a submesh.
	SetNormalTexture(id uint32, submesh string, res *texture.Resource) error
}
