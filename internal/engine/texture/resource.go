package texture

import "sync/atomic"

// ViewDesc describes how shaders see a texture.
type ViewDesc struct {
	Format          Format
	Dimension       uint32
	MipLevels       uint32
	MostDetailedMip uint32
}

// ViewDimensionTexture2D is the only view dimension the pipeline produces.
const ViewDimensionTexture2D uint32 = 4

// Resource pairs a texture with its shader view and counts the holders.
//
// The renderer, the cache and in-flight jobs each hold references; nothing
// inside this module can see how many the renderer holds except through
// RefCount.
type Resource struct {
	Texture *Texture
	View    ViewDesc

	refs atomic.Int32
}

// NewResource wraps tex and returns it with one reference owned by the caller.
func NewResource(tex *Texture) *Resource {
	r := &Resource{
		Texture: tex,
		View: ViewDesc{
			Format:    tex.Format,
			Dimension: ViewDimensionTexture2D,
			MipLevels: uint32(tex.MipCount()),
		},
	}
	r.refs.Store(1)
	return r
}

// Acquire adds a reference and returns r.
func (r *Resource) Acquire() *Resource {
	r.refs.Add(1)
	return r
}

// Release drops a reference and returns the remaining count.
func (r *Resource) Release() int32 {
	return r.refs.Add(-1)
}

// RefCount returns the current number of references.
func (r *Resource) RefCount() int32 {
	return r.refs.Load()
}
