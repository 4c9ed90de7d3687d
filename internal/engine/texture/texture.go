// Package texture holds the CPU-side texture representation the pipeline
// synthesizes into, the reference-counted resource handle shared with the
// renderer, and image decoding/sampling helpers.
package texture

import (
	"fmt"
	"image"
)

// Format identifies the pixel layout of a texture. Values match the DXGI
// codes so the on-disk cache metadata stays readable by other tools.
type Format uint32

const (
	FormatRGBA8 Format = 28
	FormatBC1   Format = 71
	FormatBC3   Format = 77
)

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatBC1:
		return "BC1"
	case FormatBC3:
		return "BC3"
	default:
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
}

// Compressed reports whether the format is block compressed.
func (f Format) Compressed() bool {
	return f == FormatBC1 || f == FormatBC3
}

// BlockBytes returns the size of one 4x4 block, or 0 for uncompressed formats.
func (f Format) BlockBytes() int {
	switch f {
	case FormatBC1:
		return 8
	case FormatBC3:
		return 16
	default:
		return 0
	}
}

// Level is one mip level. Stride is the byte length of one row, where a row
// is a pixel row for RGBA8 and a row of 4x4 blocks for compressed formats.
type Level struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// Rows returns the number of stored rows.
func (l *Level) Rows(f Format) int {
	if f.Compressed() {
		return (l.Height + 3) / 4
	}
	return l.Height
}

// Texture is a 2D texture with an optional mip chain.
type Texture struct {
	Width  int
	Height int
	Format Format
	Levels []Level
}

// New allocates a zeroed RGBA8 texture with a single level.
func New(width, height int) *Texture {
	return &Texture{
		Width:  width,
		Height: height,
		Format: FormatRGBA8,
		Levels: []Level{newLevel(width, height)},
	}
}

func newLevel(width, height int) Level {
	return Level{
		Width:  width,
		Height: height,
		Stride: width * 4,
		Pix:    make([]byte, width*height*4),
	}
}

// NewLevel allocates a zeroed RGBA8 level.
func NewLevel(width, height int) Level {
	return newLevel(width, height)
}

// Base returns the most detailed level.
func (t *Texture) Base() *Level {
	return &t.Levels[0]
}

// MipCount returns the number of levels.
func (t *Texture) MipCount() int {
	return len(t.Levels)
}

// Offset returns the byte offset of pixel (x, y) in the base level.
func (t *Texture) Offset(x, y int) int {
	return y*t.Levels[0].Stride + x*4
}

// At returns the RGBA bytes of pixel (x, y) in the base level.
func (t *Texture) At(x, y int) [4]uint8 {
	i := t.Offset(x, y)
	p := t.Levels[0].Pix
	return [4]uint8{p[i], p[i+1], p[i+2], p[i+3]}
}

// Set writes the RGBA bytes of pixel (x, y) in the base level.
func (t *Texture) Set(x, y int, c [4]uint8) {
	i := t.Offset(x, y)
	copy(t.Levels[0].Pix[i:i+4], c[:])
}

// Clone returns a deep copy.
func (t *Texture) Clone() *Texture {
	c := &Texture{Width: t.Width, Height: t.Height, Format: t.Format, Levels: make([]Level, len(t.Levels))}
	for i, l := range t.Levels {
		c.Levels[i] = Level{Width: l.Width, Height: l.Height, Stride: l.Stride, Pix: append([]byte(nil), l.Pix...)}
	}
	return c
}

// SizeBytes returns the total payload size of all levels.
func (t *Texture) SizeBytes() int {
	n := 0
	for _, l := range t.Levels {
		n += len(l.Pix)
	}
	return n
}

// NRGBA returns the base level as an image sharing the pixel memory.
func (t *Texture) NRGBA() (*image.NRGBA, error) {
	if t.Format != FormatRGBA8 {
		return nil, fmt.Errorf("texture in %s cannot be viewed as NRGBA", t.Format)
	}
	l := t.Levels[0]
	return &image.NRGBA{Pix: l.Pix, Stride: l.Stride, Rect: image.Rect(0, 0, l.Width, l.Height)}, nil
}

// FromNRGBA copies img into a new single-level RGBA8 texture.
func FromNRGBA(img *image.NRGBA) *Texture {
	b := img.Bounds()
	t := New(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		copy(t.Levels[0].Pix[y*t.Levels[0].Stride:(y+1)*t.Levels[0].Stride], src[:b.Dx()*4])
	}
	return t
}
