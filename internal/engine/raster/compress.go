package raster

import (
	"encoding/binary"
	"fmt"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

// Compression quality levels.
const (
	CompressNone = 0
	CompressBC1  = 1
	CompressBC3  = 2
)

// Compress block-compresses every level of an RGBA8 texture in place.
// Quality 0 leaves the texture unchanged.
func Compress(tex *texture.Texture, quality int) error {
	var format texture.Format
	switch quality {
	case CompressNone:
		return nil
	case CompressBC1:
		format = texture.FormatBC1
	case CompressBC3:
		format = texture.FormatBC3
	default:
		return fmt.Errorf("unknown compression quality %d", quality)
	}
	if tex.Format != texture.FormatRGBA8 {
		return fmt.Errorf("compressing %s texture: want RGBA8", tex.Format)
	}

	for i := range tex.Levels {
		tex.Levels[i] = encodeLevel(&tex.Levels[i], format)
	}
	tex.Format = format
	return nil
}

// Decompress expands a block-compressed texture back to RGBA8 in place.
func Decompress(tex *texture.Texture) error {
	if !tex.Format.Compressed() {
		return nil
	}
	for i := range tex.Levels {
		tex.Levels[i] = decodeLevel(&tex.Levels[i], tex.Format)
	}
	tex.Format = texture.FormatRGBA8
	return nil
}

func encodeLevel(l *texture.Level, format texture.Format) texture.Level {
	bx := (l.Width + 3) / 4
	by := (l.Height + 3) / 4
	size := format.BlockBytes()
	out := texture.Level{
		Width:  l.Width,
		Height: l.Height,
		Stride: bx * size,
		Pix:    make([]byte, bx*by*size),
	}

	var block [16][4]uint8
	for y := 0; y < by; y++ {
		for x := 0; x < bx; x++ {
			loadBlock(l, x*4, y*4, &block)
			dst := out.Pix[y*out.Stride+x*size:]
			if format == texture.FormatBC3 {
				encodeAlpha(&block, dst[:8])
				dst = dst[8:]
			}
			encodeColor(&block, dst[:8])
		}
	}
	return out
}

// loadBlock reads a 4x4 block, clamping at the level edges.
func loadBlock(l *texture.Level, x0, y0 int, block *[16][4]uint8) {
	for j := 0; j < 4; j++ {
		y := min(l.Height-1, y0+j)
		for i := 0; i < 4; i++ {
			x := min(l.Width-1, x0+i)
			p := y*l.Stride + x*4
			copy(block[j*4+i][:], l.Pix[p:p+4])
		}
	}
}

func to565(c [3]uint8) uint16 {
	return uint16(c[0]>>3)<<11 | uint16(c[1]>>2)<<5 | uint16(c[2]>>3)
}

func from565(v uint16) [3]uint8 {
	r := uint8(v >> 11 & 0x1f)
	g := uint8(v >> 5 & 0x3f)
	b := uint8(v & 0x1f)
	return [3]uint8{r<<3 | r>>2, g<<2 | g>>4, b<<3 | b>>2}
}

func colorPalette(c0, c1 uint16) [4][3]uint8 {
	a, b := from565(c0), from565(c1)
	var p [4][3]uint8
	p[0], p[1] = a, b
	for k := 0; k < 3; k++ {
		p[2][k] = uint8((2*int(a[k]) + int(b[k]) + 1) / 3)
		p[3][k] = uint8((int(a[k]) + 2*int(b[k]) + 1) / 3)
	}
	return p
}

// encodeColor writes a four-colour block with range-fit endpoints: the
// per-channel maximum and minimum of the block.
func encodeColor(block *[16][4]uint8, dst []byte) {
	lo := [3]uint8{255, 255, 255}
	var hi [3]uint8
	for _, px := range block {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], px[k])
			hi[k] = max(hi[k], px[k])
		}
	}

	c0, c1 := to565(hi), to565(lo)
	if c0 < c1 {
		c0, c1 = c1, c0
	}
	binary.LittleEndian.PutUint16(dst[0:], c0)
	binary.LittleEndian.PutUint16(dst[2:], c1)

	var bits uint32
	if c0 != c1 {
		palette := colorPalette(c0, c1)
		for i, px := range block {
			best, bestDist := 0, 1<<30
			for k, pc := range palette {
				d := 0
				for ch := 0; ch < 3; ch++ {
					diff := int(px[ch]) - int(pc[ch])
					d += diff * diff
				}
				if d < bestDist {
					best, bestDist = k, d
				}
			}
			bits |= uint32(best) << (2 * i)
		}
	}
	binary.LittleEndian.PutUint32(dst[4:], bits)
}

func alphaPalette(a0, a1 uint8) [8]uint8 {
	p := [8]uint8{a0, a1}
	for k := 2; k < 8; k++ {
		p[k] = uint8(((8-k)*int(a0) + (k-1)*int(a1) + 3) / 7)
	}
	return p
}

// encodeAlpha writes an eight-alpha block with the block's alpha range.
func encodeAlpha(block *[16][4]uint8, dst []byte) {
	lo, hi := uint8(255), uint8(0)
	for _, px := range block {
		lo = min(lo, px[3])
		hi = max(hi, px[3])
	}
	dst[0], dst[1] = hi, lo

	var bits uint64
	if hi != lo {
		palette := alphaPalette(hi, lo)
		for i, px := range block {
			best, bestDist := 0, 256
			for k, pa := range palette {
				d := int(px[3]) - int(pa)
				if d < 0 {
					d = -d
				}
				if d < bestDist {
					best, bestDist = k, d
				}
			}
			bits |= uint64(best) << (3 * i)
		}
	}
	for k := 0; k < 6; k++ {
		dst[2+k] = uint8(bits >> (8 * k))
	}
}

func decodeLevel(l *texture.Level, format texture.Format) texture.Level {
	out := texture.NewLevel(l.Width, l.Height)
	size := format.BlockBytes()
	bx := (l.Width + 3) / 4
	by := (l.Height + 3) / 4

	for y := 0; y < by; y++ {
		for x := 0; x < bx; x++ {
			src := l.Pix[y*l.Stride+x*size:]
			alpha := [16]uint8{255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255, 255}
			if format == texture.FormatBC3 {
				palette := alphaPalette(src[0], src[1])
				var bits uint64
				for k := 0; k < 6; k++ {
					bits |= uint64(src[2+k]) << (8 * k)
				}
				for i := range alpha {
					alpha[i] = palette[bits>>(3*i)&7]
				}
				src = src[8:]
			}

			c0 := binary.LittleEndian.Uint16(src[0:])
			c1 := binary.LittleEndian.Uint16(src[2:])
			palette := colorPalette(c0, c1)
			bits := binary.LittleEndian.Uint32(src[4:])

			for i := 0; i < 16; i++ {
				px, py := x*4+i%4, y*4+i/4
				if px >= l.Width || py >= l.Height {
					continue
				}
				c := palette[bits>>(2*i)&3]
				p := py*out.Stride + px*4
				out.Pix[p], out.Pix[p+1], out.Pix[p+2], out.Pix[p+3] = c[0], c[1], c[2], alpha[i]
			}
		}
	}
	return out
}
