package raster

import (
	"testing"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

func fillTexture(w, h int, c [4]uint8) *texture.Texture {
	tex := texture.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tex.Set(x, y, c)
		}
	}
	return tex
}

func TestMergeOverlayOntoBase(t *testing.T) {
	base := fillTexture(3, 1, [4]uint8{40, 80, 120, 255})
	overlay := texture.New(3, 1)
	overlay.Set(0, 0, [4]uint8{240, 20, 0, 255}) // opaque
	overlay.Set(1, 0, [4]uint8{240, 20, 0, 0})   // transparent
	overlay.Set(2, 0, [4]uint8{240, 20, 0, 51})  // 20%

	Merge(base, overlay)

	if got := base.At(0, 0); got != [4]uint8{240, 20, 0, 255} {
		t.Errorf("opaque texel = %v, want the overlay", got)
	}
	if got := base.At(1, 0); got != [4]uint8{40, 80, 120, 255} {
		t.Errorf("transparent texel = %v, want the base", got)
	}
	if got := base.At(2, 0); !closeBytes(got, [4]uint8{80, 68, 96, 255}, 1) {
		t.Errorf("blended texel = %v, want a 20%% blend", got)
	}
}

func TestMergeKeepsLargerAlpha(t *testing.T) {
	base := texture.New(1, 1)
	incoming := fillTexture(1, 1, [4]uint8{10, 10, 10, 100})
	Merge(base, incoming)
	if got := base.At(0, 0)[3]; got != 100 {
		t.Errorf("alpha = %d, want 100", got)
	}
}

func TestMergeResamplesIncoming(t *testing.T) {
	base := texture.New(4, 4)
	incoming := texture.New(2, 2)
	incoming.Set(1, 1, [4]uint8{9, 9, 9, 255})
	Merge(base, incoming)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			covered := x >= 2 && y >= 2
			if got := base.At(x, y)[3] == 255; got != covered {
				t.Errorf("texel (%d,%d) covered = %v, want %v", x, y, got, covered)
			}
		}
	}
}

func TestBleedAveragesNeighbours(t *testing.T) {
	tex := texture.New(5, 5)
	tex.Set(2, 2, [4]uint8{100, 0, 0, 255})
	tex.Set(3, 2, [4]uint8{0, 100, 0, 255})

	Bleed(tex.Base(), 1)

	if got := tex.At(2, 1); !closeBytes(got, [4]uint8{50, 50, 0, 255}, 1) {
		t.Errorf("texel above the pair = %v, want their average", got)
	}
	if got := tex.At(1, 2); got != [4]uint8{100, 0, 0, 255} {
		t.Errorf("texel left of the pair = %v", got)
	}
	if got := tex.At(0, 0)[3]; got != 0 {
		t.Errorf("texel two steps away has alpha %d after one iteration", got)
	}
}

func TestBleedOrderIndependent(t *testing.T) {
	// A single-buffered pass would chain the colour along the row.
	tex := texture.New(6, 1)
	tex.Set(0, 0, [4]uint8{200, 200, 200, 255})
	Bleed(tex.Base(), 1)
	if got := tex.At(2, 0)[3]; got != 0 {
		t.Errorf("bleed travelled %d texels in one iteration", 2)
	}

	Bleed(tex.Base(), 3)
	for x := 0; x < 5; x++ {
		if tex.At(x, 0)[3] != 255 {
			t.Errorf("texel %d not reached after four iterations", x)
		}
	}
	if tex.At(5, 0)[3] != 0 {
		t.Error("texel 5 reached after four iterations")
	}
}

func TestBleedZeroMarginDisabled(t *testing.T) {
	tex := texture.New(3, 3)
	tex.Set(1, 1, [4]uint8{1, 2, 3, 255})
	Bleed(tex.Base(), 0)
	if tex.At(0, 0)[3] != 0 {
		t.Error("margin 0 bled")
	}
}

func TestBleedMipsStopsAtIgnoreSize(t *testing.T) {
	tex := texture.New(32, 32)
	tex.Set(8, 8, [4]uint8{255, 0, 0, 255})
	GenerateMips(tex)
	BleedMips(tex, 4, 8)

	// Levels 1 (16) and 2 (8) are bled, level 3 (4) is not.
	if tex.Levels[1].Pix[(4*16+5)*4+3] == 0 {
		t.Error("level 1 was not bled")
	}
	l3 := &tex.Levels[3]
	zero := 0
	for i := 3; i < len(l3.Pix); i += 4 {
		if l3.Pix[i] == 0 {
			zero++
		}
	}
	if zero == 0 {
		t.Error("level 3 was bled below the ignore size")
	}
}

func TestGenerateMips(t *testing.T) {
	tex := texture.New(4, 2)
	tex.Set(0, 0, [4]uint8{200, 100, 0, 255})
	GenerateMips(tex)

	if tex.MipCount() != 3 {
		t.Fatalf("MipCount() = %d, want 3", tex.MipCount())
	}
	sizes := [][2]int{{4, 2}, {2, 1}, {1, 1}}
	for i, sz := range sizes {
		if l := tex.Levels[i]; l.Width != sz[0] || l.Height != sz[1] {
			t.Errorf("level %d is %dx%d, want %dx%d", i, l.Width, l.Height, sz[0], sz[1])
		}
	}

	l1 := tex.Levels[1]
	// One opaque texel out of four: colour kept, alpha a quarter.
	if got := [4]uint8(l1.Pix[0:4]); got != [4]uint8{200, 100, 0, 64} {
		t.Errorf("level 1 texel 0 = %v", got)
	}
	if got := l1.Pix[7]; got != 0 {
		t.Errorf("level 1 texel 1 alpha = %d, want 0", got)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		quality int
		format  texture.Format
		tol     int
	}{
		{"bc1", CompressBC1, texture.FormatBC1, 8},
		{"bc3", CompressBC3, texture.FormatBC3, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tex := texture.New(6, 6)
			for y := 0; y < 6; y++ {
				for x := 0; x < 6; x++ {
					a := uint8(255)
					if x == 5 {
						a = 0
					}
					tex.Set(x, y, [4]uint8{uint8(100 + x*10), 128, 255, a})
				}
			}
			want := tex.Clone()

			if err := Compress(tex, tt.quality); err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if tex.Format != tt.format {
				t.Fatalf("Format = %v, want %v", tex.Format, tt.format)
			}
			if got := len(tex.Base().Pix); got != 4*tt.format.BlockBytes() {
				t.Errorf("payload = %d bytes, want 4 blocks", got)
			}

			if err := Decompress(tex); err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			for y := 0; y < 6; y++ {
				for x := 0; x < 6; x++ {
					got, exp := tex.At(x, y), want.At(x, y)
					if tt.format == texture.FormatBC1 {
						exp[3] = 255
					}
					if !closeBytes(got, exp, tt.tol) {
						t.Errorf("texel (%d,%d) = %v, want %v", x, y, got, exp)
					}
				}
			}
		})
	}
}

func TestCompressNoneAndUnknown(t *testing.T) {
	tex := texture.New(4, 4)
	if err := Compress(tex, CompressNone); err != nil || tex.Format != texture.FormatRGBA8 {
		t.Errorf("quality 0: %v, %v", err, tex.Format)
	}
	if err := Compress(tex, 7); err == nil {
		t.Error("expected an error for quality 7")
	}
}
