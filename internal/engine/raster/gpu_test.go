package raster

import (
	"context"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/gpu"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// stubCompile stands in for naga in tests; the software device only checks
// the module header.
func stubCompile(string) ([]uint32, error) {
	return []uint32{gpu.SPIRVMagic, 0x00010300, 0, 1, 0}, nil
}

// countingLane runs submissions inline and counts them.
type countingLane struct{ n atomic.Int32 }

func (l *countingLane) Submit(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.n.Add(1)
	return fn()
}

func pattern(w, h int, seed uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x*37) + seed,
				G: uint8(y*53) + seed,
				B: uint8((x+y)*11) + 128,
				A: uint8(x*y*7) | 0x40,
			})
		}
	}
	return img
}

func torusSnapshot(t *testing.T) *geometry.Snapshot {
	t.Helper()
	p := geometry.NewProcessor(zaptest.NewLogger(t), nil, geometry.DefaultEpsilon)
	s, err := p.Extract([]scene.SubmeshBuffers{
		scene.Torus("body", 1, 24, 12, 1, 0.4, scene.UVRect{Min: math.Vec2{X: 0.05, Y: 0.05}, Max: math.Vec2{X: 0.95, Y: 0.95}}),
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return p.RecomputeNormals(s, 60)
}

func TestGPUMatchesCPU(t *testing.T) {
	s := torusSnapshot(t)
	job := Job{
		Submesh:        "body",
		DetailStrength: 0.8,
		Layers: Layers{
			Source:  pattern(32, 32, 3),
			Detail:  pattern(16, 24, 90),
			Overlay: solid(8, 8, color.NRGBA{10, 200, 30, 40}),
			Mask:    pattern(20, 20, 7),
		},
	}

	for _, blend := range []Blend{BlendSlerp, BlendLinear} {
		opts := testOptions(72)
		opts.Blend = blend
		opts.UseGPU = true
		opts.TileSize = 28

		cpu := newTestEngine(t, opts)
		pool := newTestPool(t)
		device := gpu.NewSoftwareDevice(zaptest.NewLogger(t), pool)
		lane := &countingLane{}
		dev := New(opts, zaptest.NewLogger(t), pool, device, lane, stubCompile)
		if dev.Backend() != BackendGPU {
			t.Fatalf("Backend() = %v, want gpu", dev.Backend())
		}

		want := synthOne(t, cpu, s, job)
		got := synthOne(t, dev, s, job)
		dev.Close()

		covered := 0
		for y := 0; y < 72; y++ {
			for x := 0; x < 72; x++ {
				a, b := want.At(x, y), got.At(x, y)
				if !closeBytes(a, b, 2) {
					t.Fatalf("%s: pixel (%d,%d) cpu %v gpu %v", blend, x, y, a, b)
				}
				if a[3] != 0 {
					covered++
				}
			}
		}
		if covered == 0 {
			t.Fatalf("%s: nothing was filled", blend)
		}
		if lane.n.Load() == 0 {
			t.Errorf("%s: no device work went through the lane", blend)
		}
	}
}

func TestGPUFallsBackWhenDeviceLost(t *testing.T) {
	s := torusSnapshot(t)
	opts := testOptions(32)
	opts.UseGPU = true
	opts.TileSize = 16

	pool := newTestPool(t)
	device := gpu.NewSoftwareDevice(zaptest.NewLogger(t), pool)
	device.Lose()
	e := New(opts, zaptest.NewLogger(t), pool, device, nil, stubCompile)

	got := synthOne(t, e, s, Job{Submesh: "body"})
	want := synthOne(t, newTestEngine(t, opts), s, Job{Submesh: "body"})
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if got.At(x, y) != want.At(x, y) {
				t.Fatalf("pixel (%d,%d) = %v, want the cpu result %v", x, y, got.At(x, y), want.At(x, y))
			}
		}
	}
}

func TestNoDeviceUsesCPU(t *testing.T) {
	opts := testOptions(16)
	opts.UseGPU = true
	if e := newTestEngine(t, opts); e.Backend() != BackendCPU {
		t.Errorf("Backend() = %v without a device", e.Backend())
	}
}

func TestShaderCompiles(t *testing.T) {
	src := ShaderSource()
	if !strings.Contains(src, "fn "+EntryPoint) {
		t.Fatalf("shader has no %s entry point", EntryPoint)
	}
	words, err := gpu.CompileWGSL(src)
	if err != nil {
		t.Skipf("naga could not compile the kernel: %v", err)
	}
	if len(words) < 5 || words[0] != gpu.SPIRVMagic {
		t.Errorf("compiled module has a bad header: %#x", words[:min(len(words), 5)])
	}
}

func TestBinGroups(t *testing.T) {
	tris := []triangle{
		{minX: 0, minY: 0, maxX: 4, maxY: 4},
		{minX: 6, minY: 0, maxX: 12, maxY: 4},
		{minX: 0, minY: 9, maxX: 16, maxY: 16},
	}
	words := binGroups(tris, []int{0, 1, 2}, 0, 0, 2, 2)

	groups := [][]uint32{{0, 1}, {1}, {2}, {2}}
	for g, want := range groups {
		got := words[words[g]:words[g+1]]
		if len(got) != len(want) {
			t.Fatalf("group %d = %v, want %v", g, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("group %d = %v, want %v", g, got, want)
			}
		}
	}
}
