package geometry

import (
	"reflect"
	"testing"

	"github.com/Faultbox/normalsynth/internal/scene"
)

// spikedGrid is a flat 5x5 vertex grid with its centre vertex raised.
func spikedGrid(t *testing.T, p *Processor) *Snapshot {
	t.Helper()
	g := scene.Grid("g", 1, 4, 4, 4, fullChart)
	g.Positions[12].Y = 1
	return mustExtract(t, p, g)
}

func TestVertexSmoothFlattensSpike(t *testing.T) {
	p := newTestProcessor(t)
	s := spikedGrid(t, p)

	out := p.VertexSmooth(s, 0.5, 1)
	if y := out.Positions[12].Y; y <= 0 || y >= 0.9 {
		t.Errorf("spike height after smoothing = %v, want in (0, 0.9)", y)
	}
	if s.Positions[12].Y != 1 {
		t.Error("smoothing modified its input")
	}
	// A corner two rings away from the spike stays in the plane.
	if y := out.Positions[4].Y; y != 0 {
		t.Errorf("corner left the plane: %v", y)
	}
}

func TestVertexSmoothZeroStrength(t *testing.T) {
	p := newTestProcessor(t)
	s := spikedGrid(t, p)

	if out := p.VertexSmooth(s, 0, 3); out != s {
		t.Error("strength 0 should leave the snapshot untouched")
	}
	if out := p.VertexSmooth(s, 0.5, 0); out != s {
		t.Error("zero iterations should leave the snapshot untouched")
	}
}

func TestVertexSmoothMoreIterationsSmoother(t *testing.T) {
	p := newTestProcessor(t)
	s := spikedGrid(t, p)

	one := p.VertexSmooth(s, 0.5, 1).Positions[12].Y
	three := p.VertexSmooth(s, 0.5, 3).Positions[12].Y
	if three >= one {
		t.Errorf("three iterations (%v) should flatten more than one (%v)", three, one)
	}
}

func TestVertexSmoothByAngleLeavesFlatAlone(t *testing.T) {
	p := newTestProcessor(t)
	s := mustExtract(t, p, scene.Grid("g", 1, 4, 4, 4, fullChart))

	out := p.VertexSmoothByAngle(s, 30, 60, 2)
	if !reflect.DeepEqual(out.Positions, s.Positions) {
		t.Error("flat grid moved under angle smoothing")
	}
}

func TestVertexSmoothByAngleRelaxesCrease(t *testing.T) {
	p := newTestProcessor(t)
	s := spikedGrid(t, p)

	out := p.VertexSmoothByAngle(s, 10, 40, 1)
	if y := out.Positions[12].Y; y >= 1 {
		t.Errorf("spike apex should be pulled down, got %v", y)
	}
}
