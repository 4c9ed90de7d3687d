package math

import (
	"math"
	"testing"
)

func TestVec2Add(t *testing.T) {
	a := Vec2{1, 2}
	b := Vec2{3, 4}
	got := a.Add(b)
	want := Vec2{4, 6}
	if got != want {
		t.Errorf("Vec2.Add() = %v, want %v", got, want)
	}
}

func TestVec2Length(t *testing.T) {
	v := Vec2{3, 4}
	got := v.Length()
	want := float32(5)
	if got != want {
		t.Errorf("Vec2.Length() = %v, want %v", got, want)
	}
}

func TestVec2Cross(t *testing.T) {
	if got := (Vec2{1, 0}).Cross(Vec2{0, 1}); got != 1 {
		t.Errorf("Vec2.Cross() = %v, want 1", got)
	}
}

func TestVec3Cross(t *testing.T) {
	x := Vec3{1, 0, 0}
	y := Vec3{0, 1, 0}
	got := x.Cross(y)
	want := Vec3{0, 0, 1}
	if got != want {
		t.Errorf("Vec3.Cross() = %v, want %v", got, want)
	}
}

func TestVec3NormalizeZero(t *testing.T) {
	if got := (Vec3{}).Normalize(); got != (Vec3{}) {
		t.Errorf("Vec3{}.Normalize() = %v, want zero", got)
	}
}

func TestVec3Slerp(t *testing.T) {
	x := Vec3{1, 0, 0}
	y := Vec3{0, 1, 0}

	tests := []struct {
		name string
		t    float32
		want Vec3
	}{
		{"start", 0, x},
		{"end", 1, y},
		{"half", 0.5, Vec3{float32(math.Sqrt2 / 2), float32(math.Sqrt2 / 2), 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := x.Slerp(y, tt.t)
			if got.Distance(tt.want) > 1e-5 {
				t.Errorf("Slerp(%v) = %v, want %v", tt.t, got, tt.want)
			}
			if l := got.Length(); abs(l-1) > 1e-5 {
				t.Errorf("Slerp(%v).Length() = %v, want 1", tt.t, l)
			}
		})
	}
}

func TestVec3SlerpParallel(t *testing.T) {
	n := Vec3{0, 0, 1}
	got := n.Slerp(n, 0.3)
	if got.Distance(n) > 1e-6 {
		t.Errorf("Slerp of identical vectors = %v, want %v", got, n)
	}
}

func TestSmoothStep(t *testing.T) {
	tests := []struct {
		x, want float32
	}{
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{2, 1},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := SmoothStep(0, 1, tt.x); abs(got-tt.want) > 1e-6 {
			t.Errorf("SmoothStep(0, 1, %v) = %v, want %v", tt.x, got, tt.want)
		}
	}
}
