package slideget

import "testing"

func TestPointArithmetic(t *testing.T) {
	p := Point{X: 10, Y: 20}
	q := Point{X: 3, Y: -5}

	if got := p.Add(q); got != (Point{13, 15}) {
		t.Errorf("Add = %v, want (13, 15)", got)
	}
	if got := p.Sub(q); got != (Point{7, 25}) {
		t.Errorf("Sub = %v, want (7, 25)", got)
	}
	if got := p.String(); got != "(10, 20)" {
		t.Errorf("String = %q", got)
	}
}

func TestRect(t *testing.T) {
	r := Rect{Left: 10, Top: 20, Right: 110, Bottom: 70}
	if r.Width() != 100 || r.Height() != 50 {
		t.Errorf("size = %dx%d, want 100x50", r.Width(), r.Height())
	}
	if r.Empty() {
		t.Error("non-degenerate rect reported empty")
	}
	if !(Rect{Left: 5, Top: 5, Right: 5, Bottom: 10}).Empty() {
		t.Error("zero-width rect not reported empty")
	}
	if !(Rect{Left: 5, Top: 10, Right: 8, Bottom: 10}).Empty() {
		t.Error("zero-height rect not reported empty")
	}
}

func TestRectClip(t *testing.T) {
	r := Rect{Left: 0, Top: 0, Right: 100, Bottom: 50}
	tests := []struct {
		in, want Point
	}{
		{Point{50, 25}, Point{50, 25}},
		{Point{-10, 25}, Point{0, 25}},
		{Point{150, 25}, Point{100, 25}},
		{Point{50, -1}, Point{50, 0}},
		{Point{50, 99}, Point{50, 50}},
		{Point{-5, 99}, Point{0, 50}},
	}
	for _, tt := range tests {
		if got := r.Clip(tt.in); got != tt.want {
			t.Errorf("Clip(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
