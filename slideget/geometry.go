package slideget

import "fmt"

// Point is an integer pixel coordinate.
type Point struct {
	X int
	Y int
}

func (p Point) Add(q Point) Point {
	return Point{p.X + q.X, p.Y + q.Y}
}

func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

func (p Point) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// Rect is an axis-aligned pixel rectangle. Left/Top are inclusive,
// Right/Bottom exclusive, matching image.Rect conventions.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

func (r Rect) Width() int {
	return r.Right - r.Left
}

func (r Rect) Height() int {
	return r.Bottom - r.Top
}

func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Clip constrains p to lie within r.
func (r Rect) Clip(p Point) Point {
	if p.X < r.Left {
		p.X = r.Left
	}
	if p.X > r.Right {
		p.X = r.Right
	}
	if p.Y < r.Top {
		p.Y = r.Top
	}
	if p.Y > r.Bottom {
		p.Y = r.Bottom
	}
	return p
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d %d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}
