package layout

import (
	"fmt"
	"math"
)

// Rect represents a window or monitor geometry in logical pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) String() string {
	return fmt.Sprintf("%gx%g@%g,%g", r.Width, r.Height, r.X, r.Y)
}

// Area returns the rect's surface, zero for degenerate rects.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Empty reports whether the rect has no positive area.
func (r Rect) Empty() bool {
	return r.Area() == 0
}

// Intersect returns the overlapping region of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.Width, o.X+o.Width)
	y1 := math.Min(r.Y+r.Height, o.Y+o.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{X: x0, Y: y0}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Inflate grows the rect by d on every side. Negative d shrinks it.
func (r Rect) Inflate(d float64) Rect {
	out := Rect{X: r.X - d, Y: r.Y - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}

// Contains reports whether o lies within r, allowing tolerance pixels of slack.
func (r Rect) Contains(o Rect, tolerance float64) bool {
	return o.X >= r.X-tolerance && o.Y >= r.Y-tolerance &&
		o.X+o.Width <= r.X+r.Width+tolerance &&
		o.Y+o.Height <= r.Y+r.Height+tolerance
}

// Round snaps every component to the nearest whole pixel.
func (r Rect) Round() Rect {
	return Rect{X: math.Round(r.X), Y: math.Round(r.Y), Width: math.Round(r.Width), Height: math.Round(r.Height)}
}

// Gaps represents outer and inner gaps applied during layout calculations.
type Gaps struct {
	Inner float64 `json:"inner" yaml:"inner"`
	Outer float64 `json:"outer" yaml:"outer"`
}

// Insets describes space reserved on each monitor edge (bars, docks).
type Insets struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// ShrinkRect removes the insets from rect, clamping at zero size.
func (in Insets) ShrinkRect(rect Rect) Rect {
	out := Rect{
		X:      rect.X + in.Left,
		Y:      rect.Y + in.Top,
		Width:  rect.Width - in.Left - in.Right,
		Height: rect.Height - in.Top - in.Bottom,
	}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}

// UsableArea returns the region tiled windows may occupy on a monitor: the
// monitor rect minus reserved insets minus the outer gap.
func UsableArea(monitor Rect, reserved Insets, gaps Gaps) Rect {
	return reserved.ShrinkRect(monitor).Inflate(-gaps.Outer)
}

// ApproximatelyEqual reports whether two rects are almost equal.
func ApproximatelyEqual(a, b Rect, tolerance float64) bool {
	return math.Abs(a.X-b.X) <= tolerance && math.Abs(a.Y-b.Y) <= tolerance &&
		math.Abs(a.Width-b.Width) <= tolerance && math.Abs(a.Height-b.Height) <= tolerance
}

// span is a one-dimensional segment produced by partition.
type span struct {
	start, length float64
}

// partition splits [start, start+length) into n segments separated by gap.
// Whole pixels left over after integer division go to the leading segments so
// the segments always add up to the full length. The gap collapses when there
// is not enough room for it.
func partition(start, length float64, n int, gap float64) []span {
	if n <= 0 {
		return nil
	}
	if length < 0 {
		length = 0
	}
	if gap < 0 || gap*float64(n-1) > length {
		gap = 0
	}
	avail := length - gap*float64(n-1)
	base := math.Floor(avail / float64(n))
	extra := avail - base*float64(n)
	whole := int(math.Floor(extra))
	frac := extra - float64(whole)

	out := make([]span, n)
	pos := start
	for i := 0; i < n; i++ {
		size := base
		if i < whole {
			size++
		}
		if i == n-1 {
			size += frac
		}
		out[i] = span{start: pos, length: size}
		pos += size + gap
	}
	return out
}
