package layout

import "math"

// Dwindle bisects the remaining area along its longer side for every window:
// the current window keeps the first half (left or top) and the rest recurse
// into the second half. Square regions split vertically.
type Dwindle struct{}

func (Dwindle) Name() string { return "dwindle" }

func (Dwindle) Compute(windows []string, area Rect, gap float64) (map[string]Rect, error) {
	out := make(map[string]Rect, len(windows))
	rest := area
	for i, id := range windows {
		if i == len(windows)-1 {
			out[id] = rest
			break
		}
		first, second := bisect(rest, gap)
		out[id] = first
		rest = second
	}
	return out, nil
}

// bisect splits r in two with gap between the halves. Wider-or-square
// regions split into left/right, taller ones into top/bottom. Halves are
// floored to whole pixels until a region is too small for that.
func bisect(r Rect, gap float64) (Rect, Rect) {
	if r.Width >= r.Height {
		g := gap
		if g < 0 || g >= r.Width {
			g = 0
		}
		w := floorHalf(r.Width - g)
		first := Rect{X: r.X, Y: r.Y, Width: w, Height: r.Height}
		second := Rect{X: r.X + w + g, Y: r.Y, Width: r.Width - w - g, Height: r.Height}
		return first, second
	}
	g := gap
	if g < 0 || g >= r.Height {
		g = 0
	}
	h := floorHalf(r.Height - g)
	first := Rect{X: r.X, Y: r.Y, Width: r.Width, Height: h}
	second := Rect{X: r.X, Y: r.Y + h + g, Width: r.Width, Height: r.Height - h - g}
	return first, second
}

func floorHalf(v float64) float64 {
	if h := math.Floor(v / 2); h >= 1 {
		return h
	}
	return v / 2
}
