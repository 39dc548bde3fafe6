package layout

import "math"

// Grid arranges windows in ceil(sqrt(n)) columns. Rows share the height
// evenly; a short last row stretches its windows to fill the full width.
type Grid struct{}

func (Grid) Name() string { return "grid" }

func (Grid) Compute(windows []string, area Rect, gap float64) (map[string]Rect, error) {
	out := make(map[string]Rect, len(windows))
	n := len(windows)
	if n == 0 {
		return out, nil
	}
	cols, rows := gridDimensions(n)
	rowSpans := partition(area.Y, area.Height, rows, gap)

	idx := 0
	for r := 0; r < rows; r++ {
		inRow := cols
		if remaining := n - idx; remaining < inRow {
			inRow = remaining
		}
		colSpans := partition(area.X, area.Width, inRow, gap)
		for c := 0; c < inRow; c++ {
			out[windows[idx]] = Rect{
				X:      colSpans[c].start,
				Y:      rowSpans[r].start,
				Width:  colSpans[c].length,
				Height: rowSpans[r].length,
			}
			idx++
		}
	}
	return out, nil
}

func gridDimensions(n int) (cols, rows int) {
	if n <= 0 {
		return 0, 0
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}
