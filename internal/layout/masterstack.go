package layout

import (
	"fmt"
	"math"
)

// DefaultMasterRatio is the share of the usable width given to the master window.
const DefaultMasterRatio = 0.5

// MasterStack places the first window in a full-height master column and
// stacks the remaining windows evenly in the column beside it.
type MasterStack struct {
	Ratio float64
}

// NewMasterStack returns a master-stack strategy, substituting the default
// ratio when r is outside (0, 1).
func NewMasterStack(r float64) MasterStack {
	if r <= 0 || r >= 1 {
		r = DefaultMasterRatio
	}
	return MasterStack{Ratio: r}
}

func (MasterStack) Name() string { return "master_stack" }

func (m MasterStack) Compute(windows []string, area Rect, gap float64) (map[string]Rect, error) {
	out := make(map[string]Rect, len(windows))
	switch len(windows) {
	case 0:
		return out, nil
	case 1:
		out[windows[0]] = area
		return out, nil
	}
	ratio := m.Ratio
	if ratio <= 0 || ratio >= 1 {
		return nil, fmt.Errorf("master ratio %v outside (0, 1)", ratio)
	}
	if gap < 0 || gap >= area.Width {
		gap = 0
	}

	masterWidth := math.Floor(ratio * (area.Width - gap))
	stackWidth := area.Width - masterWidth - gap
	out[windows[0]] = Rect{X: area.X, Y: area.Y, Width: masterWidth, Height: area.Height}

	stackX := area.X + masterWidth + gap
	rows := partition(area.Y, area.Height, len(windows)-1, gap)
	for i, id := range windows[1:] {
		out[id] = Rect{X: stackX, Y: rows[i].start, Width: stackWidth, Height: rows[i].length}
	}
	return out, nil
}
