package layout

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrIncomplete = errors.New("mapping does not match window set")
	ErrOutOfArea  = errors.New("rect outside usable area")
	ErrOverlap    = errors.New("rects overlap")
	ErrCoverage   = errors.New("rects do not cover usable area")
	ErrBadRect    = errors.New("invalid rect")
)

// epsilon absorbs float rounding in sub-pixel layouts.
const epsilon = 1e-6

// Validate checks a computed mapping against the tiling invariants: exactly
// one rect per window, every rect inside area, no two rects overlapping and,
// once each rect is grown by half the gap, the rects covering area exactly.
func Validate(windows []string, area Rect, gap float64, mapping map[string]Rect, tolerance float64) error {
	if len(mapping) != len(windows) {
		return fmt.Errorf("%w: %d windows, %d rects", ErrIncomplete, len(windows), len(mapping))
	}
	for _, id := range windows {
		if _, ok := mapping[id]; !ok {
			return fmt.Errorf("%w: missing %s", ErrIncomplete, id)
		}
	}
	if len(windows) == 0 {
		return nil
	}

	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := mapping[id]
		if !finite(r) || r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("%w: %s %v", ErrBadRect, id, r)
		}
		if !area.Contains(r, tolerance+epsilon) {
			return fmt.Errorf("%w: %s %v not in %v", ErrOutOfArea, id, r, area)
		}
	}

	half := math.Max(gap, 0) / 2
	grown := make([]Rect, len(ids))
	for i, id := range ids {
		grown[i] = mapping[id].Inflate(half).Intersect(area)
	}
	covered := 0.0
	for i := range ids {
		covered += grown[i].Area()
		for j := i + 1; j < len(ids); j++ {
			if overlaps(mapping[ids[i]], mapping[ids[j]], tolerance) {
				return fmt.Errorf("%w: %s and %s", ErrOverlap, ids[i], ids[j])
			}
			if overlaps(grown[i], grown[j], tolerance) {
				return fmt.Errorf("%w: %s and %s closer than gap %g", ErrOverlap, ids[i], ids[j], gap)
			}
		}
	}
	// Uncovered area is measured in square pixels; a sliver of tolerance
	// along the longer side is accepted.
	slack := tolerance*math.Max(area.Width, area.Height) + epsilon*area.Area()
	if missing := area.Area() - covered; math.Abs(missing) > slack {
		return fmt.Errorf("%w: %.0f px² uncovered", ErrCoverage, missing)
	}
	return nil
}

// overlaps reports whether a and b share more than a sliver at most
// tolerance thick.
func overlaps(a, b Rect, tolerance float64) bool {
	o := a.Intersect(b)
	if o.Empty() {
		return false
	}
	return o.Width > tolerance+epsilon && o.Height > tolerance+epsilon
}

func finite(r Rect) bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
