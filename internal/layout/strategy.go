package layout

import (
	"errors"
	"fmt"
)

// Strategy computes target geometry for the tiled windows of one workspace.
// Implementations must be pure: the same ordered window list, area and gap
// always yield the same mapping.
type Strategy interface {
	Name() string
	Compute(windows []string, area Rect, gap float64) (map[string]Rect, error)
}

// StrategyError reports a strategy that failed or produced an invalid mapping.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// ErrNoArea is returned when a workspace has nothing to tile into.
var ErrNoArea = errors.New("usable area is empty")

// Run invokes s and validates its output. Every failure comes back as a
// *StrategyError.
func Run(s Strategy, windows []string, area Rect, gap, tolerance float64) (mapping map[string]Rect, err error) {
	defer func() {
		if r := recover(); r != nil {
			mapping = nil
			err = &StrategyError{Strategy: s.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if len(windows) == 0 {
		return map[string]Rect{}, nil
	}
	if area.Empty() {
		return nil, &StrategyError{Strategy: s.Name(), Err: ErrNoArea}
	}
	mapping, err = s.Compute(windows, area, gap)
	if err != nil {
		return nil, &StrategyError{Strategy: s.Name(), Err: err}
	}
	if err := Validate(windows, area, gap, mapping, tolerance); err != nil {
		return nil, &StrategyError{Strategy: s.Name(), Err: err}
	}
	return mapping, nil
}
