package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/grafana/sobek"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

// DefaultScriptTimeout bounds a single compute call of a script strategy.
const DefaultScriptTimeout = 250 * time.Millisecond

const entryPoint = "compute"

var errNoEntryPoint = errors.New("script does not define a compute function")

// Script is a layout strategy implemented in JavaScript. The file must define
// compute(windows, area, gap). Each call runs in a fresh runtime so scripts
// cannot carry state between invocations.
type Script struct {
	name    string
	path    string
	program *sobek.Program
	timeout time.Duration
}

// LoadScript compiles the script at path and checks it defines compute.
func LoadScript(name, path string, timeout time.Duration) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	program, err := sobek.Compile(path, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	s := &Script{name: name, path: path, program: program, timeout: timeout}
	if _, _, err := s.instantiate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Script) Name() string { return s.name }

// Path returns the file the script was loaded from.
func (s *Script) Path() string { return s.path }

func (s *Script) instantiate() (*sobek.Runtime, sobek.Callable, error) {
	vm := sobek.New()
	vm.SetFieldNameMapper(sobek.TagFieldNameMapper("json", true))
	timer := time.AfterFunc(s.timeout, func() { vm.Interrupt("script timed out") })
	defer timer.Stop()
	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, nil, fmt.Errorf("run: %w", err)
	}
	fn, ok := sobek.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, nil, errNoEntryPoint
	}
	return vm, fn, nil
}

func (s *Script) Compute(windows []string, area layout.Rect, gap float64) (map[string]layout.Rect, error) {
	vm, fn, err := s.instantiate()
	if err != nil {
		return nil, err
	}
	ids := make([]interface{}, len(windows))
	for i, id := range windows {
		ids[i] = id
	}
	bounds := map[string]interface{}{
		"x":      area.X,
		"y":      area.Y,
		"width":  area.Width,
		"height": area.Height,
	}

	timer := time.AfterFunc(s.timeout, func() { vm.Interrupt("script timed out") })
	defer timer.Stop()
	result, err := fn(sobek.Undefined(), vm.ToValue(ids), vm.ToValue(bounds), vm.ToValue(gap))
	if err != nil {
		var interrupted *sobek.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%s: exceeded %s", entryPoint, s.timeout)
		}
		return nil, fmt.Errorf("%s: %w", entryPoint, err)
	}
	if result == nil || sobek.IsUndefined(result) || sobek.IsNull(result) {
		return nil, fmt.Errorf("%s returned nothing", entryPoint)
	}
	return decodeResult(result.Export(), windows)
}

// decodeResult accepts either {id: rect} or [rect, ...] in window order.
func decodeResult(exported interface{}, windows []string) (map[string]layout.Rect, error) {
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	switch exported.(type) {
	case []interface{}:
		var rects []layout.Rect
		if err := json.Unmarshal(raw, &rects); err != nil {
			return nil, fmt.Errorf("decode rect list: %w", err)
		}
		if len(rects) != len(windows) {
			return nil, fmt.Errorf("returned %d rects for %d windows", len(rects), len(windows))
		}
		out := make(map[string]layout.Rect, len(rects))
		for i, r := range rects {
			out[windows[i]] = r
		}
		return out, nil
	case map[string]interface{}:
		var out map[string]layout.Rect
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode rect map: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected result type %T", exported)
}
