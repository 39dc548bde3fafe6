package strategy

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name+".js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testLogger(buf *bytes.Buffer) *util.Logger {
	return util.NewLoggerWithWriter(util.LevelDebug, buf)
}

func TestLoadRegistersBuiltinsAndScripts(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteDefaultScripts(filepath.Join(dir, "scripts")); err != nil {
		t.Fatalf("WriteDefaultScripts: %v", err)
	}
	cfg := config.Default()
	var logs bytes.Buffer
	reg, problems := Load(cfg, Options{BaseDir: dir, Logger: testLogger(&logs)})
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if diff := cmp.Diff([]string{"dwindle", "master_stack", "grid", "columns"}, reg.Names()); diff != "" {
		t.Fatalf("unexpected names (-want +got):\n%s", diff)
	}
	entries := reg.List()
	if entries[0].DisplayName != "Dwindle Layout" || entries[3].Kind != KindScript {
		t.Fatalf("unexpected entries %+v", entries)
	}

	columns, err := reg.Lookup("columns")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	windows := []string{"a", "b", "c"}
	area := layout.Rect{X: 0, Y: 30, Width: 1000, Height: 700}
	mapping, err := layout.Run(columns, windows, area, 10, 0)
	if err != nil {
		t.Fatalf("columns script invalid: %v", err)
	}
	if got := mapping["a"]; got != (layout.Rect{X: 0, Y: 30, Width: 327, Height: 700}) {
		t.Fatalf("unexpected first column %v", got)
	}
}

func TestLoadExcludesBrokenLayouts(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "syntax", "function compute( {")
	writeScript(t, dir, "noentry", "var x = 1;")
	cfg := config.Default()
	cfg.ScriptPaths = []string{dir}
	cfg.Layouts = map[string]config.LayoutConfig{
		"grid":    {Enabled: false},
		"syntax":  {Enabled: true},
		"noentry": {Enabled: true},
		"missing": {Enabled: true},
		"off":     {Enabled: false},
	}
	var logs bytes.Buffer
	reg, problems := Load(cfg, Options{Logger: testLogger(&logs)})
	if len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", problems)
	}
	for _, p := range problems {
		var cerr *config.ConfigError
		if !errors.As(p, &cerr) {
			t.Fatalf("expected ConfigError, got %T %v", p, p)
		}
	}
	if diff := cmp.Diff([]string{"dwindle", "master_stack"}, reg.Names()); diff != "" {
		t.Fatalf("unexpected names (-want +got):\n%s", diff)
	}
	if !bytes.Contains(logs.Bytes(), []byte("layout excluded")) {
		t.Fatalf("expected exclusions to be logged, got %s", logs.String())
	}
}

func TestResolveFallsBackToFirstAvailable(t *testing.T) {
	reg := FromStrategies(layout.Grid{}, layout.Dwindle{})
	if name, ok := reg.Resolve("dwindle"); name != "dwindle" || !ok {
		t.Fatalf("Resolve(dwindle) = %s, %v", name, ok)
	}
	if name, ok := reg.Resolve("spiral"); name != "grid" || ok {
		t.Fatalf("Resolve(spiral) = %s, %v; want grid fallback", name, ok)
	}
	if _, err := reg.Lookup("spiral"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if name, ok := FromStrategies().Resolve("x"); name != "" || ok {
		t.Fatalf("empty registry should resolve nothing, got %q", name)
	}
}

func TestScriptArrayResultAndPurity(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "halves", `
var calls = 0;
function compute(windows, area, gap) {
  calls++;
  var w = Math.floor(area.width / 2);
  return [
    {x: area.x, y: area.y, width: w, height: area.height},
    {x: area.x + w, y: area.y, width: area.width - w, height: area.height + calls - 1},
  ];
}`)
	script, err := LoadScript("halves", path, 0)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	area := layout.Rect{Width: 801, Height: 600}
	for i := 0; i < 3; i++ {
		mapping, err := layout.Run(script, []string{"l", "r"}, area, 0, 0)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if mapping["r"].Width != 401 || mapping["r"].Height != 600 {
			t.Fatalf("run %d: unexpected right rect %v", i, mapping["r"])
		}
	}
}

func TestScriptErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"throws":    `function compute() { throw new Error("nope"); }`,
		"nothing":   `function compute() {}`,
		"wrongsize": `function compute(w, a) { return [a]; }`,
		"scalar":    `function compute() { return 42; }`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			script, err := LoadScript(name, writeScript(t, dir, name, src), 0)
			if err != nil {
				t.Fatalf("LoadScript: %v", err)
			}
			_, err = layout.Run(script, []string{"a", "b"}, layout.Rect{Width: 100, Height: 100}, 0, 0)
			var serr *layout.StrategyError
			if !errors.As(err, &serr) || serr.Strategy != name {
				t.Fatalf("expected StrategyError for %s, got %v", name, err)
			}
		})
	}
}

func TestScriptTimeout(t *testing.T) {
	path := writeScript(t, t.TempDir(), "spin", `function compute() { for (;;) {} }`)
	script, err := LoadScript("spin", path, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	start := time.Now()
	_, err = script.Compute([]string{"a"}, layout.Rect{Width: 10, Height: 10}, 0)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("script was not interrupted, ran %s", elapsed)
	}
}

func TestWriteDefaultScriptsKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	custom := writeScript(t, dir, "columns", "function compute() { return {}; }")
	written, err := WriteDefaultScripts(dir)
	if err != nil {
		t.Fatalf("WriteDefaultScripts: %v", err)
	}
	if len(written) != 0 {
		t.Fatalf("expected existing script to be kept, wrote %v", written)
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "function compute() { return {}; }" {
		t.Fatalf("existing script overwritten: %s", data)
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("master_stack", ""); got != "Master Stack" {
		t.Fatalf("displayName = %q", got)
	}
	if got := displayName("grid", "Tiles"); got != "Tiles" {
		t.Fatalf("displayName = %q", got)
	}
}
