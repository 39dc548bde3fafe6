package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

func TestPrintPlan(t *testing.T) {
	world := state.NewWorld()
	world.Monitors["m1"] = state.Monitor{ID: "m1", Rect: layout.Rect{Width: 1920, Height: 1080}, Workspaces: []string{"1"}}
	world.Workspaces["1"] = state.Workspace{ID: "1", MonitorID: "m1", Windows: []string{"a", "b"}}
	world.Windows["a"] = state.Window{ID: "a", WorkspaceID: "1", Mode: state.ModeTiled, Geometry: layout.Rect{Width: 960, Height: 1080}}
	world.Windows["b"] = state.Window{ID: "b", WorkspaceID: "1", Mode: state.ModeTiled, Geometry: layout.Rect{Width: 100, Height: 100}}

	cfg := config.Default()
	reg := strategy.FromStrategies(layout.Dwindle{}, layout.Grid{})
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)

	var out bytes.Buffer
	if err := printPlan(&out, cfg, world, reg, logger, &planOptions{showConfig: true, showWorld: true}); err != nil {
		t.Fatalf("printPlan: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"default_layout: dwindle",
		`"monitors"`,
		"workspace 1: dwindle, 2 tiled, 1 already in place",
		"resize b",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintPlanEmptyWorld(t *testing.T) {
	var out bytes.Buffer
	reg := strategy.FromStrategies(layout.Dwindle{})
	if err := printPlan(&out, config.Default(), state.NewWorld(), reg, nil, &planOptions{}); err != nil {
		t.Fatalf("printPlan: %v", err)
	}
	if !strings.Contains(out.String(), "No workspaces to arrange.") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
