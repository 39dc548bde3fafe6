package state

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

func rectPtr(r layout.Rect) *layout.Rect { return &r }

func modePtr(m TilingMode) *TilingMode { return &m }

func newTestStore() *Store {
	return NewStore(Defaults{
		Strategy: "dwindle",
		Gaps:     layout.Gaps{Inner: 4},
		Workspaces: map[string]WorkspaceOverride{
			"2": {Strategy: "master_stack", Gaps: &layout.Gaps{Inner: 10, Outer: 5}},
		},
	})
}

func mustApply(t *testing.T, s *Store, ev Event) Change {
	t.Helper()
	change, err := s.Apply(ev)
	if err != nil {
		t.Fatalf("Apply(%s): %v", ev.Kind, err)
	}
	return change
}

func TestApplyWindowAddedCreatesEntities(t *testing.T) {
	s := newTestStore()
	change := mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "1", WindowID: "a"})
	mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "2", WindowID: "b", Mode: modePtr(ModeFloating)})

	if diff := cmp.Diff([]string{"1"}, change.Workspaces); diff != "" {
		t.Fatalf("unexpected change (-want +got):\n%s", diff)
	}
	world := s.Snapshot()
	if got := world.Monitors["m1"].Workspaces; !cmp.Equal(got, []string{"1", "2"}) {
		t.Fatalf("monitor workspaces = %v", got)
	}
	if ws := world.Workspaces["1"]; ws.Strategy != "dwindle" || ws.Gaps.Inner != 4 {
		t.Fatalf("workspace 1 should take defaults, got %+v", ws)
	}
	if ws := world.Workspaces["2"]; ws.Strategy != "master_stack" || ws.Gaps.Outer != 5 {
		t.Fatalf("workspace 2 should take its override, got %+v", ws)
	}
	if got := world.TiledWindows("2"); len(got) != 0 {
		t.Fatalf("floating windows must not be tiled, got %v", got)
	}
}

func TestApplyMoveAcrossWorkspacesKeepsSingleOwner(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "1", WindowID: "a"})
	mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "1", WindowID: "b"})

	change := mustApply(t, s, Event{Kind: WindowMoved, WorkspaceID: "3", WindowID: "a"})
	if diff := cmp.Diff([]string{"1", "3"}, change.Workspaces); diff != "" {
		t.Fatalf("unexpected change (-want +got):\n%s", diff)
	}
	world := s.Snapshot()
	owners := 0
	for _, ws := range world.Workspaces {
		for _, id := range ws.Windows {
			if id == "a" {
				owners++
			}
		}
	}
	if owners != 1 {
		t.Fatalf("window a owned by %d workspaces", owners)
	}
	if world.Windows["a"].WorkspaceID != "3" {
		t.Fatalf("window a workspace = %q", world.Windows["a"].WorkspaceID)
	}
}

func TestApplyPreservesInsertionOrder(t *testing.T) {
	s := newTestStore()
	for _, id := range []string{"a", "b", "c"} {
		mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: id})
	}
	mustApply(t, s, Event{Kind: WindowRemoved, WindowID: "b"})
	mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: "b"})
	if diff := cmp.Diff([]string{"a", "c", "b"}, s.Snapshot().TiledWindows("1")); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestApplyUnknownWindow(t *testing.T) {
	s := newTestStore()
	_, err := s.Apply(Event{Kind: WindowMoved, WindowID: "ghost", Geometry: rectPtr(layout.Rect{Width: 10})})
	if !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
	_, err = s.Apply(Event{Kind: WindowRemoved, WindowID: "ghost"})
	if !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
}

func TestFloatingGeometryChangeNeedsNoRecompute(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: "f", Mode: modePtr(ModeFloating)})
	change := mustApply(t, s, Event{Kind: WindowMoved, WindowID: "f", Geometry: rectPtr(layout.Rect{X: 5, Width: 100, Height: 100})})
	if len(change.Workspaces) != 0 {
		t.Fatalf("expected no recompute for floating move, got %v", change.Workspaces)
	}
	change = mustApply(t, s, Event{Kind: WindowMoved, WindowID: "f", Mode: modePtr(ModeTiled)})
	if diff := cmp.Diff([]string{"1"}, change.Workspaces); diff != "" {
		t.Fatalf("mode change should recompute (-want +got):\n%s", diff)
	}
}

func TestMonitorChangedTouchesItsWorkspaces(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WorkspaceActivated, MonitorID: "m1", WorkspaceID: "1"})
	mustApply(t, s, Event{Kind: WorkspaceActivated, MonitorID: "m1", WorkspaceID: "4"})
	change := mustApply(t, s, Event{
		Kind:      MonitorChanged,
		MonitorID: "m1",
		Geometry:  rectPtr(layout.Rect{Width: 2560, Height: 1440}),
		Reserved:  &layout.Insets{Top: 30},
	})
	if diff := cmp.Diff([]string{"1", "4"}, change.Workspaces); diff != "" {
		t.Fatalf("unexpected change (-want +got):\n%s", diff)
	}
	mon := s.Snapshot().Monitors["m1"]
	if mon.Rect.Width != 2560 || mon.Reserved.Top != 30 {
		t.Fatalf("monitor not updated: %+v", mon)
	}

	change = mustApply(t, s, Event{Kind: MonitorChanged, MonitorID: "m1", Detached: true})
	if !change.Resync {
		t.Fatalf("expected detached monitor to request resync")
	}
	world := s.Snapshot()
	if len(world.Monitors) != 0 || len(world.Workspaces) != 0 {
		t.Fatalf("expected monitor and workspaces removed, got %+v", world)
	}
}

func TestFocusChange(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: "a"})
	mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: "b"})
	mustApply(t, s, Event{Kind: WindowFocusChanged, WindowID: "a"})
	change := mustApply(t, s, Event{Kind: WindowFocusChanged, WindowID: "b"})
	if len(change.Workspaces) != 0 {
		t.Fatalf("focus changes must not trigger tiling, got %v", change.Workspaces)
	}
	world := s.Snapshot()
	if world.Windows["a"].Focused || !world.Windows["b"].Focused || world.FocusedWindowID != "b" {
		t.Fatalf("unexpected focus state: %+v", world.Windows)
	}
}

func TestResyncReplacesModelAndKeepsSelections(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "1", WindowID: "stale"})
	mustApply(t, s, Event{Kind: WindowAdded, MonitorID: "m1", WorkspaceID: "1", WindowID: "kept"})
	if err := s.SetStrategy("1", "grid"); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	gen, err := s.StampGeneration("kept")
	if err != nil || gen != 1 {
		t.Fatalf("StampGeneration = %d, %v", gen, err)
	}
	s.MarkStale()

	fresh := NewWorld()
	fresh.Monitors["m1"] = Monitor{ID: "m1", Rect: layout.Rect{Width: 1920, Height: 1080}, Workspaces: []string{"1"}}
	fresh.Workspaces["1"] = Workspace{ID: "1", MonitorID: "m1", Windows: []string{"kept"}}
	fresh.Windows["kept"] = Window{ID: "kept", WorkspaceID: "1", Mode: ModeTiled}
	s.Resync(fresh)

	world := s.Snapshot()
	if s.Stale() {
		t.Fatalf("expected resync to clear stale flag")
	}
	if _, ok := world.Windows["stale"]; ok {
		t.Fatalf("expected stale window to be dropped")
	}
	if ws := world.Workspaces["1"]; ws.Strategy != "grid" || !ws.StrategyExplicit {
		t.Fatalf("expected explicit selection to survive resync, got %+v", ws)
	}
	if world.Windows["kept"].Generation != 1 {
		t.Fatalf("expected generation to survive resync, got %d", world.Windows["kept"].Generation)
	}
	fresh.Windows["kept"] = Window{ID: "mutated"}
	if s.Snapshot().Windows["kept"].ID != "kept" {
		t.Fatalf("store must not alias the resync input")
	}
}

func TestConfirmGeometryIgnoresSupersededGeneration(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WindowAdded, WorkspaceID: "1", WindowID: "a"})
	first, _ := s.StampGeneration("a")
	second, _ := s.StampGeneration("a")
	if s.ConfirmGeometry("a", layout.Rect{Width: 1}, first) {
		t.Fatalf("expected stale ack to be ignored")
	}
	if !s.ConfirmGeometry("a", layout.Rect{Width: 2}, second) {
		t.Fatalf("expected current ack to be recorded")
	}
	if got := s.Snapshot().Windows["a"].Geometry.Width; got != 2 {
		t.Fatalf("geometry width = %v, want 2", got)
	}
}

func TestApplyDefaultsRespectsExplicitSelections(t *testing.T) {
	s := newTestStore()
	mustApply(t, s, Event{Kind: WorkspaceActivated, WorkspaceID: "1"})
	mustApply(t, s, Event{Kind: WorkspaceActivated, WorkspaceID: "5"})
	if err := s.SetStrategy("5", "grid"); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	changed := s.ApplyDefaults(Defaults{Strategy: "master_stack", Gaps: layout.Gaps{Inner: 4}})
	if diff := cmp.Diff([]string{"1"}, changed); diff != "" {
		t.Fatalf("unexpected changed workspaces (-want +got):\n%s", diff)
	}
	world := s.Snapshot()
	if world.Workspaces["1"].Strategy != "master_stack" || world.Workspaces["5"].Strategy != "grid" {
		t.Fatalf("unexpected strategies: %+v", world.Workspaces)
	}

	cleared := s.ClearStrategy("grid")
	if diff := cmp.Diff([]string{"5"}, cleared); diff != "" {
		t.Fatalf("unexpected cleared workspaces (-want +got):\n%s", diff)
	}
	if ws := s.Snapshot().Workspaces["5"]; ws.Strategy != "master_stack" || ws.StrategyExplicit {
		t.Fatalf("expected workspace 5 back on default, got %+v", ws)
	}
}

func TestSetStrategyUnknownWorkspace(t *testing.T) {
	if err := newTestStore().SetStrategy("nope", "grid"); !errors.Is(err, ErrUnknownWorkspace) {
		t.Fatalf("expected ErrUnknownWorkspace, got %v", err)
	}
}
