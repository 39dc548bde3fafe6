package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
)

func newTestDispatcher(t *testing.T, wm *fakeWM) (*Dispatcher, *state.Store, *EchoFilter, *fakeClock) {
	t.Helper()
	store := state.NewStore(state.Defaults{Strategy: "dwindle"})
	world, _ := wm.QueryState(context.Background())
	store.Resync(world)
	clock := newFakeClock()
	echo := NewEchoFilter(time.Second, 2, clock.Now)
	d := NewDispatcher(wm, store, echo, 2, nil, metrics.NewCollector())
	d.now = clock.Now
	return d, store, echo, clock
}

func TestConvergeChoosesMoveOrResize(t *testing.T) {
	wm := newFakeWM(testWorld("a", "b", "c"))
	d, store, _, _ := newTestDispatcher(t, wm)
	world := store.Snapshot()
	targets := map[string]layout.Rect{
		"a": {X: 100, Y: 100, Width: 400, Height: 300}, // unchanged
		"b": {X: 500, Y: 100, Width: 400, Height: 300}, // same size, moved
		"c": {X: 0, Y: 0, Width: 800, Height: 300},     // resized
	}
	world.Windows["a"] = state.Window{ID: "a", Geometry: layout.Rect{X: 101, Y: 100, Width: 400, Height: 300}}
	res := d.Converge(context.Background(), "1", []string{"a", "b", "c"}, targets, world.Windows)
	if res.Skipped != 1 || len(res.Sent) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Sent[0].Op != ipc.OpMove || res.Sent[0].WindowID != "b" {
		t.Fatalf("expected move for b, got %v", res.Sent[0])
	}
	if res.Sent[1].Op != ipc.OpResize || res.Sent[1].WindowID != "c" {
		t.Fatalf("expected resize for c, got %v", res.Sent[1])
	}
	if win, _ := store.Window("c"); win.Geometry != targets["c"] || win.Generation != 1 {
		t.Fatalf("store not confirmed after ack: %+v", win)
	}
}

func TestConvergeRetriesOnce(t *testing.T) {
	wm := newFakeWM(testWorld("a"))
	wm.failures["a"] = 1
	d, store, echo, _ := newTestDispatcher(t, wm)
	target := layout.Rect{Width: 500, Height: 500}
	res := d.Converge(context.Background(), "1", []string{"a"}, map[string]layout.Rect{"a": target}, store.Snapshot().Windows)
	if len(res.Sent) != 1 || len(res.Failed) != 0 {
		t.Fatalf("expected success on retry, got %+v", res)
	}
	if echo.Pending() != 1 {
		t.Fatalf("expectation should stay registered after a successful retry")
	}
}

func TestConvergeReportsCommandError(t *testing.T) {
	wm := newFakeWM(testWorld("a"))
	wm.failures["a"] = 2
	d, store, echo, _ := newTestDispatcher(t, wm)
	target := layout.Rect{Width: 500, Height: 500}
	res := d.Converge(context.Background(), "1", []string{"a"}, map[string]layout.Rect{"a": target}, store.Snapshot().Windows)
	if len(res.Failed) != 1 {
		t.Fatalf("expected one failure, got %+v", res)
	}
	cerr := res.Failed[0]
	if cerr.Attempts != 2 || !errors.Is(cerr, ipc.ErrRejected) {
		t.Fatalf("unexpected command error %v (attempts %d)", cerr, cerr.Attempts)
	}
	if echo.Pending() != 0 {
		t.Fatalf("failed command left an echo expectation")
	}
	if win, _ := store.Window("a"); win.Geometry == target {
		t.Fatalf("failed command must not update the store")
	}
}

func TestConvergeThrottlesRepeatedCommands(t *testing.T) {
	wm := newFakeWM(testWorld("a"))
	d, store, _, clock := newTestDispatcher(t, wm)
	target := layout.Rect{Width: 500, Height: 500}
	// The window manager keeps clamping the window back, so the store never
	// reaches the target.
	stuck := store.Snapshot().Windows
	for i := 0; i < commandBurstThreshold; i++ {
		res := d.Converge(context.Background(), "1", []string{"a"}, map[string]layout.Rect{"a": target}, stuck)
		if len(res.Sent) != 1 {
			t.Fatalf("attempt %d: expected command, got %+v", i, res)
		}
		clock.Advance(100 * time.Millisecond)
	}
	res := d.Converge(context.Background(), "1", []string{"a"}, map[string]layout.Rect{"a": target}, stuck)
	if len(res.Throttled) != 1 || len(res.Sent) != 0 {
		t.Fatalf("expected throttle, got %+v", res)
	}
	clock.Advance(commandBurstCooldown + time.Second)
	res = d.Converge(context.Background(), "1", []string{"a"}, map[string]layout.Rect{"a": target}, stuck)
	if len(res.Sent) != 1 {
		t.Fatalf("expected command after cooldown, got %+v", res)
	}
}

func TestConvergeFlagsVanishedWindow(t *testing.T) {
	wm := newFakeWM(testWorld("a"))
	d, store, _, _ := newTestDispatcher(t, wm)
	last := store.Snapshot().Windows
	last["ghost"] = state.Window{ID: "ghost"}
	res := d.Converge(context.Background(), "1", []string{"ghost"}, map[string]layout.Rect{"ghost": {Width: 5, Height: 5}}, last)
	if !res.Resync || len(res.Sent) != 0 {
		t.Fatalf("expected resync flag, got %+v", res)
	}
}
