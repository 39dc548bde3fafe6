package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// fakeWM plays the window manager: it answers state queries from its own
// world and applies every command it accepts to that world.
type fakeWM struct {
	mu       sync.Mutex
	world    *state.World
	sent     []ipc.Command
	queries  int
	failures map[string]int
	inbound  chan ipc.Inbound
	// onSend runs under the lock after a command is applied.
	onSend func(w *state.World, cmd ipc.Command)
}

func newFakeWM(world *state.World) *fakeWM {
	return &fakeWM{world: world, failures: make(map[string]int), inbound: make(chan ipc.Inbound, 64)}
}

func (f *fakeWM) Inbound() <-chan ipc.Inbound { return f.inbound }

func (f *fakeWM) QueryState(context.Context) (*state.World, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return state.CloneWorld(f.world), nil
}

func (f *fakeWM) Send(_ context.Context, cmd ipc.Command) (ipc.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[cmd.WindowID] > 0 {
		f.failures[cmd.WindowID]--
		return ipc.Ack{}, fmt.Errorf("%w: window busy", ipc.ErrRejected)
	}
	f.sent = append(f.sent, cmd)
	if win, ok := f.world.Windows[cmd.WindowID]; ok {
		win.Geometry = cmd.Rect
		f.world.Windows[cmd.WindowID] = win
	}
	if f.onSend != nil {
		f.onSend(f.world, cmd)
	}
	return ipc.Ack{Success: true}, nil
}

func (f *fakeWM) commands() []ipc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ipc.Command(nil), f.sent...)
}

func (f *fakeWM) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeWM) mutate(fn func(w *state.World)) {
	f.mu.Lock()
	fn(f.world)
	f.mu.Unlock()
}

// testWorld is one 1920x1080 monitor with workspace "1" holding windows.
func testWorld(windows ...string) *state.World {
	w := state.NewWorld()
	w.Monitors["m1"] = state.Monitor{ID: "m1", Rect: layout.Rect{Width: 1920, Height: 1080}, Workspaces: []string{"1"}}
	ws := state.Workspace{ID: "1", MonitorID: "m1"}
	for i, id := range windows {
		ws.Windows = append(ws.Windows, id)
		w.Windows[id] = state.Window{
			ID:          id,
			WorkspaceID: "1",
			Geometry:    layout.Rect{X: float64(100 + 10*i), Y: 100, Width: 400, Height: 300},
			Mode:        state.ModeTiled,
		}
	}
	w.Workspaces["1"] = ws
	w.ActiveWorkspaceID = "1"
	return w
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs every timer that came due, in
// deadline order, outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time, 1)}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {}

func (t *manualTicker) Tick() { t.ch <- time.Now() }

// overlapping always returns the full area for every window.
type overlapping struct{}

func (overlapping) Name() string { return "overlapping" }

func (overlapping) Compute(windows []string, area layout.Rect, _ float64) (map[string]layout.Rect, error) {
	out := make(map[string]layout.Rect, len(windows))
	for _, id := range windows {
		out[id] = area
	}
	return out, nil
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Compute([]string, layout.Rect, float64) (map[string]layout.Rect, error) {
	return nil, errors.New("boom")
}

type harness struct {
	engine *Engine
	wm     *fakeWM
	clock  *fakeClock
	logs   *bytes.Buffer
	ticker *manualTicker
}

func newHarness(t testing.TB, wm *fakeWM, strategies ...layout.Strategy) *harness {
	t.Helper()
	if len(strategies) == 0 {
		strategies = []layout.Strategy{layout.Dwindle{}, layout.Grid{}, overlapping{}, failing{}}
	}
	cfg := config.Default()
	cfg.Layouts = nil
	clock := newFakeClock()
	tick := newManualTicker()
	var logs bytes.Buffer
	eng, err := New(Options{
		Config:    cfg,
		Registry:  strategy.FromStrategies(strategies...),
		Transport: wm,
		Logger:    util.NewLoggerWithWriter(util.LevelTrace, &logs),
		Metrics:   metrics.NewCollector(),
		Now:       clock.Now,
		AfterFunc: clock.AfterFunc,
		NewTicker: func(time.Duration) ticker { return tick },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{engine: eng, wm: wm, clock: clock, logs: &logs, ticker: tick}
}

// connect drives the engine as if the transport just connected.
func (h *harness) connect(ctx context.Context) {
	h.engine.handleInbound(ctx, ipc.Inbound{Status: &ipc.Status{State: ipc.Connected}})
}

func (h *harness) disconnect(ctx context.Context) {
	h.engine.handleInbound(ctx, ipc.Inbound{Status: &ipc.Status{State: ipc.Disconnected, Err: errors.New("eof")}})
}

func (h *harness) event(ctx context.Context, data string) {
	h.engine.handleInbound(ctx, ipc.Inbound{Payload: []byte(`{"messageType":"event_subscription","data":` + data + `}`)})
}

// settle fires due debounce timers and runs the recomputes the loop would.
func (h *harness) settle(ctx context.Context) int {
	h.clock.Advance(time.Second)
	ready := h.engine.debounce.Drain()
	for _, id := range ready {
		if h.engine.recompute(ctx, id) {
			h.engine.resyncAndLog(ctx, "test")
		}
	}
	return len(ready)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
