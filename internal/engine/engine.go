package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// Transport is the engine's view of the window manager connection.
type Transport interface {
	Sender
	state.DataSource
	Inbound() <-chan ipc.Inbound
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	*time.Ticker
}

func (t realTicker) C() <-chan time.Time {
	return t.Ticker.C
}

// stoppedTicker never fires; used when periodic resync is disabled.
type stoppedTicker struct{}

func (stoppedTicker) C() <-chan time.Time { return nil }
func (stoppedTicker) Stop()               {}

var (
	ErrNotRunning        = errors.New("engine is not running")
	ErrNoActiveWorkspace = errors.New("no active workspace")
)

// Options configures an Engine.
type Options struct {
	Config    *config.Config
	Registry  *strategy.Registry
	Transport Transport
	Logger    *util.Logger
	Metrics   *metrics.Collector

	// Clock and timer hooks, replaced in tests.
	Now       func() time.Time
	AfterFunc AfterFunc
	NewTicker func(time.Duration) ticker
}

type goodLayout struct {
	Strategy string
	Mapping  map[string]layout.Rect
}

type op struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Engine ties together the state store, layout strategies and the window
// manager connection. All recomputes run on the goroutine executing Run.
type Engine struct {
	transport  Transport
	store      *state.Store
	echo       *EchoFilter
	debounce   *Debouncer
	dispatcher *Dispatcher
	logger     *util.Logger
	metrics    *metrics.Collector
	now        func() time.Time
	newTicker  func(time.Duration) ticker

	mu       sync.Mutex
	cfg      *config.Config
	registry *strategy.Registry
	lastGood map[string]goodLayout
	cycles   *cycleLog

	connected     atomic.Bool
	everConnected bool
	ops           chan op
	loopDone      chan struct{}
}

// New builds an engine. The transport is required; a nil config or registry
// falls back to defaults.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(util.LevelInfo)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Registry == nil {
		opts.Registry, _ = strategy.Load(opts.Config, strategy.Options{Logger: opts.Logger})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) ticker { return realTicker{time.NewTicker(d)} }
	}
	cfg := opts.Config
	logger := opts.Logger
	store := state.NewStore(defaultsFor(cfg, opts.Registry, logger))
	echo := NewEchoFilter(defaultEchoTTL, cfg.TolerancePx, opts.Now)
	dispatcher := NewDispatcher(opts.Transport, store, echo, cfg.TolerancePx, logger.Named("dispatch"), opts.Metrics)
	dispatcher.now = opts.Now
	return &Engine{
		transport:  opts.Transport,
		store:      store,
		echo:       echo,
		debounce:   NewDebouncer(cfg.DebounceWindow(), cfg.DebounceMaxWait(), opts.Now, opts.AfterFunc),
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		newTicker:  opts.NewTicker,
		cfg:        cfg,
		registry:   opts.Registry,
		lastGood:   make(map[string]goodLayout),
		cycles:     newCycleLog(0),
		ops:        make(chan op),
		loopDone:   make(chan struct{}),
	}, nil
}

// Run builds an engine from opts and runs it until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	e, err := New(opts)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}

// Run starts the engine loop until context cancellation.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.loopDone)
	defer e.debounce.Stop()

	e.mu.Lock()
	interval := e.cfg.ResyncInterval()
	e.mu.Unlock()
	var tick ticker = stoppedTicker{}
	if interval > 0 {
		tick = e.newTicker(interval)
	}
	defer tick.Stop()

	inbound := e.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("transport inbound closed")
			}
			e.handleInbound(ctx, item)
		case <-e.debounce.Ready():
			for _, id := range e.debounce.Drain() {
				if e.recompute(ctx, id) {
					e.resyncAndLog(ctx, "window vanished during recompute")
				}
			}
		case <-tick.C():
			if !e.connected.Load() {
				continue
			}
			e.logger.Debugf("periodic resync tick")
			e.resyncAndLog(ctx, "periodic")
		case o := <-e.ops:
			o.done <- o.fn(ctx)
		}
	}
}

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case e.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.loopDone:
		return ErrNotRunning
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleInbound(ctx context.Context, item ipc.Inbound) {
	if item.Status != nil {
		e.handleStatus(ctx, *item.Status)
		return
	}
	e.handlePayload(ctx, item.Payload)
}

func (e *Engine) handleStatus(ctx context.Context, st ipc.Status) {
	e.trace("transport.status", map[string]any{
		"state":   st.State.String(),
		"attempt": st.Attempt,
	})
	switch st.State {
	case ipc.Connected:
		if e.everConnected {
			e.metrics.RecordReconnect()
		}
		e.everConnected = true
		e.connected.Store(true)
		e.resyncAndLog(ctx, "connected")
	case ipc.Disconnected:
		e.connected.Store(false)
		e.store.MarkStale()
		e.echo.Reset()
		e.debounce.Stop()
		e.logger.Warnf("window manager connection lost; model marked stale")
	case ipc.Reconnecting:
		e.logger.Debugf("reconnect attempt %d in %s", st.Attempt, st.Delay)
	}
}

func (e *Engine) handlePayload(ctx context.Context, raw []byte) {
	ev := ipc.Normalize(raw)
	e.metrics.RecordEvent(string(ev.Kind), ev.Kind != state.Unrecognized)
	if ev.Kind == state.Unrecognized {
		e.logger.Debugf("dropped event: %v", ev.Reason)
		return
	}
	e.trace("event.received", map[string]any{
		"kind":      ev.Kind,
		"window":    ev.WindowID,
		"workspace": ev.WorkspaceID,
		"monitor":   ev.MonitorID,
	})
	if e.store.Stale() {
		e.logger.Debugf("event %s ignored while model is stale", ev.Kind)
		return
	}
	if e.isEcho(ev) {
		e.store.RecordGeometry(ev.WindowID, *ev.Geometry)
		e.metrics.RecordEcho()
		e.trace("event.echo", map[string]any{"window": ev.WindowID})
		return
	}
	change, err := e.store.Apply(ev)
	if err != nil {
		if errors.Is(err, state.ErrUnknownWindow) {
			e.logger.Warnf("incremental update fallback for %s: %v", ev.Kind, err)
			e.resyncAndLog(ctx, "unknown window")
			return
		}
		e.logger.Warnf("dropped event %s: %v", ev.Kind, err)
		return
	}
	if change.Resync {
		e.resyncAndLog(ctx, string(ev.Kind))
		return
	}
	for _, id := range change.Workspaces {
		e.debounce.Trigger(id)
	}
}

func (e *Engine) isEcho(ev state.Event) bool {
	if ev.Kind != state.WindowMoved || ev.Geometry == nil {
		return false
	}
	win, ok := e.store.Window(ev.WindowID)
	if !ok {
		return false
	}
	if ev.WorkspaceID != "" && ev.WorkspaceID != win.WorkspaceID {
		return false
	}
	if ev.Mode != nil && *ev.Mode != win.Mode {
		return false
	}
	return e.echo.Match(ev.WindowID, win.Generation, *ev.Geometry)
}

func (e *Engine) resyncAndLog(ctx context.Context, reason string) {
	if err := e.resync(ctx, reason); err != nil {
		if ctx.Err() != nil {
			e.logger.Debugf("resync aborted: %v", err)
			return
		}
		e.logger.Errorf("%v", err)
	}
}

// resync rebuilds the model from a full state query and recomputes every
// workspace.
func (e *Engine) resync(ctx context.Context, reason string) error {
	world, err := e.transport.QueryState(ctx)
	if err != nil {
		e.store.MarkStale()
		return fmt.Errorf("resync (%s): %w", reason, err)
	}
	prev := e.store.Snapshot()
	e.store.Resync(world)
	e.echo.Reset()
	e.debounce.Stop()
	cur := e.store.Snapshot()
	e.metrics.RecordResync(len(cur.Windows))
	e.trace("world.resynced", map[string]any{
		"reason": reason,
		"counts": map[string]int{
			"monitors":   len(cur.Monitors),
			"workspaces": len(cur.Workspaces),
			"windows":    len(cur.Windows),
		},
		"delta": worldDelta(prev, cur),
	})
	e.logger.Infof("resynced (%s): %d monitors, %d workspaces, %d windows", reason, len(cur.Monitors), len(cur.Workspaces), len(cur.Windows))

	e.mu.Lock()
	for id := range e.lastGood {
		if _, ok := cur.Workspaces[id]; !ok {
			delete(e.lastGood, id)
		}
	}
	e.mu.Unlock()

	for _, id := range cur.WorkspaceIDs() {
		if e.recompute(ctx, id) {
			e.logger.Warnf("workspace %s changed again during resync", id)
		}
	}
	return nil
}

// recompute computes and applies the layout of one workspace. It reports
// whether the store turned out to be inconsistent and needs a resync.
func (e *Engine) recompute(ctx context.Context, workspaceID string) bool {
	if !e.connected.Load() || e.store.Stale() {
		e.logger.Debugf("recompute %s deferred: model is stale", workspaceID)
		return false
	}
	start := e.now()
	world := e.store.Snapshot()
	ws, ok := world.Workspaces[workspaceID]
	if !ok {
		e.mu.Lock()
		delete(e.lastGood, workspaceID)
		e.mu.Unlock()
		return false
	}
	mon, ok := world.MonitorForWorkspace(workspaceID)
	if !ok {
		e.logger.Debugf("workspace %s has no monitor; skipping", workspaceID)
		return false
	}
	windows := world.TiledWindows(workspaceID)
	area := layout.UsableArea(mon.Rect, mon.Reserved, ws.Gaps)

	e.mu.Lock()
	reg := e.registry
	tolerance := e.cfg.TolerancePx
	good, hasGood := e.lastGood[workspaceID]
	e.mu.Unlock()

	cycle := Cycle{Timestamp: start, Workspace: workspaceID, Windows: len(windows), Status: CycleStatusApplied}
	name, ok := reg.Resolve(ws.Strategy)
	if !ok {
		e.logger.Warnf("workspace %s: layout %q unavailable; using %s", workspaceID, ws.Strategy, name)
	}
	cycle.Strategy = name
	used := name

	mapping, err := compute(reg, name, windows, area, ws.Gaps.Inner, tolerance)
	if err == nil {
		e.mu.Lock()
		e.lastGood[workspaceID] = goodLayout{Strategy: name, Mapping: mapping}
		e.mu.Unlock()
	} else {
		e.metrics.RecordRejection(name)
		e.logger.Warnf("workspace %s: %v", workspaceID, err)
		cycle.Error = err.Error()
		fallback := pickFallback(reg, name, good.Strategy, hasGood)
		if fallback == "" {
			cycle.Status = CycleStatusError
			e.finishCycle(cycle, start)
			return false
		}
		mapping, err = compute(reg, fallback, windows, area, ws.Gaps.Inner, tolerance)
		if err != nil {
			e.metrics.RecordRejection(fallback)
			e.logger.Errorf("workspace %s: fallback failed: %v", workspaceID, err)
			cycle.Status = CycleStatusError
			cycle.Error = err.Error()
			e.finishCycle(cycle, start)
			return false
		}
		e.logger.Infof("workspace %s: falling back to %s", workspaceID, fallback)
		cycle.Status = CycleStatusFallback
		cycle.Fallback = fallback
		used = fallback
	}

	res := e.dispatcher.Converge(ctx, workspaceID, windows, mapping, world.Windows)
	for _, cmd := range res.Sent {
		cycle.Commands = append(cycle.Commands, cmd.String())
	}
	cycle.Skipped = res.Skipped
	cycle.Throttled = res.Throttled
	if len(res.Failed) > 0 {
		msgs := make([]string, 0, len(res.Failed))
		for _, f := range res.Failed {
			msgs = append(msgs, f.Error())
		}
		cycle.Error = strings.Join(msgs, "; ")
	}
	e.metrics.RecordRecompute(used, e.now().Sub(start))
	e.trace("layout.applied", map[string]any{
		"workspace": workspaceID,
		"strategy":  used,
		"windows":   len(windows),
		"commands":  cycle.Commands,
		"skipped":   res.Skipped,
	})
	if len(res.Sent) > 0 {
		e.logger.Infof("workspace %s: %s applied (%d commands)", workspaceID, used, len(res.Sent))
	}
	e.finishCycle(cycle, start)
	return res.Resync
}

func (e *Engine) finishCycle(cycle Cycle, start time.Time) {
	cycle.Duration = e.now().Sub(start)
	e.cycles.record(cycle)
}

func compute(reg *strategy.Registry, name string, windows []string, area layout.Rect, gap, tolerance float64) (map[string]layout.Rect, error) {
	s, err := reg.Lookup(name)
	if err != nil {
		return nil, &layout.StrategyError{Strategy: name, Err: err}
	}
	return layout.Run(s, windows, area, gap, tolerance)
}

// pickFallback chooses the strategy used when failed produced no valid
// layout: the workspace's last good strategy, then dwindle, then anything.
func pickFallback(reg *strategy.Registry, failed, lastGood string, hasGood bool) string {
	candidates := []string{}
	if hasGood {
		candidates = append(candidates, lastGood)
	}
	candidates = append(candidates, strategy.FallbackName)
	candidates = append(candidates, reg.Names()...)
	for _, c := range candidates {
		if c != failed && reg.Has(c) {
			return c
		}
	}
	return ""
}

func defaultsFor(cfg *config.Config, reg *strategy.Registry, logger *util.Logger) state.Defaults {
	name, ok := reg.Resolve(cfg.DefaultLayout)
	if !ok && name != "" {
		logger.Warnf("default layout %q unavailable; using %s", cfg.DefaultLayout, name)
	}
	d := state.Defaults{Strategy: name, Gaps: cfg.Gaps}
	if len(cfg.Workspaces) == 0 {
		return d
	}
	d.Workspaces = make(map[string]state.WorkspaceOverride, len(cfg.Workspaces))
	for id, ws := range cfg.Workspaces {
		override := state.WorkspaceOverride{Gaps: ws.Gaps}
		if ws.Layout != "" {
			if reg.Has(ws.Layout) {
				override.Strategy = ws.Layout
			} else {
				logger.Warnf("workspace %s: layout %q unavailable; using default", id, ws.Layout)
			}
		}
		d.Workspaces[id] = override
	}
	return d
}

// LayoutInfo describes a selectable layout for control clients.
type LayoutInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Kind        string   `json:"kind"`
	Source      string   `json:"source"`
	Default     bool     `json:"default,omitempty"`
	Active      bool     `json:"active,omitempty"`
	Workspaces  []string `json:"workspaces,omitempty"`
}

// Layouts lists the registered layouts with their current use.
func (e *Engine) Layouts() []LayoutInfo {
	e.mu.Lock()
	reg := e.registry
	cfg := e.cfg
	e.mu.Unlock()
	world := e.store.Snapshot()
	defaultName, _ := reg.Resolve(cfg.DefaultLayout)
	active := ""
	if ws, ok := world.Workspaces[world.ActiveWorkspaceID]; ok {
		active = ws.Strategy
	}
	entries := reg.List()
	out := make([]LayoutInfo, 0, len(entries))
	for _, entry := range entries {
		info := LayoutInfo{
			Name:        entry.Name,
			DisplayName: entry.DisplayName,
			Kind:        string(entry.Kind),
			Source:      entry.Source,
			Default:     entry.Name == defaultName,
			Active:      entry.Name == active,
		}
		for _, id := range world.WorkspaceIDs() {
			if world.Workspaces[id].Strategy == entry.Name {
				info.Workspaces = append(info.Workspaces, id)
			}
		}
		out = append(out, info)
	}
	return out
}

// SetLayout selects name for a workspace and applies it immediately. An empty
// workspaceID targets the active workspace. It returns the workspace changed.
func (e *Engine) SetLayout(ctx context.Context, workspaceID, name string) (string, error) {
	e.mu.Lock()
	reg := e.registry
	e.mu.Unlock()
	if !reg.Has(name) {
		return "", fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, name)
	}
	err := e.do(ctx, func(ctx context.Context) error {
		if workspaceID == "" {
			workspaceID = e.store.Snapshot().ActiveWorkspaceID
			if workspaceID == "" {
				return ErrNoActiveWorkspace
			}
		}
		if err := e.store.SetStrategy(workspaceID, name); err != nil {
			return err
		}
		e.logger.Infof("workspace %s switched to layout %s", workspaceID, name)
		if e.recompute(ctx, workspaceID) {
			e.resyncAndLog(ctx, "window vanished during recompute")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return workspaceID, nil
}

// Reload installs a new configuration and registry, then recomputes every
// workspace. Explicit selections survive unless their layout disappeared.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config, reg *strategy.Registry) error {
	return e.do(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		prev := e.registry
		e.cfg, e.registry = cfg, reg
		for id, good := range e.lastGood {
			if !reg.Has(good.Strategy) {
				delete(e.lastGood, id)
			}
		}
		e.mu.Unlock()

		e.echo.SetTolerance(cfg.TolerancePx)
		e.dispatcher.SetTolerance(cfg.TolerancePx)
		e.dispatcher.Reset()
		e.debounce.SetTimings(cfg.DebounceWindow(), cfg.DebounceMaxWait())
		e.store.ApplyDefaults(defaultsFor(cfg, reg, e.logger))
		for _, name := range prev.Names() {
			if reg.Has(name) {
				continue
			}
			if cleared := e.store.ClearStrategy(name); len(cleared) > 0 {
				e.logger.Warnf("layout %s removed; workspaces %s returned to default", name, strings.Join(cleared, ", "))
			}
		}
		e.logger.Infof("reloaded configuration with %d layouts", len(reg.Names()))
		for _, id := range e.store.Snapshot().WorkspaceIDs() {
			if e.recompute(ctx, id) {
				e.resyncAndLog(ctx, "window vanished during recompute")
				break
			}
		}
		return nil
	})
}

// Resync forces a full state query and recompute.
func (e *Engine) Resync(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.resync(ctx, "requested")
	})
}

// Inspect returns the current model with recent recompute history.
func (e *Engine) Inspect() Inspection {
	e.mu.Lock()
	lastGood := make(map[string]string, len(e.lastGood))
	for id, good := range e.lastGood {
		lastGood[id] = good.Strategy
	}
	e.mu.Unlock()
	return Inspection{
		Connected:     e.connected.Load(),
		Stale:         e.store.Stale(),
		World:         e.store.Snapshot(),
		LastGood:      lastGood,
		PendingEchoes: e.echo.Pending(),
		Cycles:        e.cycles.snapshot(),
		Metrics:       e.metrics.Snapshot(),
	}
}

// LastGood returns the last validated mapping of a workspace and the
// strategy that produced it.
func (e *Engine) LastGood(workspaceID string) (string, map[string]layout.Rect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	good, ok := e.lastGood[workspaceID]
	if !ok {
		return "", nil, false
	}
	mapping := make(map[string]layout.Rect, len(good.Mapping))
	for id, r := range good.Mapping {
		mapping[id] = r
	}
	return good.Strategy, mapping, true
}

func (e *Engine) trace(event string, fields map[string]any) {
	if e.logger == nil || !e.logger.Enabled(util.LevelTrace) {
		return
	}
	e.logger.Tracef("%s %s", event, formatTraceFields(fields))
}

func formatTraceFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		val, err := json.Marshal(fields[k])
		if err != nil {
			b.WriteString(strconv.Quote(fmt.Sprintf("<marshal error: %v>", err)))
			continue
		}
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String()
}

func worldDelta(prev, curr *state.World) map[string]any {
	if curr == nil {
		return map[string]any{"changed": false}
	}
	if prev == nil || (len(prev.Monitors) == 0 && len(prev.Windows) == 0) {
		return map[string]any{"initial": true, "changed": true}
	}
	delta := make(map[string]any)
	changed := false
	diff := func(key string, before, after []string) {
		added, removed := setDiff(before, after)
		if len(added) > 0 {
			delta[key+"Added"] = added
			changed = true
		}
		if len(removed) > 0 {
			delta[key+"Removed"] = removed
			changed = true
		}
	}
	diff("windows", keysOf(prev.Windows), keysOf(curr.Windows))
	diff("workspaces", keysOf(prev.Workspaces), keysOf(curr.Workspaces))
	diff("monitors", keysOf(prev.Monitors), keysOf(curr.Monitors))
	if prev.ActiveWorkspaceID != curr.ActiveWorkspaceID {
		delta["activeWorkspace"] = map[string]string{"from": prev.ActiveWorkspaceID, "to": curr.ActiveWorkspaceID}
		changed = true
	}
	if prev.FocusedWindowID != curr.FocusedWindowID {
		delta["focusedWindow"] = map[string]string{"from": prev.FocusedWindowID, "to": curr.FocusedWindowID}
		changed = true
	}
	delta["changed"] = changed
	return delta
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func setDiff(before, after []string) (added, removed []string) {
	prev := make(map[string]struct{}, len(before))
	for _, id := range before {
		prev[id] = struct{}{}
	}
	cur := make(map[string]struct{}, len(after))
	for _, id := range after {
		cur[id] = struct{}{}
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := cur[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
