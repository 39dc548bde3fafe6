package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

var (
	ErrUnknownWindow    = errors.New("unknown window")
	ErrUnknownWorkspace = errors.New("unknown workspace")
	ErrInvalidEvent     = errors.New("invalid event")
)

// WorkspaceOverride pins a strategy or gaps for one workspace ID.
type WorkspaceOverride struct {
	Strategy string
	Gaps     *layout.Gaps
}

// Defaults are the configured values new workspaces start from.
type Defaults struct {
	Strategy   string
	Gaps       layout.Gaps
	Workspaces map[string]WorkspaceOverride
}

func (d Defaults) forWorkspace(id string) (string, layout.Gaps) {
	strategy, gaps := d.Strategy, d.Gaps
	if o, ok := d.Workspaces[id]; ok {
		if o.Strategy != "" {
			strategy = o.Strategy
		}
		if o.Gaps != nil {
			gaps = *o.Gaps
		}
	}
	return strategy, gaps
}

// Change lists what an applied event affected.
type Change struct {
	// Workspaces whose tiling needs recomputing, sorted.
	Workspaces []string
	// Resync is set when the event cannot be applied incrementally.
	Resync bool
}

func (c *Change) touch(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		found := false
		for _, existing := range c.Workspaces {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			c.Workspaces = append(c.Workspaces, id)
		}
	}
	sort.Strings(c.Workspaces)
}

// Store holds the authoritative model of monitors, workspaces and windows.
// Every mutation runs under a single lock so observers never see a window
// owned by two workspaces.
type Store struct {
	mu       sync.RWMutex
	world    *World
	defaults Defaults
	stale    bool
}

// NewStore returns an empty store that is stale until the first Resync.
func NewStore(defaults Defaults) *Store {
	return &Store{world: NewWorld(), defaults: defaults, stale: true}
}

// Snapshot returns a deep copy of the current model.
func (s *Store) Snapshot() *World {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneWorld(s.world)
}

// Window returns one window without cloning the whole model.
func (s *Store) Window(id string) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	win, ok := s.world.Windows[id]
	return win, ok
}

// Stale reports whether the model may have diverged from the window manager.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// MarkStale flags the model as untrusted until the next Resync.
func (s *Store) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// Resync replaces the model with a freshly queried world. Explicit strategy
// selections and window generation counters survive by ID.
func (s *Store) Resync(fresh *World) {
	next := CloneWorld(fresh)
	if next == nil {
		next = NewWorld()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ws := range next.Workspaces {
		strategy, gaps := s.defaults.forWorkspace(id)
		ws.Strategy = strategy
		ws.StrategyExplicit = false
		ws.Gaps = gaps
		if prev, ok := s.world.Workspaces[id]; ok && prev.StrategyExplicit {
			ws.Strategy = prev.Strategy
			ws.StrategyExplicit = true
		}
		next.Workspaces[id] = ws
	}
	for id, win := range next.Windows {
		if prev, ok := s.world.Windows[id]; ok && prev.Generation > win.Generation {
			win.Generation = prev.Generation
			next.Windows[id] = win
		}
	}
	s.world = next
	s.stale = false
}

// Apply folds one event into the model atomically.
func (s *Store) Apply(ev Event) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var change Change
	w := s.world

	switch ev.Kind {
	case WindowAdded:
		if ev.WindowID == "" || ev.WorkspaceID == "" {
			return change, fmt.Errorf("%w: %s without window or workspace", ErrInvalidEvent, ev.Kind)
		}
		s.ensureWorkspace(ev.WorkspaceID, ev.MonitorID)
		win, exists := w.Windows[ev.WindowID]
		if !exists {
			win = Window{ID: ev.WindowID, Mode: ModeTiled}
		}
		if ev.Geometry != nil {
			win.Geometry = *ev.Geometry
		}
		if ev.Mode != nil {
			win.Mode = *ev.Mode
		}
		if exists && win.WorkspaceID != ev.WorkspaceID {
			change.touch(win.WorkspaceID)
			s.detachWindow(win.ID, win.WorkspaceID)
		}
		if !exists || win.WorkspaceID != ev.WorkspaceID {
			s.attachWindow(win.ID, ev.WorkspaceID)
		}
		win.WorkspaceID = ev.WorkspaceID
		w.Windows[win.ID] = win
		change.touch(ev.WorkspaceID)

	case WindowRemoved:
		win, ok := w.Windows[ev.WindowID]
		if !ok {
			return change, fmt.Errorf("%w: %s", ErrUnknownWindow, ev.WindowID)
		}
		s.detachWindow(win.ID, win.WorkspaceID)
		delete(w.Windows, win.ID)
		if w.FocusedWindowID == win.ID {
			w.FocusedWindowID = ""
		}
		change.touch(win.WorkspaceID)

	case WindowMoved:
		win, ok := w.Windows[ev.WindowID]
		if !ok {
			return change, fmt.Errorf("%w: %s", ErrUnknownWindow, ev.WindowID)
		}
		prevMode := win.Mode
		if ev.Geometry != nil {
			win.Geometry = *ev.Geometry
		}
		if ev.Mode != nil {
			win.Mode = *ev.Mode
		}
		if ev.WorkspaceID != "" && ev.WorkspaceID != win.WorkspaceID {
			s.ensureWorkspace(ev.WorkspaceID, ev.MonitorID)
			s.detachWindow(win.ID, win.WorkspaceID)
			s.attachWindow(win.ID, ev.WorkspaceID)
			change.touch(win.WorkspaceID, ev.WorkspaceID)
			win.WorkspaceID = ev.WorkspaceID
		}
		if win.Mode != prevMode || win.Mode == ModeTiled {
			change.touch(win.WorkspaceID)
		}
		w.Windows[win.ID] = win

	case WindowFocusChanged:
		if prev, ok := w.Windows[w.FocusedWindowID]; ok {
			prev.Focused = false
			w.Windows[prev.ID] = prev
		}
		w.FocusedWindowID = ""
		if win, ok := w.Windows[ev.WindowID]; ok {
			win.Focused = true
			w.Windows[win.ID] = win
			w.FocusedWindowID = win.ID
		}

	case WorkspaceActivated:
		if ev.WorkspaceID == "" {
			return change, fmt.Errorf("%w: %s without workspace", ErrInvalidEvent, ev.Kind)
		}
		s.ensureWorkspace(ev.WorkspaceID, ev.MonitorID)
		w.ActiveWorkspaceID = ev.WorkspaceID
		change.touch(ev.WorkspaceID)

	case MonitorChanged:
		if ev.MonitorID == "" {
			return change, fmt.Errorf("%w: %s without monitor", ErrInvalidEvent, ev.Kind)
		}
		if ev.Detached {
			s.removeMonitor(ev.MonitorID)
			// The WM migrates orphaned workspaces itself; only a full query
			// tells us where they went.
			change.Resync = true
			return change, nil
		}
		mon := s.ensureMonitor(ev.MonitorID)
		if ev.Geometry != nil {
			mon.Rect = *ev.Geometry
		}
		if ev.Reserved != nil {
			mon.Reserved = *ev.Reserved
		}
		w.Monitors[mon.ID] = mon
		change.touch(mon.Workspaces...)

	default:
		return change, fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}
	return change, nil
}

// RecordGeometry updates last-known geometry without affecting anything else.
// Used for echoes of our own commands.
func (s *Store) RecordGeometry(windowID string, rect layout.Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if win, ok := s.world.Windows[windowID]; ok {
		win.Geometry = rect
		s.world.Windows[windowID] = win
	}
}

// StampGeneration bumps and returns the generation tag for a window about to
// be commanded.
func (s *Store) StampGeneration(windowID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.world.Windows[windowID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWindow, windowID)
	}
	win.Generation++
	s.world.Windows[windowID] = win
	return win.Generation, nil
}

// ConfirmGeometry records rect as the window's geometry after the window
// manager acknowledged the command stamped with generation. Acks for
// superseded generations are ignored.
func (s *Store) ConfirmGeometry(windowID string, rect layout.Rect, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.world.Windows[windowID]
	if !ok || win.Generation != generation {
		return false
	}
	win.Geometry = rect
	s.world.Windows[windowID] = win
	return true
}

// SetStrategy records an explicit strategy selection for a workspace.
func (s *Store) SetStrategy(workspaceID, strategy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.world.Workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
	}
	ws.Strategy = strategy
	ws.StrategyExplicit = true
	s.world.Workspaces[workspaceID] = ws
	return nil
}

// ApplyDefaults installs new configured defaults. Workspaces without an
// explicit selection switch to the new default strategy; gaps always follow
// configuration. It returns the workspaces whose tiling inputs changed.
func (s *Store) ApplyDefaults(d Defaults) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = d
	var change Change
	for id, ws := range s.world.Workspaces {
		strategy, gaps := d.forWorkspace(id)
		before := ws
		if !ws.StrategyExplicit {
			ws.Strategy = strategy
		}
		ws.Gaps = gaps
		if before.Strategy != ws.Strategy || before.Gaps != ws.Gaps {
			change.touch(id)
		}
		s.world.Workspaces[id] = ws
	}
	return change.Workspaces
}

// ClearStrategy drops explicit selections of strategy, returning affected
// workspaces to the default. Used when a strategy disappears from the
// registry.
func (s *Store) ClearStrategy(strategy string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var change Change
	for id, ws := range s.world.Workspaces {
		if ws.Strategy != strategy {
			continue
		}
		ws.Strategy, _ = s.defaults.forWorkspace(id)
		ws.StrategyExplicit = false
		s.world.Workspaces[id] = ws
		change.touch(id)
	}
	return change.Workspaces
}

func (s *Store) ensureMonitor(id string) Monitor {
	mon, ok := s.world.Monitors[id]
	if !ok {
		mon = Monitor{ID: id}
		s.world.Monitors[id] = mon
	}
	return mon
}

func (s *Store) ensureWorkspace(id, monitorID string) {
	ws, ok := s.world.Workspaces[id]
	if !ok {
		strategy, gaps := s.defaults.forWorkspace(id)
		ws = Workspace{ID: id, Strategy: strategy, Gaps: gaps}
	}
	if monitorID != "" && ws.MonitorID != monitorID {
		if old, ok := s.world.Monitors[ws.MonitorID]; ok {
			old.Workspaces = without(old.Workspaces, id)
			s.world.Monitors[old.ID] = old
		}
		mon := s.ensureMonitor(monitorID)
		mon.Workspaces = append(without(mon.Workspaces, id), id)
		s.world.Monitors[monitorID] = mon
		ws.MonitorID = monitorID
	}
	s.world.Workspaces[id] = ws
}

func (s *Store) removeMonitor(id string) {
	mon, ok := s.world.Monitors[id]
	if !ok {
		return
	}
	for _, wsID := range mon.Workspaces {
		ws := s.world.Workspaces[wsID]
		for _, winID := range ws.Windows {
			delete(s.world.Windows, winID)
		}
		delete(s.world.Workspaces, wsID)
	}
	delete(s.world.Monitors, id)
}

func (s *Store) attachWindow(windowID, workspaceID string) {
	ws := s.world.Workspaces[workspaceID]
	ws.Windows = append(without(ws.Windows, windowID), windowID)
	s.world.Workspaces[workspaceID] = ws
}

func (s *Store) detachWindow(windowID, workspaceID string) {
	ws, ok := s.world.Workspaces[workspaceID]
	if !ok {
		return
	}
	ws.Windows = without(ws.Windows, windowID)
	s.world.Workspaces[workspaceID] = ws
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
