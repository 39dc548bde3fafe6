package state

import (
	"context"
	"sort"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

// TilingMode describes how the window manager treats a window.
type TilingMode string

const (
	ModeTiled     TilingMode = "tiled"
	ModeFloating  TilingMode = "floating"
	ModeMinimized TilingMode = "minimized"
)

// ParseTilingMode maps window manager spellings onto a TilingMode. Unknown
// values are treated as tiled.
func ParseTilingMode(s string) TilingMode {
	switch s {
	case "floating", "float":
		return ModeFloating
	case "minimized", "minimised", "hidden":
		return ModeMinimized
	case "fullscreen":
		// Fullscreen windows are managed by the WM itself, never by us.
		return ModeFloating
	}
	return ModeTiled
}

// Window describes a managed window.
type Window struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	Geometry    layout.Rect `json:"geometry"`
	Mode        TilingMode  `json:"mode"`
	// Generation is bumped every time the agent commands this window.
	Generation uint64 `json:"generation"`
	Focused    bool   `json:"focused,omitempty"`
}

// Workspace describes a workspace and the ordered windows it tiles.
type Workspace struct {
	ID        string `json:"id"`
	MonitorID string `json:"monitorId"`
	// Windows holds window IDs in tiling insertion order.
	Windows          []string    `json:"windows"`
	Strategy         string      `json:"strategy"`
	StrategyExplicit bool        `json:"strategyExplicit,omitempty"`
	Gaps             layout.Gaps `json:"gaps"`
}

// Monitor describes a monitor and its logical size.
type Monitor struct {
	ID         string        `json:"id"`
	Rect       layout.Rect   `json:"rect"`
	Reserved   layout.Insets `json:"reserved"`
	Workspaces []string      `json:"workspaces"`
}

// World is a snapshot of the window manager model.
type World struct {
	Monitors          map[string]Monitor   `json:"monitors"`
	Workspaces        map[string]Workspace `json:"workspaces"`
	Windows           map[string]Window    `json:"windows"`
	ActiveWorkspaceID string               `json:"activeWorkspace,omitempty"`
	FocusedWindowID   string               `json:"focusedWindow,omitempty"`
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{
		Monitors:   make(map[string]Monitor),
		Workspaces: make(map[string]Workspace),
		Windows:    make(map[string]Window),
	}
}

// DataSource abstracts the full-state query used to rebuild the world.
type DataSource interface {
	QueryState(ctx context.Context) (*World, error)
}

// TiledWindows returns the tiled windows of a workspace in tiling order.
func (w *World) TiledWindows(workspaceID string) []string {
	ws, ok := w.Workspaces[workspaceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ws.Windows))
	for _, id := range ws.Windows {
		if win, ok := w.Windows[id]; ok && win.Mode == ModeTiled {
			out = append(out, id)
		}
	}
	return out
}

// MonitorForWorkspace resolves the monitor owning the workspace.
func (w *World) MonitorForWorkspace(workspaceID string) (Monitor, bool) {
	ws, ok := w.Workspaces[workspaceID]
	if !ok {
		return Monitor{}, false
	}
	mon, ok := w.Monitors[ws.MonitorID]
	return mon, ok
}

// WorkspaceIDs returns all workspace IDs sorted for stable iteration.
func (w *World) WorkspaceIDs() []string {
	ids := make([]string, 0, len(w.Workspaces))
	for id := range w.Workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloneWorld returns a deep copy of the provided world snapshot.
func CloneWorld(src *World) *World {
	if src == nil {
		return nil
	}
	out := &World{
		Monitors:          make(map[string]Monitor, len(src.Monitors)),
		Workspaces:        make(map[string]Workspace, len(src.Workspaces)),
		Windows:           make(map[string]Window, len(src.Windows)),
		ActiveWorkspaceID: src.ActiveWorkspaceID,
		FocusedWindowID:   src.FocusedWindowID,
	}
	for id, m := range src.Monitors {
		m.Workspaces = append([]string(nil), m.Workspaces...)
		out.Monitors[id] = m
	}
	for id, ws := range src.Workspaces {
		ws.Windows = append([]string(nil), ws.Windows...)
		out.Workspaces[id] = ws
	}
	for id, win := range src.Windows {
		out.Windows[id] = win
	}
	return out
}
