package state

import (
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

// EventKind enumerates the normalized window manager events.
type EventKind string

const (
	WindowAdded        EventKind = "WindowAdded"
	WindowRemoved      EventKind = "WindowRemoved"
	WindowMoved        EventKind = "WindowMoved"
	WindowFocusChanged EventKind = "WindowFocusChanged"
	WorkspaceActivated EventKind = "WorkspaceActivated"
	MonitorChanged     EventKind = "MonitorChanged"
	Unrecognized       EventKind = "Unrecognized"
)

// Event is a window manager notification in its normalized form. Optional
// fields are nil when the source message did not carry them.
type Event struct {
	Kind        EventKind
	MonitorID   string
	WorkspaceID string
	WindowID    string
	Geometry    *layout.Rect
	Reserved    *layout.Insets
	Mode        *TilingMode
	Detached    bool
	Timestamp   time.Time
	// Reason explains why an event is Unrecognized.
	Reason error
}
