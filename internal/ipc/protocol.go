package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
)

// Message types carried in the messageType field of inbound frames.
const (
	MessageClientResponse    = "client_response"
	MessageEventSubscription = "event_subscription"
)

// DefaultEvents is the set of event types the agent subscribes to.
var DefaultEvents = []string{
	"window_added",
	"window_removed",
	"window_moved",
	"window_resized",
	"window_focused",
	"window_mode_changed",
	"workspace_activated",
	"monitor_changed",
}

// Op is a geometry command understood by the window manager.
type Op string

const (
	OpMove   Op = "move"
	OpResize Op = "resize"
)

// Command asks the window manager to place a window.
type Command struct {
	Op       Op          `json:"op"`
	WindowID string      `json:"windowId"`
	Rect     layout.Rect `json:"rect"`
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s %v", c.Op, c.WindowID, c.Rect)
}

// Ack is the window manager's reply to a request.
type Ack struct {
	RequestID string
	Success   bool
	Error     string
}

var (
	// ErrNotConnected is returned by sends while no connection is up.
	ErrNotConnected = errors.New("not connected")
	// ErrAckTimeout is returned when no reply arrives within the ack timeout.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrRejected is returned when the window manager refuses a request.
	ErrRejected = errors.New("request rejected")
)

// TransportError wraps a failure of the connection itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError describes an inbound payload the normalizer could not use.
type DecodeError struct {
	Reason  string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Reason, e.Err)
	}
	return "decode " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type request struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Events  []string    `json:"events,omitempty"`
	Target  string      `json:"target,omitempty"`
	Command *commandMsg `json:"-"`
}

type commandMsg struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Op       Op          `json:"op"`
	WindowID string      `json:"windowId"`
	Rect     layout.Rect `json:"rect"`
}

func (r request) MarshalJSON() ([]byte, error) {
	if r.Command != nil {
		msg := *r.Command
		msg.ID, msg.Type = r.ID, r.Type
		return json.Marshal(msg)
	}
	type plain request
	return json.Marshal(plain(r))
}

type envelope struct {
	MessageType string          `json:"messageType"`
	RequestID   string          `json:"requestId"`
	Success     bool            `json:"success"`
	Error       string          `json:"error"`
	Data        json.RawMessage `json:"data"`
}

type windowDTO struct {
	ID         string      `json:"id"`
	Geometry   layout.Rect `json:"geometry"`
	TilingMode string      `json:"tilingMode"`
	Focused    bool        `json:"focused"`
}

type workspaceDTO struct {
	ID      string      `json:"id"`
	Active  bool        `json:"active"`
	Windows []windowDTO `json:"windows"`
}

type monitorDTO struct {
	ID         string         `json:"id"`
	Rect       layout.Rect    `json:"rect"`
	Reserved   layout.Insets  `json:"reserved"`
	Workspaces []workspaceDTO `json:"workspaces"`
}

type stateDTO struct {
	Monitors []monitorDTO `json:"monitors"`
}

// decodeState converts a full-state query reply into a world snapshot.
func decodeState(data []byte) (*state.World, error) {
	var dto stateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, &DecodeError{Reason: "state", Err: err}
	}
	world := state.NewWorld()
	for _, m := range dto.Monitors {
		if m.ID == "" {
			return nil, &DecodeError{Reason: "state: monitor without id"}
		}
		mon := state.Monitor{ID: m.ID, Rect: m.Rect, Reserved: m.Reserved}
		for _, ws := range m.Workspaces {
			if ws.ID == "" {
				return nil, &DecodeError{Reason: "state: workspace without id"}
			}
			if _, dup := world.Workspaces[ws.ID]; dup {
				return nil, &DecodeError{Reason: "state: workspace " + ws.ID + " listed twice"}
			}
			mon.Workspaces = append(mon.Workspaces, ws.ID)
			workspace := state.Workspace{ID: ws.ID, MonitorID: m.ID}
			if ws.Active {
				world.ActiveWorkspaceID = ws.ID
			}
			for _, w := range ws.Windows {
				if w.ID == "" {
					return nil, &DecodeError{Reason: "state: window without id"}
				}
				if prev, dup := world.Windows[w.ID]; dup {
					return nil, &DecodeError{Reason: "state: window " + w.ID + " in workspaces " + prev.WorkspaceID + " and " + ws.ID}
				}
				workspace.Windows = append(workspace.Windows, w.ID)
				world.Windows[w.ID] = state.Window{
					ID:          w.ID,
					WorkspaceID: ws.ID,
					Geometry:    w.Geometry,
					Mode:        state.ParseTilingMode(w.TilingMode),
					Focused:     w.Focused,
				}
				if w.Focused {
					world.FocusedWindowID = w.ID
				}
			}
			world.Workspaces[ws.ID] = workspace
		}
		world.Monitors[m.ID] = mon
	}
	return world, nil
}
