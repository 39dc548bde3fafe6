package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
)

type eventDTO struct {
	Type        string         `json:"type"`
	MonitorID   string         `json:"monitorId"`
	WorkspaceID string         `json:"workspaceId"`
	WindowID    string         `json:"windowId"`
	Geometry    *layout.Rect   `json:"geometry"`
	Reserved    *layout.Insets `json:"reserved"`
	TilingMode  *string        `json:"tilingMode"`
	Detached    bool           `json:"detached"`
	Timestamp   int64          `json:"timestamp"`
}

var eventKinds = map[string]state.EventKind{
	"window_added":        state.WindowAdded,
	"window_managed":      state.WindowAdded,
	"window_removed":      state.WindowRemoved,
	"window_unmanaged":    state.WindowRemoved,
	"window_moved":        state.WindowMoved,
	"window_resized":      state.WindowMoved,
	"window_mode_changed": state.WindowMoved,
	"window_focused":      state.WindowFocusChanged,
	"focus_changed":       state.WindowFocusChanged,
	"workspace_activated": state.WorkspaceActivated,
	"monitor_changed":     state.MonitorChanged,
	"monitor_added":       state.MonitorChanged,
	"monitor_updated":     state.MonitorChanged,
	"monitor_removed":     state.MonitorChanged,
}

// Normalize decodes a raw inbound frame into an Event. Frames that cannot be
// understood come back as Unrecognized with Reason set; Normalize has no side
// effects.
func Normalize(raw []byte) state.Event {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unrecognized("envelope", raw, err)
	}
	if env.MessageType != MessageEventSubscription {
		return unrecognized(fmt.Sprintf("message type %q", env.MessageType), raw, nil)
	}
	var dto eventDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		return unrecognized("event data", raw, err)
	}
	kind, ok := eventKinds[dto.Type]
	if !ok {
		return unrecognized(fmt.Sprintf("event type %q", dto.Type), raw, nil)
	}

	ev := state.Event{
		Kind:        kind,
		MonitorID:   dto.MonitorID,
		WorkspaceID: dto.WorkspaceID,
		WindowID:    dto.WindowID,
		Geometry:    dto.Geometry,
		Reserved:    dto.Reserved,
		Detached:    dto.Detached || dto.Type == "monitor_removed",
	}
	if dto.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(dto.Timestamp)
	}
	if dto.TilingMode != nil {
		mode := state.ParseTilingMode(*dto.TilingMode)
		ev.Mode = &mode
	}
	if ev.Geometry != nil && (ev.Geometry.Width < 0 || ev.Geometry.Height < 0) {
		return unrecognized(fmt.Sprintf("%s with negative geometry", dto.Type), raw, nil)
	}

	switch kind {
	case state.WindowAdded:
		if ev.WindowID == "" || ev.WorkspaceID == "" {
			return unrecognized(dto.Type+" missing windowId or workspaceId", raw, nil)
		}
	case state.WindowRemoved, state.WindowMoved:
		if ev.WindowID == "" {
			return unrecognized(dto.Type+" missing windowId", raw, nil)
		}
	case state.WorkspaceActivated:
		if ev.WorkspaceID == "" {
			return unrecognized(dto.Type+" missing workspaceId", raw, nil)
		}
	case state.MonitorChanged:
		if ev.MonitorID == "" {
			return unrecognized(dto.Type+" missing monitorId", raw, nil)
		}
	}
	return ev
}

func unrecognized(reason string, raw []byte, err error) state.Event {
	payload := string(raw)
	if len(payload) > 256 {
		payload = payload[:256] + "..."
	}
	return state.Event{
		Kind:   state.Unrecognized,
		Reason: &DecodeError{Reason: reason, Payload: payload, Err: err},
	}
}
