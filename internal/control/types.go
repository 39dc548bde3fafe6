package control

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/orbi-tal/glaze-autotiler/internal/engine"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// SocketEnv overrides the control socket location.
	SocketEnv = "GLAZE_AUTOTILER_CONTROL_SOCKET"

	// Action names supported by the control protocol.
	ActionLayoutList = "layout.list"
	ActionLayoutSet  = "layout.set"
	ActionReload     = "reload"
	ActionResync     = "resync"
	ActionInspect    = "inspect"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// LayoutInfo mirrors one selectable layout.
type LayoutInfo = engine.LayoutInfo

// LayoutList is the payload of layout.list.
type LayoutList struct {
	Layouts []LayoutInfo `json:"layouts"`
}

// SetLayoutResult reports what layout.set changed.
type SetLayoutResult struct {
	Workspace string `json:"workspace,omitempty"`
	Layout    string `json:"layout"`
	Default   bool   `json:"default,omitempty"`
}

// Inspection is the payload of inspect.
type Inspection = engine.Inspection

// Cycle is one recompute entry of an Inspection.
type Cycle = engine.Cycle

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv(SocketEnv); env != "" {
		return env, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "glaze-autotiler", SocketFileName), nil
}
