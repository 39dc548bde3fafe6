package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/control"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 3 * time.Second
)

// Client talks to the running daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// LayoutInfo mirrors one selectable layout.
	LayoutInfo = control.LayoutInfo
	// SetLayoutResult reports what a layout change touched.
	SetLayoutResult = control.SetLayoutResult
	// Inspection is the daemon's introspection payload.
	Inspection = control.Inspection
	// Cycle is one recompute entry of an Inspection.
	Cycle = control.Cycle
)

// New creates a client that connects to the provided socket path. When path is
// empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Layouts lists the layouts the daemon knows about.
func (c *Client) Layouts(ctx context.Context) ([]LayoutInfo, error) {
	var list control.LayoutList
	if err := c.do(ctx, control.Request{Action: control.ActionLayoutList}, &list); err != nil {
		return nil, err
	}
	return list.Layouts, nil
}

// SetLayout selects a layout for workspace, or the active workspace when
// workspace is empty. With persist the layout also becomes the configured
// default.
func (c *Client) SetLayout(ctx context.Context, workspace, layout string, persist bool) (SetLayoutResult, error) {
	if layout == "" {
		return SetLayoutResult{}, errors.New("layout name cannot be empty")
	}
	params := map[string]any{"layout": layout}
	if workspace != "" {
		params["workspace"] = workspace
	}
	if persist {
		params["default"] = true
	}
	var result SetLayoutResult
	if err := c.do(ctx, control.Request{Action: control.ActionLayoutSet, Params: params}, &result); err != nil {
		return SetLayoutResult{}, err
	}
	return result, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

// Resync asks the daemon to re-query the window manager and recompute.
func (c *Client) Resync(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionResync}, nil)
}

// Inspect retrieves the daemon's model, recompute history, and counters.
func (c *Client) Inspect(ctx context.Context) (Inspection, error) {
	var inspection Inspection
	if err := c.do(ctx, control.Request{Action: control.ActionInspect}, &inspection); err != nil {
		return Inspection{}, err
	}
	return inspection, nil
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
