package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultAckTimeout     = time.Second
)

// ConnOptions tunes a single connection.
type ConnOptions struct {
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	// OnMessage receives every frame that is not a reply to a request. It
	// must not block.
	OnMessage func([]byte)
	Logger    *util.Logger
}

// Conn is one websocket session with the window manager. Replies are matched
// to requests by ID on the read goroutine, so a caller waiting for an ack is
// never starved by event traffic.
type Conn struct {
	ws         *websocket.Conn
	ackTimeout time.Duration
	onMessage  func([]byte)
	logger     *util.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string, opts ConnOptions) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(util.LevelInfo)
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	c := &Conn{
		ws:         ws,
		ackTimeout: opts.AckTimeout,
		onMessage:  opts.OnMessage,
		logger:     opts.Logger,
		pending:    make(map[string]chan envelope),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the connection down. Pending requests fail.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(&TransportError{Op: "read", Err: err})
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err == nil && env.MessageType == MessageClientResponse && env.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			delete(c.pending, env.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- env
			} else {
				c.logger.Debugf("reply for unknown request %s", env.RequestID)
			}
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Conn) request(ctx context.Context, req request) (envelope, error) {
	req.ID = uuid.NewString()
	reply := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s request: %w", req.Type, err)
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.ackTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(&TransportError{Op: "write", Err: err})
		return envelope{}, &TransportError{Op: "send", Err: err}
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case env := <-reply:
		if !env.Success {
			reason := env.Error
			if reason == "" {
				reason = "no reason given"
			}
			return env, fmt.Errorf("%w: %s", ErrRejected, reason)
		}
		return env, nil
	case <-timer.C:
		return envelope{}, &TransportError{Op: req.Type, Err: ErrAckTimeout}
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-c.done:
		if c.err != nil {
			return envelope{}, c.err
		}
		return envelope{}, &TransportError{Op: req.Type, Err: ErrNotConnected}
	}
}

// Subscribe asks the window manager to stream the given event types.
func (c *Conn) Subscribe(ctx context.Context, events []string) error {
	_, err := c.request(ctx, request{Type: "subscribe", Events: events})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Send issues a geometry command and waits for its acknowledgement.
func (c *Conn) Send(ctx context.Context, cmd Command) (Ack, error) {
	env, err := c.request(ctx, request{Type: "command", Command: &commandMsg{
		Op:       cmd.Op,
		WindowID: cmd.WindowID,
		Rect:     cmd.Rect.Round(),
	}})
	ack := Ack{RequestID: env.RequestID, Success: err == nil && env.Success, Error: env.Error}
	return ack, err
}

// QueryState fetches the complete monitor/workspace/window tree.
func (c *Conn) QueryState(ctx context.Context) (*state.World, error) {
	env, err := c.request(ctx, request{Type: "query", Target: "state"})
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	return decodeState(env.Data)
}
