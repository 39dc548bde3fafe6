package ipc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeRequest struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Events   []string        `json:"events"`
	Target   string          `json:"target"`
	Op       string          `json:"op"`
	WindowID string          `json:"windowId"`
	Rect     json.RawMessage `json:"rect"`
}

// fakeWM is a websocket server speaking the window manager protocol.
type fakeWM struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*fakeConn
	requests []fakeRequest
	state    string
	reject   bool
	silent   bool
	// hangUp closes every connection right after acking its subscribe.
	hangUp   bool
	accepted int
}

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func newFakeWM(t *testing.T) *fakeWM {
	t.Helper()
	f := &fakeWM{t: t, state: `{"monitors":[]}`}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWM) configure(fn func(f *fakeWM)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeWM) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeWM) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.accepted++
	f.mu.Unlock()
	for {
		var req fakeRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		reject, silent, hangUp, data := f.reject, f.silent, f.hangUp, f.state
		f.mu.Unlock()
		if silent && req.Type == "command" {
			continue
		}
		reply := map[string]any{
			"messageType": MessageClientResponse,
			"requestId":   req.ID,
			"success":     !(reject && req.Type == "command"),
		}
		if reject && req.Type == "command" {
			reply["error"] = "window is gone"
		}
		if req.Type == "query" {
			reply["data"] = json.RawMessage(data)
		}
		if err := conn.write(reply); err != nil {
			return
		}
		if hangUp && req.Type == "subscribe" {
			ws.Close()
			return
		}
	}
}

func (f *fakeWM) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeWM) pushEvent(data string) {
	f.mu.Lock()
	conns := append([]*fakeConn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.write(map[string]any{
			"messageType": MessageEventSubscription,
			"data":        json.RawMessage(data),
		})
	}
}

func (f *fakeWM) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (f *fakeWM) requestsOfType(kind string) []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRequest
	for _, r := range f.requests {
		if r.Type == kind {
			out = append(out, r)
		}
	}
	return out
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
