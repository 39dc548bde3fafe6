package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// DefaultURL is where GlazeWM-compatible window managers listen.
const DefaultURL = "ws://localhost:6123"

// ConnState describes the transport's connection lifecycle.
type ConnState int

const (
	Connected ConnState = iota
	Disconnected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Status reports a change in the connection lifecycle.
type Status struct {
	State   ConnState
	Attempt int
	Delay   time.Duration
	Err     error
}

// Inbound is one item of the transport's message sequence: either a raw
// event payload or a connection status change.
type Inbound struct {
	Payload []byte
	Status  *Status
}

// Options configures a Transport.
type Options struct {
	URL            string
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StableAfter is how long a connection must stay up before a drop
	// restarts the backoff from its initial delay. Defaults to 5s.
	StableAfter time.Duration
	Events      []string
	Logger      *util.Logger
	// Dial replaces the websocket dialer, mainly for tests.
	Dial func(ctx context.Context, url string, opts ConnOptions) (*Conn, error)
}

// Transport keeps a connection to the window manager alive across drops and
// exposes everything it receives as one ordered, unbounded sequence.
type Transport struct {
	opts    Options
	logger  *util.Logger
	backoff *Backoff

	queue *queue

	mu   sync.RWMutex
	conn *Conn
}

// New returns a transport that starts connecting once Run is called.
func New(opts Options) *Transport {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if len(opts.Events) == 0 {
		opts.Events = DefaultEvents
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(util.LevelInfo)
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 5 * time.Second
	}
	return &Transport{
		opts:    opts,
		logger:  opts.Logger,
		backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax),
		queue:   newQueue(),
	}
}

// Inbound returns the message sequence. It stays open until Run returns.
func (t *Transport) Inbound() <-chan Inbound {
	return t.queue.out
}

// Connected reports whether a connection is currently up.
func (t *Transport) Connected() bool {
	return t.current() != nil
}

func (t *Transport) current() *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

func (t *Transport) setConn(c *Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// Run connects, subscribes and keeps reconnecting with backoff until ctx is
// cancelled. It never gives up on its own.
func (t *Transport) Run(ctx context.Context) error {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		t.queue.pump(ctx)
	}()
	defer func() { <-pumpDone }()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if !t.pause(ctx, attempt, err) {
				return nil
			}
			continue
		}

		t.setConn(conn)
		t.logger.Infof("connected to %s", t.opts.URL)
		t.queue.push(Inbound{Status: &Status{State: Connected}})
		connectedAt := time.Now()

		select {
		case <-ctx.Done():
			t.setConn(nil)
			conn.Close()
			return nil
		case <-conn.Done():
		}
		t.setConn(nil)
		t.logger.Warnf("connection lost: %v", conn.Err())
		t.queue.push(Inbound{Status: &Status{State: Disconnected, Err: conn.Err()}})

		// Only a connection that stayed up resets the backoff; one that is
		// accepted and dropped straight away keeps climbing.
		if time.Since(connectedAt) >= t.opts.StableAfter {
			attempt = 0
		}
		attempt++
		if !t.pause(ctx, attempt, conn.Err()) {
			return nil
		}
	}
}

// pause announces reconnect attempt and sleeps for its backoff delay. It
// reports false when ctx was cancelled while waiting.
func (t *Transport) pause(ctx context.Context, attempt int, cause error) bool {
	delay := t.backoff.Delay(attempt - 1)
	t.logger.Warnf("reconnecting to %s in %s (attempt %d): %v", t.opts.URL, delay.Round(time.Millisecond), attempt, cause)
	t.queue.push(Inbound{Status: &Status{State: Reconnecting, Attempt: attempt, Delay: delay, Err: cause}})
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) connect(ctx context.Context) (*Conn, error) {
	conn, err := t.opts.Dial(ctx, t.opts.URL, ConnOptions{
		ConnectTimeout: t.opts.ConnectTimeout,
		AckTimeout:     t.opts.AckTimeout,
		OnMessage:      func(data []byte) { t.queue.push(Inbound{Payload: data}) },
		Logger:         t.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Subscribe(ctx, t.opts.Events); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Send issues cmd on the live connection.
func (t *Transport) Send(ctx context.Context, cmd Command) (Ack, error) {
	conn := t.current()
	if conn == nil {
		return Ack{}, &TransportError{Op: "send", Err: ErrNotConnected}
	}
	return conn.Send(ctx, cmd)
}

// QueryState fetches the full window manager state on the live connection.
func (t *Transport) QueryState(ctx context.Context) (*state.World, error) {
	conn := t.current()
	if conn == nil {
		return nil, &TransportError{Op: "query", Err: ErrNotConnected}
	}
	return conn.QueryState(ctx)
}

// queue decouples the connection's read goroutine from the consumer so
// replies keep flowing while the consumer is busy.
type queue struct {
	mu     sync.Mutex
	items  []Inbound
	notify chan struct{}
	out    chan Inbound
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1), out: make(chan Inbound)}
}

func (q *queue) push(item Inbound) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Inbound{}, false
	}
	item := q.items[0]
	q.items[0] = Inbound{}
	q.items = q.items[1:]
	return item, true
}

func (q *queue) pump(ctx context.Context) {
	defer close(q.out)
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case q.out <- item:
		}
	}
}
