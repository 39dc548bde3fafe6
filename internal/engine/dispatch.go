package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

const (
	commandBurstWindow    = 5 * time.Second
	commandBurstThreshold = 3
	commandBurstCooldown  = 5 * time.Second
	commandAttempts       = 2
)

// Sender delivers one command and waits for its acknowledgement.
type Sender interface {
	Send(ctx context.Context, cmd ipc.Command) (ipc.Ack, error)
}

// CommandError reports a command that failed on every attempt.
type CommandError struct {
	Command  ipc.Command
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Result summarizes one Converge call.
type Result struct {
	Sent      []ipc.Command
	Skipped   int
	Throttled []string
	Failed    []*CommandError
	// Resync is set when a target window vanished from the store mid-cycle.
	Resync bool
}

// Dispatcher turns target geometry into the minimal set of commands.
type Dispatcher struct {
	sender  Sender
	store   *state.Store
	echo    *EchoFilter
	logger  *util.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu          sync.Mutex
	tolerance   float64
	execHistory map[string][]time.Time
	cooldown    map[string]time.Time
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(sender Sender, store *state.Store, echo *EchoFilter, tolerance float64, logger *util.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = util.NewLogger(util.LevelInfo)
	}
	return &Dispatcher{
		sender:      sender,
		store:       store,
		echo:        echo,
		logger:      logger,
		metrics:     collector,
		now:         time.Now,
		tolerance:   tolerance,
		execHistory: make(map[string][]time.Time),
		cooldown:    make(map[string]time.Time),
	}
}

// SetTolerance changes the geometry tolerance.
func (d *Dispatcher) SetTolerance(tolerance float64) {
	d.mu.Lock()
	d.tolerance = tolerance
	d.mu.Unlock()
}

// Reset forgets burst history and cooldowns.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.execHistory = make(map[string][]time.Time)
	d.cooldown = make(map[string]time.Time)
	d.mu.Unlock()
}

// Converge issues commands so every window in order reaches its target. Windows
// already within tolerance of their target are skipped. last supplies the
// last-known geometry for each window.
func (d *Dispatcher) Converge(ctx context.Context, workspaceID string, order []string, targets map[string]layout.Rect, last map[string]state.Window) Result {
	var res Result
	d.mu.Lock()
	tolerance := d.tolerance
	d.mu.Unlock()

	for _, id := range order {
		if ctx.Err() != nil {
			return res
		}
		target, ok := targets[id]
		if !ok {
			continue
		}
		win, ok := last[id]
		if !ok {
			res.Resync = true
			continue
		}
		cmd, needed := commandFor(id, target, win.Geometry, tolerance)
		if !needed {
			res.Skipped++
			continue
		}
		if d.throttled(cmd) {
			d.logger.Warnf("window %s throttled after %d identical commands in %s [workspace %s]", id, commandBurstThreshold, commandBurstWindow, workspaceID)
			res.Throttled = append(res.Throttled, id)
			continue
		}

		generation, err := d.store.StampGeneration(id)
		if err != nil {
			if errors.Is(err, state.ErrUnknownWindow) {
				res.Resync = true
			}
			d.logger.Warnf("skip %s: %v", cmd, err)
			continue
		}
		d.echo.Expect(id, generation, cmd.Rect)

		attempts, err := d.send(ctx, cmd)
		if err != nil {
			d.echo.Forget(id)
			cerr := &CommandError{Command: cmd, Attempts: attempts, Err: err}
			res.Failed = append(res.Failed, cerr)
			d.logger.Errorf("%v", cerr)
			continue
		}
		d.store.ConfirmGeometry(id, cmd.Rect, generation)
		res.Sent = append(res.Sent, cmd)
		d.logger.Debugf("dispatched: %s (generation %d)", cmd, generation)
	}
	return res
}

// commandFor returns the command that moves a window from current to
// target, or false when current is already within tolerance. A size change
// needs a resize; a pure position change is a move.
func commandFor(id string, target, current layout.Rect, tolerance float64) (ipc.Command, bool) {
	if layout.ApproximatelyEqual(target, current, tolerance) {
		return ipc.Command{}, false
	}
	cmd := ipc.Command{Op: ipc.OpMove, WindowID: id, Rect: target.Round()}
	if math.Abs(target.Width-current.Width) > tolerance || math.Abs(target.Height-current.Height) > tolerance {
		cmd.Op = ipc.OpResize
	}
	return cmd, true
}

func (d *Dispatcher) send(ctx context.Context, cmd ipc.Command) (int, error) {
	var err error
	for attempt := 1; attempt <= commandAttempts; attempt++ {
		_, err = d.sender.Send(ctx, cmd)
		d.metrics.RecordCommand(string(cmd.Op), err == nil, attempt > 1)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if attempt < commandAttempts {
			d.logger.Debugf("retrying %s: %v", cmd, err)
		}
	}
	return commandAttempts, err
}

// throttled records cmd and reports whether the window exceeded its burst
// budget. A window manager that clamps a window to a minimum size would
// otherwise be asked for the same impossible geometry forever.
func (d *Dispatcher) throttled(cmd ipc.Command) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if until, ok := d.cooldown[cmd.WindowID]; ok {
		if until.After(now) {
			return true
		}
		delete(d.cooldown, cmd.WindowID)
	}
	sig := cmd.String()
	windowStart := now.Add(-commandBurstWindow)
	history := d.execHistory[sig]
	pruned := history[:0]
	for _, ts := range history {
		if ts.After(windowStart) {
			pruned = append(pruned, ts)
		}
	}
	pruned = append(pruned, now)
	d.execHistory[sig] = pruned
	if len(pruned) > commandBurstThreshold {
		d.cooldown[cmd.WindowID] = now.Add(commandBurstCooldown)
		delete(d.execHistory, sig)
		return true
	}
	return false
}
