// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pagepatch/internal/provider"
)

// DefaultWatchdog is how long a turn may go without producing any event
// before the server gives up on it.
const DefaultWatchdog = 2 * time.Minute

var (
	// ErrNoAgent means no agent has been selected on this connection yet
	ErrNoAgent = errors.New("no agent selected")

	// ErrBusy means a submit arrived while a turn is already processing
	ErrBusy = errors.New("agent is already processing a request")

	// ErrHistoryBusy means an undo or revert is already in progress
	ErrHistoryBusy = errors.New("an undo or revert is already in progress")
)

// State is the connection's position in its lifecycle
type State string

const (
	StateNoAgent       State = "no_agent"
	StateAgentSelected State = "agent_selected"
	StateProcessing    State = "processing"
)

// Conn is the server-side state for one logical client connection. It owns
// the agent selection, the live provider session and its resumable id, and
// the transport cell frames go out through. A Conn survives the network
// connection that created it; reconnects rehome the transport and pick up
// the same session.
type Conn struct {
	transport  *TransportCell
	projectDir string
	watchdog   time.Duration

	mu         sync.Mutex
	prov       provider.Provider
	sess       provider.Session
	resumeID   string
	processing bool
	stopped    bool
	cancelTurn context.CancelFunc

	historyBusy bool
}

// NewConn creates a connection state machine homed to the given emitter.
// watchdog <= 0 selects DefaultWatchdog.
func NewConn(e Emitter, projectDir string, watchdog time.Duration) *Conn {
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	return &Conn{
		transport:  NewTransportCell(e),
		projectDir: projectDir,
		watchdog:   watchdog,
	}
}

// Rehome points the connection at a new transport. Used on reconnect.
func (c *Conn) Rehome(e Emitter) {
	c.transport.Set(e)
}

// Detach drops the transport without touching session state, so frames from
// an in-flight turn are discarded until the client reconnects.
func (c *Conn) Detach() {
	c.transport.Set(nil)
}

// Emit sends a frame through the connection's current transport
func (c *Conn) Emit(kind string, payload any) {
	c.transport.Emit(kind, payload)
}

// State reports the current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.prov == nil:
		return StateNoAgent
	case c.processing:
		return StateProcessing
	default:
		return StateAgentSelected
	}
}

// Agent returns the selected agent id, or ""
func (c *Conn) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prov == nil {
		return ""
	}
	return c.prov.ID()
}

// ProjectDir returns the directory agent sessions run in
func (c *Conn) ProjectDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectDir
}

// SetProjectDir moves the connection to a different project directory. The
// live session and its conversation id belong to the old directory, so both
// are dropped. Rejected while a turn is processing.
func (c *Conn) SetProjectDir(dir string) error {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return ErrBusy
	}
	if dir == c.projectDir {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	c.sess = nil
	c.resumeID = ""
	c.projectDir = dir
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Destroy(); err != nil {
			slog.Warn("destroying agent session on project switch", "error", err)
		}
	}
	return nil
}

// Select binds the connection to an agent backend. Selecting a different
// backend destroys the live session and forgets the resumable id; the id
// belongs to the old backend's conversation. Reselecting the current backend
// is a no-op.
func (c *Conn) Select(p provider.Provider) error {
	if err := p.Available(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return ErrBusy
	}

	var old provider.Session
	if c.prov != nil && c.prov.ID() != p.ID() {
		old = c.sess
		c.sess = nil
		c.resumeID = ""
	}
	c.prov = p
	c.mu.Unlock()

	if old != nil {
		if err := old.Destroy(); err != nil {
			slog.Warn("destroying previous agent session", "error", err)
		}
	}
	return nil
}

// Submit runs one agent turn. It creates a session on first use (resuming
// the remembered conversation when the provider supports it), emits a
// processing frame, and streams events to the transport until the turn
// reaches a terminal. onDone is called once, before the terminal frame goes
// out, with failed=true when the turn ended in an error or timeout.
//
// A second Submit while a turn is in flight returns ErrBusy.
func (c *Conn) Submit(ctx context.Context, prompt string, images []provider.Image, onDone func(failed bool)) error {
	c.mu.Lock()
	if c.prov == nil {
		c.mu.Unlock()
		return ErrNoAgent
	}
	if c.processing {
		c.mu.Unlock()
		return ErrBusy
	}

	if c.sess == nil {
		sess, err := c.prov.CreateSession(c.projectDir, c.resumeID)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.sess = sess
	}

	turnCtx, cancel := context.WithCancel(ctx)
	events, err := c.sess.Send(turnCtx, prompt, images)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return err
	}

	c.processing = true
	c.stopped = false
	c.cancelTurn = cancel
	c.mu.Unlock()

	c.transport.Emit("processing", map[string]any{"agent": c.Agent()})
	go c.stream(events, onDone)
	return nil
}

// stream forwards provider events until a terminal arrives or the watchdog
// fires. The watchdog is an inactivity timeout; any event resets it.
func (c *Conn) stream(events <-chan provider.Event, onDone func(failed bool)) {
	timer := time.NewTimer(c.watchdog)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.finish(true, "agent stream ended without a result", onDone)
				return
			}
			timer.Reset(c.watchdog)

			switch ev.Kind {
			case provider.EventDelta:
				c.transport.Emit("delta", map[string]any{"content": ev.Content})
			case provider.EventToolStart:
				c.transport.Emit("tool_start", map[string]any{"tool": ev.Tool})
			case provider.EventToolEnd:
				c.transport.Emit("tool_end", map[string]any{"tool": ev.Tool})
			case provider.EventIdle:
				c.finish(false, "", onDone)
				return
			case provider.EventError:
				if c.wasStopped() {
					// The client asked for the interrupt; not a failure
					c.finish(false, "", onDone)
					return
				}
				c.finish(true, ev.Err, onDone)
				return
			}

		case <-timer.C:
			c.timeout(onDone)
			// The producer keeps writing until the subprocess dies; keep
			// consuming so it can reach its terminal and be reaped.
			go func() {
				for range events {
				}
			}()
			return
		}
	}
}

// finish closes out a turn. A failed turn tears the session down; the
// resumable id survives so the next submit can continue the conversation.
func (c *Conn) finish(failed bool, errMsg string, onDone func(failed bool)) {
	c.mu.Lock()
	c.processing = false
	c.cancelTurn = nil
	if c.sess != nil {
		if id := c.sess.SessionID(); id != "" {
			c.resumeID = id
		}
		if failed {
			sess := c.sess
			c.sess = nil
			go sess.Destroy()
		}
	}
	c.mu.Unlock()

	if onDone != nil {
		onDone(failed)
	}

	if failed {
		if errMsg == "" {
			errMsg = "agent turn failed"
		}
		slog.Warn("agent turn failed", "agent", c.Agent(), "error", errMsg)
		c.transport.Emit("error", map[string]any{"message": errMsg})
	} else {
		c.transport.Emit("idle", nil)
	}
}

// timeout handles a watchdog expiry: terminate the turn, tear the session
// down and report an error. The client rolls its in-flight annotations back
// to pending on the error frame.
func (c *Conn) timeout(onDone func(failed bool)) {
	c.mu.Lock()
	cancel := c.cancelTurn
	sess := c.sess
	c.cancelTurn = nil
	c.sess = nil
	c.processing = false
	if sess != nil {
		if id := sess.SessionID(); id != "" {
			c.resumeID = id
		}
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		go sess.Destroy()
	}

	slog.Warn("agent turn timed out", "agent", c.Agent(), "after", c.watchdog)

	if onDone != nil {
		onDone(true)
	}
	c.transport.Emit("error", map[string]any{
		"message": fmt.Sprintf("agent produced no output for %s and was terminated", c.watchdog),
	})
}

func (c *Conn) wasStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Stop interrupts whatever the agent is doing and forces idle. It is the
// only operation allowed to interrupt Processing. The session is destroyed
// unconditionally; the resumable id is kept so the conversation can
// continue.
func (c *Conn) Stop() {
	c.mu.Lock()
	sess := c.sess
	cancel := c.cancelTurn
	inFlight := c.processing
	c.stopped = true
	c.sess = nil
	if sess != nil {
		if id := sess.SessionID(); id != "" {
			c.resumeID = id
		}
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		if err := sess.Destroy(); err != nil {
			slog.Warn("destroying agent session on stop", "error", err)
		}
	}

	// With a turn in flight the stream loop emits idle when the terminal
	// arrives; otherwise confirm idle directly.
	if !inFlight {
		c.transport.Emit("idle", nil)
	}
}

// Reset destroys the session and forgets the resumable id, giving the next
// submit a clean conversation. Rejected while a turn is processing.
func (c *Conn) Reset() error {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return ErrBusy
	}
	sess := c.sess
	c.sess = nil
	c.resumeID = ""
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Destroy(); err != nil {
			slog.Warn("destroying agent session on reset", "error", err)
		}
	}
	return nil
}

// BeginHistoryOp claims the connection's undo/revert slot. At most one
// history mutation runs at a time, and never alongside a processing turn.
// Callers must pair a successful claim with EndHistoryOp.
func (c *Conn) BeginHistoryOp() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processing {
		return ErrBusy
	}
	if c.historyBusy {
		return ErrHistoryBusy
	}
	c.historyBusy = true
	return nil
}

// EndHistoryOp releases the undo/revert slot
func (c *Conn) EndHistoryOp() {
	c.mu.Lock()
	c.historyBusy = false
	c.mu.Unlock()
}

// ResumeID returns the remembered provider conversation id, or ""
func (c *Conn) ResumeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeID
}

// Close tears down the live session. Called when the server retires the
// connection for good, not on a mere network drop.
func (c *Conn) Close() {
	c.mu.Lock()
	sess := c.sess
	cancel := c.cancelTurn
	c.sess = nil
	c.cancelTurn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Destroy()
	}
}
