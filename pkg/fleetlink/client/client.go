package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/backoff"
	"github.com/tsarna/fleetlink/pkg/fleetlink/dispatch"
	"github.com/tsarna/fleetlink/pkg/fleetlink/o11y"
	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit when the command was dropped
	// because no connection is open. Commands are never queued.
	ErrNotConnected = errors.New("client is not connected")

	// ErrInvalidState is returned by Connect outside Disconnected and Failed.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrNoToken is returned by Reconnect before any token was supplied.
	ErrNoToken = errors.New("no token available")

	// ErrUnauthorized wraps dial failures where the server rejected the token.
	ErrUnauthorized = errors.New("server rejected credentials")
)

// ErrorCodeReconnectFailed is the code of the local ErrorEvent dispatched
// when the client gives up reconnecting.
const ErrorCodeReconnectFailed = "reconnect_failed"

// Status is the snapshot returned by Client.Status.
type Status struct {
	Connected   bool                      `json:"connected"`
	State       fleetlink.ConnectionState `json:"-"`
	Attempts    int                       `json:"attempts"`
	MaxAttempts int                       `json:"maxAttempts"`
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	From     fleetlink.ConnectionState
	To       fleetlink.ConnectionState
	Attempts int
	Err      error // cause of the transition, if any
}

// Monitor is notified of every state transition, after it happened and
// without any client lock held.
type Monitor interface {
	OnStateChange(ctx context.Context, client *Client, change StateChange)
}

// Client owns the single live connection to the dashboard server. It
// authenticates with a bearer token, reconnects according to its backoff
// counters, decodes inbound frames and dispatches them to registered
// handlers, and emits outbound commands while connected.
//
// All state is owned by the Client; callers observe it only through
// IsConnected, Status and the Monitor hook.
type Client struct {
	// Configuration
	url          string
	logger       *zap.Logger
	dialer       Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	limits       backoff.Counters
	jitter       float64
	random       func() float64
	announce     bool
	monitor      Monitor
	registry     *dispatch.Registry
	metrics      *o11y.Instruments

	// Connection state
	mu           sync.Mutex
	state        fleetlink.ConnectionState
	attempts     int
	conn         Conn
	token        string
	connectionID string
	generation   uint64 // bumped by every Connect and teardown; stale loops compare against it
	cancel       context.CancelFunc
}

// Connect starts connecting with the given bearer token and returns without
// waiting for the transport to open. ctx bounds the lifetime of the
// connection including automatic retries.
//
// An empty token is a no-op that logs a warning, so callers may call
// Connect before authentication is ready. Connect is only valid while
// Disconnected or Failed; otherwise it returns ErrInvalidState.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		c.logger.Warn("Connect called without a token, ignoring")
		return nil
	}

	c.mu.Lock()
	if !c.state.CanConnect() {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Connect called while connection is active", zap.Stringer("state", state))
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, state)
	}

	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.token = token
	c.attempts = 0
	c.generation++
	gen := c.generation
	c.cancel = cancel
	change := c.setStateLocked(fleetlink.StateConnecting, nil)
	c.mu.Unlock()

	c.notify(ctx, change)
	c.logger.Info("Connecting to server", zap.String("url", c.url))

	go c.run(runCtx, gen, token)
	return nil
}

// Disconnect closes the connection, cancels any pending reconnect, removes
// every registered handler and leaves the client Disconnected. It is safe
// to call in any state and more than once.
func (c *Client) Disconnect() error {
	change := c.teardown("client disconnect")
	c.registry.Clear()

	c.notify(context.Background(), change)
	c.logger.Info("Disconnected")
	return nil
}

// Reconnect tears the transport down and connects afresh with the last
// token, resetting the reconnect counters. Registered handlers are kept.
// It is the way out of the Failed state.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		return ErrNoToken
	}

	change := c.teardown("client reconnect")
	c.notify(ctx, change)
	c.logger.Info("Reconnecting on request")

	return c.Connect(ctx, token)
}

// IsConnected reports whether the client is Connected and its transport
// still reports itself open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Client) connectedLocked() bool {
	return c.state == fleetlink.StateConnected && c.conn != nil && c.conn.IsOpen()
}

// State returns the current lifecycle state.
func (c *Client) State() fleetlink.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the connection state and reconnect counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Connected:   c.connectedLocked(),
		State:       c.state,
		Attempts:    c.attempts,
		MaxAttempts: c.countersLocked().MaxAttempts,
	}
}

// URL returns the server URL the client dials.
func (c *Client) URL() string { return c.url }

// On registers handler for eventType. See dispatch.Registry.On.
func (c *Client) On(eventType fleetlink.EventType, handler fleetlink.Handler) dispatch.Registration {
	return c.registry.On(eventType, handler)
}

// OnAny registers handler for every event.
func (c *Client) OnAny(handler fleetlink.Handler) dispatch.Registration {
	return c.registry.OnAny(handler)
}

// Off removes handlers for eventType; with no registrations, all of them.
func (c *Client) Off(eventType fleetlink.EventType, registrations ...dispatch.Registration) {
	c.registry.Off(eventType, registrations...)
}

// Remove removes one registration regardless of its event name.
func (c *Client) Remove(registration dispatch.Registration) {
	c.registry.Remove(registration)
}

// Emit sends one command frame. While not connected the command is dropped
// with a warning and ErrNotConnected is returned; nothing is buffered.
func (c *Client) Emit(ctx context.Context, name string, data any) error {
	label := o11y.Label{Key: "command", Value: name}

	c.mu.Lock()
	conn := c.conn
	connected := c.connectedLocked()
	c.mu.Unlock()

	if !connected {
		c.logger.Warn("Dropping command, client is not connected", zap.String("command", name))
		c.metrics.Add(ctx, o11y.MetricCommandsDropped, 1, label)
		return fmt.Errorf("%w: dropped %s", ErrNotConnected, name)
	}

	frame, err := wire.EncodeCommand(name, data)
	if err != nil {
		return err
	}

	ctx, span := c.metrics.StartSpan(ctx, "fleetlink.emit")
	defer span.End()
	span.SetAttributes(label)

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, frame); err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		c.logger.Warn("Failed to send command", zap.String("command", name), zap.Error(err))
		return fmt.Errorf("failed to send %s: %w", name, err)
	}

	span.SetStatus(o11y.SpanStatusOK, "")
	c.metrics.Add(ctx, o11y.MetricCommandsEmitted, 1, label)
	c.logger.Debug("Command sent", zap.String("command", name))
	return nil
}

// run owns one Connect cycle: dial, read until the transport fails, consult
// the backoff counters, and either wait and dial again or give up.
func (c *Client) run(ctx context.Context, gen uint64, token string) {
	for {
		err := c.serve(ctx, gen, token)
		if ctx.Err() != nil {
			c.stopped(gen, ctx.Err())
			return
		}

		decision, current := c.failed(ctx, gen, err)
		if !current || !decision.Retry {
			return
		}

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopped(gen, ctx.Err())
			return
		case <-timer.C:
		}
	}
}

// serve dials and then reads frames until the connection ends.
func (c *Client) serve(ctx context.Context, gen uint64, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.url, token)
	cancel()
	if err != nil {
		return err
	}

	if !c.opened(ctx, gen, conn) {
		conn.Close("superseded")
		return nil
	}
	defer conn.Close("connection closed")

	return c.readLoop(ctx, gen, conn)
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrBinaryFrame) {
				c.logger.Warn("Dropping binary frame")
				c.metrics.Add(ctx, o11y.MetricFramesDropped, 1)
				continue
			}
			if ctx.Err() == nil {
				c.logger.Warn("Connection lost", zap.Error(err))
			}
			return err
		}

		c.handleFrame(ctx, gen, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, gen uint64, data []byte) {
	c.metrics.Add(ctx, o11y.MetricFramesReceived, 1)

	event, err := wire.Decode(data, time.Now())
	if event == nil {
		c.logger.Warn("Dropping undecodable frame", zap.Int("size", len(data)), zap.Error(err))
		c.metrics.Add(ctx, o11y.MetricFramesDropped, 1)
		return
	}
	// admin_connected is only ever raised locally by opened.
	if event.Type() == fleetlink.EventAdminConnected {
		c.logger.Warn("Dropping admin_connected frame from server")
		c.metrics.Add(ctx, o11y.MetricFramesDropped, 1)
		return
	}
	if err != nil {
		c.logger.Warn("Event payload does not match its type, dispatching raw",
			zap.String("event", string(event.Type())),
			zap.Error(err))
	}

	if !c.isCurrent(gen) {
		return
	}
	c.registry.Dispatch(ctx, event)
}

// opened records a freshly dialed connection. It returns false when the
// Connect cycle was superseded while dialing.
func (c *Client) opened(ctx context.Context, gen uint64, conn Conn) bool {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.attempts = 0
	c.connectionID = uuid.NewString()
	id := c.connectionID
	change := c.setStateLocked(fleetlink.StateConnected, nil)
	c.mu.Unlock()

	c.notify(ctx, change)
	c.logger.Info("Connected to server", zap.String("url", c.url), zap.String("connection_id", id))

	if c.announce {
		if err := c.Emit(ctx, wire.CommandAdminConnected, map[string]string{"connectionId": id}); err != nil {
			c.logger.Warn("Failed to announce connection", zap.Error(err))
		}
	}

	notice := fleetlink.AdminConnected{ConnectionID: id}
	notice.SetTimestamp(time.Now())
	c.registry.Dispatch(ctx, notice)

	return true
}

// failed records a lost connection or failed dial and decides what to do
// next. It returns false when the cycle was superseded.
func (c *Client) failed(ctx context.Context, gen uint64, cause error) (backoff.Decision, bool) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return backoff.Decision{}, false
	}

	c.conn = nil
	c.attempts++
	counters := c.countersLocked()
	decision := backoff.Next(counters)
	if decision.Retry && c.jitter > 0 {
		decision = decision.Jittered(c.jitter, c.random())
	}

	next := fleetlink.StateReconnecting
	var stop context.CancelFunc
	if !decision.Retry {
		next = fleetlink.StateFailed
		stop, c.cancel = c.cancel, nil
	}
	change := c.setStateLocked(next, cause)
	c.mu.Unlock()

	c.metrics.Add(ctx, o11y.MetricReconnectAttempts, 1)
	c.notify(ctx, change)

	if decision.Retry {
		c.logger.Warn("Connection unavailable, will retry",
			zap.Int("attempt", counters.Attempts),
			zap.Int("max_attempts", counters.MaxAttempts),
			zap.Duration("delay", decision.Delay),
			zap.Error(cause))
		return decision, true
	}

	c.logger.Error("Reconnect attempts exhausted, giving up",
		zap.Int("attempts", counters.Attempts),
		zap.Error(cause))

	notice := fleetlink.ErrorEvent{
		Code:    ErrorCodeReconnectFailed,
		Message: fmt.Sprintf("connection lost, gave up after %d attempts", counters.Attempts),
	}
	notice.SetTimestamp(time.Now())
	c.registry.Dispatch(ctx, notice)

	if stop != nil {
		stop()
	}
	return decision, true
}

// stopped handles a cycle whose context ended without Disconnect, such as
// the caller's context being cancelled.
func (c *Client) stopped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	c.conn = nil
	c.generation++
	change := c.setStateLocked(fleetlink.StateDisconnected, cause)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.notify(context.Background(), change)
}

// teardown supersedes the current cycle and closes its transport.
func (c *Client) teardown(reason string) StateChange {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.generation++
	change := c.setStateLocked(fleetlink.StateDisconnected, nil)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(reason); err != nil {
			c.logger.Debug("Error closing connection", zap.Error(err))
		}
	}
	return change
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Client) countersLocked() backoff.Counters {
	counters := c.limits
	counters.Attempts = c.attempts
	if counters.MaxAttempts <= 0 {
		counters.MaxAttempts = backoff.DefaultMaxAttempts
	}
	return counters
}

func (c *Client) setStateLocked(to fleetlink.ConnectionState, cause error) StateChange {
	change := StateChange{From: c.state, To: to, Attempts: c.attempts, Err: cause}
	c.state = to
	return change
}

func (c *Client) notify(ctx context.Context, change StateChange) {
	if change.From == change.To {
		return
	}

	c.metrics.Set(ctx, o11y.MetricConnectionState, float64(change.To))
	c.logger.Debug("Connection state changed",
		zap.Stringer("from", change.From),
		zap.Stringer("to", change.To),
		zap.Int("attempts", change.Attempts))

	if c.monitor != nil {
		c.monitor.OnStateChange(ctx, c, change)
	}
}
