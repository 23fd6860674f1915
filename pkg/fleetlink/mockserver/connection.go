package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
	"go.uber.org/zap"
)

type commandArgs struct {
	DeviceID string `json:"deviceId"`
	TaskID   string `json:"taskId"`
	To       string `json:"to"`
	Message  string `json:"message"`
}

// connection holds what one client has subscribed to. Subscriptions are
// per connection and vanish with it, as on the real server.
type connection struct {
	server *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu        sync.Mutex
	devices   map[string]bool
	tasks     map[string]float64 // progress
	analytics bool
}

func newConnection(ctx context.Context, server *Server, conn *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(ctx)
	return &connection{
		server:  server,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logger:  server.logger,
		devices: make(map[string]bool),
		tasks:   make(map[string]float64),
	}
}

func (c *connection) run() {
	defer c.cancel()
	defer c.conn.CloseNow()

	for _, id := range c.server.config.devices {
		c.send(c.ctx, fleetlink.DeviceConnected{DeviceID: id, Name: id})
	}

	if c.server.config.interval > 0 {
		go c.tick(c.server.config.interval)
	}

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.logger.Debug("Read loop ending", zap.Error(err))
			return
		}
		if typ != websocket.MessageText {
			c.sendError(c.ctx, "binary_frame", "only text frames are supported")
			continue
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.sendError(c.ctx, "bad_frame", "frame is not a command")
			continue
		}

		cmd := Command{Name: frame.Event, Data: frame.Data}
		c.server.record(cmd)
		c.handle(c.ctx, cmd)
	}
}

func (c *connection) handle(ctx context.Context, cmd Command) {
	var args commandArgs
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			c.sendError(ctx, "bad_args", fmt.Sprintf("%s: %v", cmd.Name, err))
			return
		}
	}

	c.logger.Debug("Command received", zap.String("command", cmd.Name))
	now := time.Now()

	switch cmd.Name {
	case wire.CommandAdminConnected:
		c.logger.Info("Dashboard announced itself", zap.ByteString("data", cmd.Data))

	case wire.CommandSubscribeDevice, wire.CommandPingDevice, wire.CommandStartDevice:
		if !c.requireID(ctx, cmd.Name, args.DeviceID) {
			return
		}
		if cmd.Name == wire.CommandSubscribeDevice {
			c.mu.Lock()
			c.devices[args.DeviceID] = true
			c.mu.Unlock()
		}
		c.send(ctx, c.deviceStatus(args.DeviceID, "online", now))

	case wire.CommandUnsubscribeDevice:
		c.mu.Lock()
		delete(c.devices, args.DeviceID)
		c.mu.Unlock()

	case wire.CommandStopDevice:
		if c.requireID(ctx, cmd.Name, args.DeviceID) {
			c.send(ctx, c.deviceStatus(args.DeviceID, "offline", now))
		}

	case wire.CommandRestartDevice:
		if c.requireID(ctx, cmd.Name, args.DeviceID) {
			c.send(ctx, fleetlink.DeviceDisconnected{DeviceID: args.DeviceID, Reason: "restart"})
			c.send(ctx, fleetlink.DeviceConnected{DeviceID: args.DeviceID, Name: args.DeviceID})
		}

	case wire.CommandSubscribeTask:
		if !c.requireID(ctx, cmd.Name, args.TaskID) {
			return
		}
		c.mu.Lock()
		progress := c.tasks[args.TaskID]
		c.tasks[args.TaskID] = progress
		c.mu.Unlock()
		c.send(ctx, fleetlink.TaskUpdate{TaskID: args.TaskID, Status: "running", Progress: progress})

	case wire.CommandUnsubscribeTask:
		c.mu.Lock()
		delete(c.tasks, args.TaskID)
		c.mu.Unlock()

	case wire.CommandPauseTask, wire.CommandResumeTask:
		if !c.requireID(ctx, cmd.Name, args.TaskID) {
			return
		}
		status := "paused"
		if cmd.Name == wire.CommandResumeTask {
			status = "running"
		}
		c.send(ctx, fleetlink.TaskUpdate{TaskID: args.TaskID, Status: status, Message: cmd.Name})

	case wire.CommandCancelTask:
		if c.requireID(ctx, cmd.Name, args.TaskID) {
			c.mu.Lock()
			delete(c.tasks, args.TaskID)
			c.mu.Unlock()
			c.send(ctx, fleetlink.TaskFailed{TaskID: args.TaskID, Error: "cancelled"})
		}

	case wire.CommandRetryTask:
		if c.requireID(ctx, cmd.Name, args.TaskID) {
			c.send(ctx, fleetlink.TaskStarted{TaskID: args.TaskID, Name: args.TaskID})
		}

	case wire.CommandSubscribeAnalytics:
		c.mu.Lock()
		c.analytics = true
		c.mu.Unlock()
		c.send(ctx, c.analyticsSample())

	case wire.CommandUnsubscribeAnalytics:
		c.mu.Lock()
		c.analytics = false
		c.mu.Unlock()

	case wire.CommandSendMessage:
		if c.requireID(ctx, cmd.Name, args.To) {
			c.send(ctx, alert("Message delivered", fmt.Sprintf("to %s: %s", args.To, args.Message)))
		}

	case wire.CommandBroadcastMessage:
		c.server.Broadcast(ctx, alert("Broadcast", args.Message))

	default:
		c.sendError(ctx, "unknown_command", fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

func (c *connection) requireID(ctx context.Context, command, id string) bool {
	if id == "" {
		c.sendError(ctx, "bad_args", command+": missing id")
		return false
	}
	return true
}

// tick pushes sample traffic for whatever the connection subscribed to.
func (c *connection) tick(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			for _, event := range c.sample(now) {
				c.send(c.ctx, event)
			}
		}
	}
}

func (c *connection) sample(now time.Time) []fleetlink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []fleetlink.Event
	if c.analytics {
		events = append(events, c.analyticsSampleLocked())
	}

	for _, id := range sortedKeys(c.devices) {
		events = append(events, c.deviceStatus(id, "online", now))
	}

	for _, id := range sortedKeys(c.tasks) {
		progress := c.tasks[id] + 10
		if progress >= 100 {
			delete(c.tasks, id)
			events = append(events, fleetlink.TaskCompleted{TaskID: id, Result: json.RawMessage(`{"ok":true}`)})
			continue
		}
		c.tasks[id] = progress
		events = append(events, fleetlink.TaskUpdate{TaskID: id, Status: "running", Progress: progress})
	}

	return events
}

func (c *connection) analyticsSample() fleetlink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analyticsSampleLocked()
}

func (c *connection) analyticsSampleLocked() fleetlink.Event {
	return fleetlink.AnalyticsUpdate{
		Window: "1m",
		Metrics: map[string]float64{
			"devices_online": float64(len(c.server.config.devices)),
			"tasks_active":   float64(len(c.tasks)),
			"cpu_load":       rand.Float64(),
		},
	}
}

func (c *connection) deviceStatus(id, status string, now time.Time) fleetlink.DeviceStatus {
	battery := 50 + 50*rand.Float64()
	signal := -40 - 50*rand.Float64()
	return fleetlink.DeviceStatus{DeviceID: id, Status: status, Battery: &battery, Signal: &signal, LastSeen: &now}
}

func alert(title, message string) fleetlink.SystemAlert {
	return fleetlink.SystemAlert{ID: uuid.NewString(), Severity: fleetlink.SeverityInfo, Title: title, Message: message}
}

func (c *connection) sendError(ctx context.Context, code, message string) {
	c.send(ctx, fleetlink.ErrorEvent{Code: code, Message: message})
}

// send writes one event frame stamped with the current time.
func (c *connection) send(ctx context.Context, event fleetlink.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to encode event", zap.String("event", string(event.Type())), zap.Error(err))
		return
	}

	timestamp, _ := json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
	frame, err := json.Marshal(wire.Frame{Event: string(event.Type()), Data: payload, Timestamp: timestamp})
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.server.config.writeTimeout)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		c.logger.Debug("Failed to send event", zap.String("event", string(event.Type())), zap.Error(err))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
