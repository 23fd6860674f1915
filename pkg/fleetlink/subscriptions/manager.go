// Package subscriptions issues the dashboard's outbound commands: interest
// in a device, a task or the analytics feed, and the device and task
// actions. It holds no state; every call is a single Emit.
package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
)

// ErrMissingID is returned, without emitting anything, when a command that
// targets a device, task or recipient is given an empty identifier.
var ErrMissingID = errors.New("missing identifier")

// Emitter sends one named command. *client.Client implements it.
type Emitter interface {
	Emit(ctx context.Context, name string, data any) error
}

// DeviceArgs is the payload of every device-scoped command.
type DeviceArgs struct {
	DeviceID string `json:"deviceId"`
}

// TaskArgs is the payload of every task-scoped command.
type TaskArgs struct {
	TaskID string `json:"taskId"`
}

// MessageArgs is the payload of send_message and broadcast_message. To is
// empty for broadcasts.
type MessageArgs struct {
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

// Manager wraps an Emitter with one method per command. Commands issued
// while the emitter is disconnected are dropped by the emitter, not queued.
type Manager struct {
	emitter Emitter
}

func NewManager(emitter Emitter) *Manager {
	return &Manager{emitter: emitter}
}

func (m *Manager) SubscribeDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandSubscribeDevice, deviceID)
}

func (m *Manager) UnsubscribeDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandUnsubscribeDevice, deviceID)
}

func (m *Manager) SubscribeTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandSubscribeTask, taskID)
}

func (m *Manager) UnsubscribeTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandUnsubscribeTask, taskID)
}

// SubscribeAnalytics asks for the analytics_update feed.
func (m *Manager) SubscribeAnalytics(ctx context.Context) error {
	return m.emitter.Emit(ctx, wire.CommandSubscribeAnalytics, struct{}{})
}

func (m *Manager) UnsubscribeAnalytics(ctx context.Context) error {
	return m.emitter.Emit(ctx, wire.CommandUnsubscribeAnalytics, struct{}{})
}

// SendMessage delivers a message to one recipient, usually a device.
func (m *Manager) SendMessage(ctx context.Context, to, message string) error {
	if to == "" {
		return fmt.Errorf("%s: recipient: %w", wire.CommandSendMessage, ErrMissingID)
	}
	return m.emitter.Emit(ctx, wire.CommandSendMessage, MessageArgs{To: to, Message: message})
}

// BroadcastMessage delivers a message to every connected device.
func (m *Manager) BroadcastMessage(ctx context.Context, message string) error {
	return m.emitter.Emit(ctx, wire.CommandBroadcastMessage, MessageArgs{Message: message})
}

func (m *Manager) PingDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandPingDevice, deviceID)
}

func (m *Manager) RestartDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandRestartDevice, deviceID)
}

func (m *Manager) StopDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandStopDevice, deviceID)
}

func (m *Manager) StartDevice(ctx context.Context, deviceID string) error {
	return m.device(ctx, wire.CommandStartDevice, deviceID)
}

func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandCancelTask, taskID)
}

func (m *Manager) RetryTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandRetryTask, taskID)
}

func (m *Manager) PauseTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandPauseTask, taskID)
}

func (m *Manager) ResumeTask(ctx context.Context, taskID string) error {
	return m.task(ctx, wire.CommandResumeTask, taskID)
}

func (m *Manager) device(ctx context.Context, command, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%s: device: %w", command, ErrMissingID)
	}
	return m.emitter.Emit(ctx, command, DeviceArgs{DeviceID: deviceID})
}

func (m *Manager) task(ctx context.Context, command, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%s: task: %w", command, ErrMissingID)
	}
	return m.emitter.Emit(ctx, command, TaskArgs{TaskID: taskID})
}
