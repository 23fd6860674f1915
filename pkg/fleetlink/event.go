package fleetlink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the name an inbound event is delivered under.
type EventType string

// Inbound event names sent by the dashboard server.
const (
	EventTaskUpdate         EventType = "task_update"
	EventDeviceStatus       EventType = "device_status"
	EventAnalyticsUpdate    EventType = "analytics_update"
	EventSystemAlert        EventType = "system_alert"
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventTaskStarted        EventType = "task_started"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventError              EventType = "error"

	// EventAdminConnected is raised locally when a connection opens. It never
	// arrives from the network.
	EventAdminConnected EventType = "admin_connected"
)

// KnownEventTypes lists every event name that decodes to a typed variant.
var KnownEventTypes = []EventType{
	EventTaskUpdate,
	EventDeviceStatus,
	EventAnalyticsUpdate,
	EventSystemAlert,
	EventDeviceConnected,
	EventDeviceDisconnected,
	EventTaskStarted,
	EventTaskCompleted,
	EventTaskFailed,
	EventError,
	EventAdminConnected,
}

// IsKnown reports whether t decodes to a typed variant.
func (t EventType) IsKnown() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the closed set of values handlers receive. The unexported marker
// keeps the set of variants to this package; names outside the set arrive
// as UnknownEvent.
type Event interface {
	Type() EventType
	Time() time.Time
	isEvent()
}

// Meta carries the envelope data shared by every variant.
type Meta struct {
	Timestamp time.Time `json:"-"`
}

func (m Meta) Time() time.Time { return m.Timestamp }

// SetTimestamp is used by decoders to stamp a freshly decoded variant.
func (m *Meta) SetTimestamp(t time.Time) { m.Timestamp = t }

func (Meta) isEvent() {}

type TaskUpdate struct {
	Meta
	TaskID   string  `json:"taskId"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

func (TaskUpdate) Type() EventType { return EventTaskUpdate }

type DeviceStatus struct {
	Meta
	DeviceID string    `json:"deviceId"`
	Status   string    `json:"status"`
	Battery  *float64  `json:"battery,omitempty"`
	Signal   *float64  `json:"signal,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (DeviceStatus) Type() EventType { return EventDeviceStatus }

// UnmarshalJSON accepts lastSeen as an RFC 3339 string or as milliseconds
// since the Unix epoch.
func (d *DeviceStatus) UnmarshalJSON(data []byte) error {
	type plain DeviceStatus
	aux := struct {
		*plain
		LastSeen json.RawMessage `json:"lastSeen,omitempty"`
	}{plain: (*plain)(d)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	lastSeen, err := parseTime(aux.LastSeen)
	if err != nil {
		return fmt.Errorf("lastSeen: %w", err)
	}
	d.LastSeen = lastSeen
	return nil
}

// parseTime reads an RFC 3339 string or a number of milliseconds. Absent
// and null values yield nil.
func parseTime(raw json.RawMessage) (*time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	var ms int64
	if err := json.Unmarshal(trimmed, &ms); err != nil {
		return nil, fmt.Errorf("expected an RFC 3339 string or epoch milliseconds, got %s", trimmed)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

type AnalyticsUpdate struct {
	Meta
	Metrics map[string]float64 `json:"metrics"`
	Window  string             `json:"window,omitempty"`
}

func (AnalyticsUpdate) Type() EventType { return EventAnalyticsUpdate }

// Alert severities used by SystemAlert.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type SystemAlert struct {
	Meta
	ID       string `json:"id,omitempty"`
	Severity string `json:"severity"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message"`
}

func (SystemAlert) Type() EventType { return EventSystemAlert }

type DeviceConnected struct {
	Meta
	DeviceID string `json:"deviceId"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
}

func (DeviceConnected) Type() EventType { return EventDeviceConnected }

type DeviceDisconnected struct {
	Meta
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

func (DeviceDisconnected) Type() EventType { return EventDeviceDisconnected }

type TaskStarted struct {
	Meta
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (TaskStarted) Type() EventType { return EventTaskStarted }

type TaskCompleted struct {
	Meta
	TaskID     string          `json:"taskId"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

func (TaskCompleted) Type() EventType { return EventTaskCompleted }

type TaskFailed struct {
	Meta
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId,omitempty"`
	Error    string `json:"error"`
}

func (TaskFailed) Type() EventType { return EventTaskFailed }

// ErrorEvent is a server reported error, or a local one raised by the client
// (for example once reconnect attempts are exhausted).
type ErrorEvent struct {
	Meta
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (ErrorEvent) Type() EventType { return EventError }

// AdminConnected is the local notification raised on every successful open.
type AdminConnected struct {
	Meta
	ConnectionID string `json:"connectionId"`
}

func (AdminConnected) Type() EventType { return EventAdminConnected }

// UnknownEvent carries an event whose name is outside the known set, or a
// known name whose payload did not match its shape. It is dispatched under
// its literal name.
type UnknownEvent struct {
	Meta
	Name    string
	Payload json.RawMessage
}

func (u UnknownEvent) Type() EventType { return EventType(u.Name) }

// MarshalJSON renders the raw payload so unknown events print like known ones.
func (u UnknownEvent) MarshalJSON() ([]byte, error) {
	if len(u.Payload) == 0 {
		return []byte("null"), nil
	}
	return u.Payload, nil
}
