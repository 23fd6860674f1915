package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tsarna/fleetlink/pkg/fleetlink"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object with
	// a non-empty "event" field. Such frames are dropped.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrPayloadMismatch is returned alongside an UnknownEvent when a known
	// event name carried a payload that does not fit its shape.
	ErrPayloadMismatch = errors.New("payload does not match event shape")
)

// Frame is the JSON structure of one text message.
type Frame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Envelope is a decoded inbound frame before its payload is interpreted.
type Envelope struct {
	Type      fleetlink.EventType
	Payload   json.RawMessage
	Timestamp time.Time
}

// EncodeCommand renders an outbound command frame. A nil data value omits
// the "data" field.
func EncodeCommand(name string, data any) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("command name is required")
	}

	frame := Frame{Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", name, err)
		}
		frame.Data = raw
	}

	return json.Marshal(frame)
}

// EncodeEvent renders an event frame the way the server sends it. It is used
// by the mock server and by tests.
func EncodeEvent(event fleetlink.Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event.Type(), err)
	}

	frame := Frame{Event: string(event.Type()), Data: raw}
	if ts := event.Time(); !ts.IsZero() {
		frame.Timestamp, _ = json.Marshal(ts.UTC().Format(time.RFC3339Nano))
	}

	return json.Marshal(frame)
}

// DecodeEnvelope parses a frame. received stamps envelopes that carry no
// usable timestamp of their own.
func DecodeEnvelope(data []byte, received time.Time) (Envelope, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}

	return Envelope{
		Type:      fleetlink.EventType(frame.Event),
		Payload:   frame.Data,
		Timestamp: parseTimestamp(frame.Timestamp, received),
	}, nil
}

// Decode parses a frame into its typed event. A non-nil event is returned
// whenever the frame itself parsed; a payload which does not fit a known
// name yields an UnknownEvent together with ErrPayloadMismatch.
func Decode(data []byte, received time.Time) (fleetlink.Event, error) {
	env, err := DecodeEnvelope(data, received)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(env)
}

// DecodeEvent interprets an envelope's payload according to its type.
func DecodeEvent(env Envelope) (fleetlink.Event, error) {
	var (
		event fleetlink.Event
		err   error
	)

	switch env.Type {
	case fleetlink.EventTaskUpdate:
		event, err = decodeAs[fleetlink.TaskUpdate](env)
	case fleetlink.EventDeviceStatus:
		event, err = decodeAs[fleetlink.DeviceStatus](env)
	case fleetlink.EventAnalyticsUpdate:
		event, err = decodeAs[fleetlink.AnalyticsUpdate](env)
	case fleetlink.EventSystemAlert:
		event, err = decodeAs[fleetlink.SystemAlert](env)
	case fleetlink.EventDeviceConnected:
		event, err = decodeAs[fleetlink.DeviceConnected](env)
	case fleetlink.EventDeviceDisconnected:
		event, err = decodeAs[fleetlink.DeviceDisconnected](env)
	case fleetlink.EventTaskStarted:
		event, err = decodeAs[fleetlink.TaskStarted](env)
	case fleetlink.EventTaskCompleted:
		event, err = decodeAs[fleetlink.TaskCompleted](env)
	case fleetlink.EventTaskFailed:
		event, err = decodeAs[fleetlink.TaskFailed](env)
	case fleetlink.EventError:
		event, err = decodeAs[fleetlink.ErrorEvent](env)
	default:
		return unknown(env), nil
	}

	if err != nil {
		return unknown(env), fmt.Errorf("%w: %s: %v", ErrPayloadMismatch, env.Type, err)
	}
	return event, nil
}

type stampable[E any] interface {
	*E
	SetTimestamp(time.Time)
}

func decodeAs[E fleetlink.Event, P stampable[E]](env Envelope) (fleetlink.Event, error) {
	var event E
	if hasPayload(env.Payload) {
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			return nil, err
		}
	}
	P(&event).SetTimestamp(env.Timestamp)
	return event, nil
}

func unknown(env Envelope) fleetlink.Event {
	ev := fleetlink.UnknownEvent{Name: string(env.Type), Payload: env.Payload}
	ev.SetTimestamp(env.Timestamp)
	return ev
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	if !hasPayload(raw) {
		return fallback
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return fallback
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms)
	}

	return fallback
}
