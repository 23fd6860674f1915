package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
)

func TestEncodeCommand(t *testing.T) {
	t.Run("command with args", func(t *testing.T) {
		data, err := EncodeCommand(CommandSubscribeDevice, map[string]string{"deviceId": "dev-1"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"subscribe_device","data":{"deviceId":"dev-1"}}`, string(data))
	})

	t.Run("nil data omits data field", func(t *testing.T) {
		data, err := EncodeCommand(CommandSubscribeAnalytics, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"subscribe_analytics"}`, string(data))
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		_, err := EncodeCommand("", nil)
		assert.Error(t, err)
	})

	t.Run("unmarshalable data is an error", func(t *testing.T) {
		_, err := EncodeCommand(CommandSendMessage, map[string]any{"bad": make(chan int)})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "send_message")
	})
}

func TestDecode(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("task update with RFC3339 timestamp", func(t *testing.T) {
		frame := `{"event":"task_update","data":{"taskId":"t1","status":"running","progress":40},"timestamp":"2024-05-01T10:00:00Z"}`

		event, err := Decode([]byte(frame), received)
		require.NoError(t, err)

		update, ok := event.(fleetlink.TaskUpdate)
		require.True(t, ok, "expected TaskUpdate, got %T", event)
		assert.Equal(t, "t1", update.TaskID)
		assert.Equal(t, "running", update.Status)
		assert.Equal(t, 40.0, update.Progress)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), update.Time())
	})

	t.Run("millisecond timestamp", func(t *testing.T) {
		frame := `{"event":"device_status","data":{"deviceId":"d1","status":"online"},"timestamp":1714557600000}`

		event, err := Decode([]byte(frame), received)
		require.NoError(t, err)
		assert.Equal(t, time.UnixMilli(1714557600000), event.Time())
	})

	t.Run("missing timestamp uses receive time", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"system_alert","data":{"severity":"warning","message":"disk"}}`), received)
		require.NoError(t, err)
		assert.Equal(t, received, event.Time())

		alert := event.(fleetlink.SystemAlert)
		assert.Equal(t, fleetlink.SeverityWarning, alert.Severity)
		assert.Equal(t, "disk", alert.Message)
	})

	t.Run("every known network event decodes to its variant", func(t *testing.T) {
		cases := map[fleetlink.EventType]fleetlink.Event{
			fleetlink.EventTaskUpdate:         fleetlink.TaskUpdate{},
			fleetlink.EventDeviceStatus:       fleetlink.DeviceStatus{},
			fleetlink.EventAnalyticsUpdate:    fleetlink.AnalyticsUpdate{},
			fleetlink.EventSystemAlert:        fleetlink.SystemAlert{},
			fleetlink.EventDeviceConnected:    fleetlink.DeviceConnected{},
			fleetlink.EventDeviceDisconnected: fleetlink.DeviceDisconnected{},
			fleetlink.EventTaskStarted:        fleetlink.TaskStarted{},
			fleetlink.EventTaskCompleted:      fleetlink.TaskCompleted{},
			fleetlink.EventTaskFailed:         fleetlink.TaskFailed{},
			fleetlink.EventError:              fleetlink.ErrorEvent{},
		}

		for eventType, want := range cases {
			frame := `{"event":"` + string(eventType) + `","data":{}}`
			event, err := Decode([]byte(frame), received)
			require.NoError(t, err, eventType)
			assert.IsType(t, want, event, eventType)
			assert.Equal(t, eventType, event.Type())
		}
	})

	t.Run("unknown event name is kept with raw payload", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"firmware_progress","data":{"pct":12}}`), received)
		require.NoError(t, err)

		unknown, ok := event.(fleetlink.UnknownEvent)
		require.True(t, ok)
		assert.Equal(t, fleetlink.EventType("firmware_progress"), unknown.Type())
		assert.JSONEq(t, `{"pct":12}`, string(unknown.Payload))
	})

	t.Run("admin_connected from the network is not trusted as local", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"admin_connected","data":{}}`), received)
		require.NoError(t, err)
		assert.IsType(t, fleetlink.UnknownEvent{}, event)
	})

	t.Run("device lastSeen as RFC3339 or milliseconds", func(t *testing.T) {
		cases := map[string]*time.Time{
			`{"event":"device_status","data":{"deviceId":"d1","lastSeen":"2024-05-01T10:00:00Z"}}`: ptr(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
			`{"event":"device_status","data":{"deviceId":"d1","lastSeen":1714557600000}}`:          ptr(time.UnixMilli(1714557600000)),
			`{"event":"device_status","data":{"deviceId":"d1","lastSeen":null}}`:                   nil,
			`{"event":"device_status","data":{"deviceId":"d1"}}`:                                   nil,
		}

		for frame, want := range cases {
			event, err := Decode([]byte(frame), received)
			require.NoError(t, err, frame)

			status, ok := event.(fleetlink.DeviceStatus)
			require.True(t, ok, "expected DeviceStatus, got %T", event)
			assert.Equal(t, "d1", status.DeviceID)
			if want == nil {
				assert.Nil(t, status.LastSeen, frame)
			} else {
				require.NotNil(t, status.LastSeen, frame)
				assert.True(t, want.Equal(*status.LastSeen), frame)
			}
		}
	})

	t.Run("bad lastSeen is a payload mismatch", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"device_status","data":{"deviceId":"d1","lastSeen":"yesterday"}}`), received)
		assert.ErrorIs(t, err, ErrPayloadMismatch)
		assert.IsType(t, fleetlink.UnknownEvent{}, event)
	})

	t.Run("payload mismatch yields unknown event and error", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"task_update","data":"not an object"}`), received)
		assert.ErrorIs(t, err, ErrPayloadMismatch)
		require.NotNil(t, event)
		assert.IsType(t, fleetlink.UnknownEvent{}, event)
		assert.Equal(t, fleetlink.EventTaskUpdate, event.Type())
	})

	t.Run("null data decodes to zero variant", func(t *testing.T) {
		event, err := Decode([]byte(`{"event":"error","data":null}`), received)
		require.NoError(t, err)
		assert.Equal(t, "", event.(fleetlink.ErrorEvent).Message)
	})

	t.Run("malformed frames are rejected", func(t *testing.T) {
		for _, frame := range []string{`not json`, `[]`, `{"data":{}}`, `{"event":""}`} {
			event, err := Decode([]byte(frame), received)
			assert.ErrorIs(t, err, ErrMalformedFrame, frame)
			assert.Nil(t, event, frame)
		}
	})
}

func TestEncodeEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	failed := fleetlink.TaskFailed{TaskID: "t9", Error: "timeout"}
	failed.SetTimestamp(ts)

	data, err := EncodeEvent(failed)
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "task_failed", frame.Event)
	assert.JSONEq(t, `{"taskId":"t9","error":"timeout"}`, string(frame.Data))

	decoded, err := Decode(data, time.Now())
	require.NoError(t, err)
	assert.Equal(t, failed, decoded)
}

func TestEncodeDeviceStatusWithoutLastSeen(t *testing.T) {
	data, err := EncodeEvent(fleetlink.DeviceStatus{DeviceID: "d1", Status: "online"})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.JSONEq(t, `{"deviceId":"d1","status":"online"}`, string(frame.Data))
}

func ptr[T any](v T) *T { return &v }

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand(CommandPauseTask))
	assert.True(t, IsCommand(CommandAdminConnected))
	assert.False(t, IsCommand("task_update"))
	assert.Len(t, Commands, 17)
}
