package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"github.com/tsarna/fleetlink/pkg/fleetlink/subscriptions"
	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
)

func startServer(t *testing.T, config *ServerConfig) (*Server, string) {
	t.Helper()
	server, err := config.WithToken("abc").Build()
	require.NoError(t, err)

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) fleetlink.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	event, err := wire.Decode(data, time.Now())
	require.NoError(t, err)
	return event
}

func command(t *testing.T, ctx context.Context, conn *websocket.Conn, name string, data any) {
	t.Helper()
	frame, err := wire.EncodeCommand(name, data)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func TestServerConfig(t *testing.T) {
	_, err := NewServerConfig().Build()
	assert.ErrorContains(t, err, "token is required")

	config := NewServerConfig().WithLogger(nil).WithInterval(-time.Second).WithWriteTimeout(0)
	assert.NotNil(t, config.logger)
	assert.Equal(t, DefaultInterval, config.interval)
	assert.Equal(t, DefaultWriteTimeout, config.writeTimeout)
}

func TestServerAuthentication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, url := startServer(t, NewServerConfig().WithInterval(0))

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer wrong"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerReactions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server, url := startServer(t, NewServerConfig().WithInterval(0).WithDevices("d1"))
	conn := dial(t, ctx, url, "abc")

	hello, ok := readEvent(t, ctx, conn).(fleetlink.DeviceConnected)
	require.True(t, ok)
	assert.Equal(t, "d1", hello.DeviceID)

	t.Run("subscribe device answers with its status", func(t *testing.T) {
		command(t, ctx, conn, wire.CommandSubscribeDevice, map[string]string{"deviceId": "d1"})
		status, ok := readEvent(t, ctx, conn).(fleetlink.DeviceStatus)
		require.True(t, ok)
		assert.Equal(t, "d1", status.DeviceID)
		assert.Equal(t, "online", status.Status)
		require.NotNil(t, status.Battery)
	})

	t.Run("cancel task fails it", func(t *testing.T) {
		command(t, ctx, conn, wire.CommandCancelTask, map[string]string{"taskId": "t1"})
		failed, ok := readEvent(t, ctx, conn).(fleetlink.TaskFailed)
		require.True(t, ok)
		assert.Equal(t, "t1", failed.TaskID)
		assert.Equal(t, "cancelled", failed.Error)
	})

	t.Run("restart device disconnects and reconnects it", func(t *testing.T) {
		command(t, ctx, conn, wire.CommandRestartDevice, map[string]string{"deviceId": "d1"})
		assert.IsType(t, fleetlink.DeviceDisconnected{}, readEvent(t, ctx, conn))
		assert.IsType(t, fleetlink.DeviceConnected{}, readEvent(t, ctx, conn))
	})

	t.Run("missing ids and unknown commands are errors", func(t *testing.T) {
		command(t, ctx, conn, wire.CommandPingDevice, map[string]string{})
		e, ok := readEvent(t, ctx, conn).(fleetlink.ErrorEvent)
		require.True(t, ok)
		assert.Equal(t, "bad_args", e.Code)

		command(t, ctx, conn, "self_destruct", nil)
		e, ok = readEvent(t, ctx, conn).(fleetlink.ErrorEvent)
		require.True(t, ok)
		assert.Equal(t, "unknown_command", e.Code)
	})

	t.Run("commands are recorded", func(t *testing.T) {
		names := server.ReceivedNames()
		assert.Equal(t, []string{
			wire.CommandSubscribeDevice,
			wire.CommandCancelTask,
			wire.CommandRestartDevice,
			wire.CommandPingDevice,
			"self_destruct",
		}, names)

		var args map[string]string
		require.NoError(t, json.Unmarshal(server.Received()[0].Data, &args))
		assert.Equal(t, "d1", args["deviceId"])
	})
}

func TestServerSampleTraffic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, url := startServer(t, NewServerConfig().WithInterval(5*time.Millisecond).WithDevices())
	conn := dial(t, ctx, url, "abc")

	command(t, ctx, conn, wire.CommandSubscribeTask, map[string]string{"taskId": "t1"})

	// progress climbs by ten per tick until the task completes
	var last float64
	for {
		event := readEvent(t, ctx, conn)
		if completed, ok := event.(fleetlink.TaskCompleted); ok {
			assert.Equal(t, "t1", completed.TaskID)
			break
		}
		update, ok := event.(fleetlink.TaskUpdate)
		require.True(t, ok, "unexpected %T", event)
		assert.GreaterOrEqual(t, update.Progress, last)
		last = update.Progress
	}
	assert.Equal(t, 90.0, last)
}

func TestServerWithClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server, url := startServer(t, NewServerConfig().WithInterval(0).WithDevices("d1"))

	c, err := client.NewClient().
		WithURL(url).
		WithBaseDelay(5 * time.Millisecond).
		WithMaxDelay(10 * time.Millisecond).
		Build()
	require.NoError(t, err)
	defer c.Disconnect()

	opened := make(chan struct{}, 4)
	c.On(fleetlink.EventAdminConnected, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		opened <- struct{}{}
		return nil
	}))
	statuses := make(chan fleetlink.DeviceStatus, 4)
	c.On(fleetlink.EventDeviceStatus, fleetlink.Handle(func(ctx context.Context, s fleetlink.DeviceStatus) error {
		statuses <- s
		return nil
	}))

	require.NoError(t, c.Connect(ctx, "abc"))
	waitFor(t, ctx, opened)

	require.NoError(t, subscriptions.NewManager(c).PingDevice(ctx, "d1"))
	status := waitFor(t, ctx, statuses)
	assert.Equal(t, "d1", status.DeviceID)

	t.Run("client reconnects after the server drops it", func(t *testing.T) {
		server.DropAll()
		waitFor(t, ctx, opened)
		assert.True(t, c.IsConnected())
		assert.Equal(t, 0, c.Status().Attempts)

		// each open is announced to the server
		require.Eventually(t, func() bool {
			announced := 0
			for _, name := range server.ReceivedNames() {
				if name == wire.CommandAdminConnected {
					announced++
				}
			}
			return announced == 2
		}, 2*time.Second, time.Millisecond)
	})

	t.Run("shutdown closes every connection", func(t *testing.T) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(shutdownCtx))
		assert.Equal(t, 0, server.ConnectionCount())
	})
}

func waitFor[T any](t *testing.T, ctx context.Context, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}
