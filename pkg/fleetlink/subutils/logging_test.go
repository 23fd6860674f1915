package subutils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggingHandler(t *testing.T) {
	logger := zaptest.NewLogger(t)

	h := NewLoggingHandler(nil, logger, zap.InfoLevel)
	assert.Nil(t, h.wrapped)
	assert.Equal(t, logger, h.logger)
	assert.Equal(t, zap.InfoLevel, h.logLevel)
	assert.Equal(t, "LoggingHandler", h.name)

	named := NewNamedLoggingHandler(nil, nil, zap.DebugLevel, "watch")
	assert.Equal(t, "watch", named.name)
	assert.NotNil(t, named.logger)
}

func TestLoggingHandlerOnEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("standalone logs the event", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		h := NewNamedLoggingHandler(nil, zap.New(core), zap.InfoLevel, "watch")

		require.NoError(t, h.OnEvent(ctx, fleetlink.DeviceStatus{DeviceID: "d1", Status: "online"}))

		entries := logs.FilterMessage("Event received").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "watch", fields["handler"])
		assert.Equal(t, "device_status", fields["event"])
		assert.Contains(t, fields["payload"], `"deviceId":"d1"`)
		assert.Equal(t, false, fields["hasWrapped"])
	})

	t.Run("wrapped handler is called and its error returned", func(t *testing.T) {
		wrapped := &asyncTestHandler{err: errors.New("render failed")}
		h := NewLoggingHandler(wrapped, zap.NewNop(), zap.InfoLevel)

		err := h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: "t1"})
		assert.EqualError(t, err, "render failed")
		assert.Equal(t, []string{"t1"}, wrapped.taskIDs())
	})

	t.Run("disabled level skips encoding", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		h := NewLoggingHandler(nil, zap.New(core), zap.DebugLevel)

		require.NoError(t, h.OnEvent(ctx, fleetlink.TaskUpdate{}))
		assert.Equal(t, 0, logs.Len())
	})
}
