package subutils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// asyncTestHandler records every event it processes
type asyncTestHandler struct {
	mu           sync.Mutex
	events       []fleetlink.Event
	processDelay time.Duration
	block        chan struct{}
	err          error
}

func (h *asyncTestHandler) OnEvent(ctx context.Context, event fleetlink.Event) error {
	if h.block != nil {
		<-h.block
	}
	if h.processDelay > 0 {
		time.Sleep(h.processDelay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *asyncTestHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *asyncTestHandler) taskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.events))
	for _, e := range h.events {
		if u, ok := e.(fleetlink.TaskUpdate); ok {
			ids = append(ids, u.TaskID)
		}
	}
	return ids
}

func TestNewAsyncHandler(t *testing.T) {
	h := NewAsyncHandler(&asyncTestHandler{}, 10, nil)
	defer h.Close()

	assert.Equal(t, 10, h.QueueCapacity())
	assert.Equal(t, 0, h.QueueSize())
	assert.False(t, h.IsClosed())

	assert.Equal(t, 100, NewAsyncHandler(&asyncTestHandler{}, 0, nil).QueueCapacity())
}

func TestAsyncHandlerDelivery(t *testing.T) {
	ctx := context.Background()
	base := &asyncTestHandler{processDelay: time.Millisecond}
	h := NewAsyncHandler(base, 10, nil).Start()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: id}))
	}

	require.Eventually(t, func() bool { return base.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"t1", "t2", "t3"}, base.taskIDs())
	require.NoError(t, h.Close())
}

func TestAsyncHandlerQueueFull(t *testing.T) {
	ctx := context.Background()
	base := &asyncTestHandler{block: make(chan struct{})}
	h := NewAsyncHandler(base, 1, nil).Start()

	// the first event is picked up and blocks, the second fills the queue
	require.NoError(t, h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: "t1"}))
	require.Eventually(t, func() bool { return h.QueueSize() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: "t2"}))

	assert.ErrorIs(t, h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: "t3"}), ErrQueueFull)

	close(base.block)
	require.NoError(t, h.Close())
	assert.Equal(t, []string{"t1", "t2"}, base.taskIDs())
}

func TestAsyncHandlerClose(t *testing.T) {
	ctx := context.Background()

	t.Run("close drains the queue", func(t *testing.T) {
		base := &asyncTestHandler{}
		h := NewAsyncHandler(base, 10, nil)
		for _, id := range []string{"t1", "t2"} {
			require.NoError(t, h.OnEvent(ctx, fleetlink.TaskUpdate{TaskID: id}))
		}

		h.Start()
		require.NoError(t, h.Close())
		assert.Equal(t, []string{"t1", "t2"}, base.taskIDs())
	})

	t.Run("events after close are rejected", func(t *testing.T) {
		h := NewAsyncHandler(&asyncTestHandler{}, 10, nil).Start()
		require.NoError(t, h.Close())
		require.NoError(t, h.Close())

		assert.True(t, h.IsClosed())
		assert.ErrorIs(t, h.OnEvent(ctx, fleetlink.TaskUpdate{}), ErrHandlerClosed)
	})

	t.Run("cancelled dispatch context does not reach the worker", func(t *testing.T) {
		var seen error
		done := make(chan struct{})
		h := NewAsyncHandler(fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
			seen = ctx.Err()
			close(done)
			return nil
		}), 10, nil)

		cancelled, cancel := context.WithCancel(ctx)
		require.NoError(t, h.OnEvent(cancelled, fleetlink.TaskUpdate{}))
		cancel()

		h.Start()
		<-done
		require.NoError(t, h.Close())
		assert.NoError(t, seen)
	})
}

func TestAsyncHandlerErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewAsyncHandler(&asyncTestHandler{err: errors.New("chart failed")}, 10, zap.New(core)).Start()

	require.NoError(t, h.OnEvent(context.Background(), fleetlink.AnalyticsUpdate{}))
	require.NoError(t, h.OnEvent(context.Background(), fleetlink.TaskUpdate{}))
	require.NoError(t, h.Close())

	entries := logs.FilterMessage("Async event handler failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "analytics_update", entries[0].ContextMap()["event"])
}

func TestAsyncHandlerRecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewAsyncHandler(fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		panic("boom")
	}), 10, zap.New(core)).Start()

	require.NoError(t, h.OnEvent(context.Background(), fleetlink.TaskUpdate{}))
	require.NoError(t, h.Close())
	assert.Equal(t, 1, logs.FilterMessage("Async event handler failed").Len())
}
