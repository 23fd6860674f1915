package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/o11y"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recordingHandler appends its name to a shared log on every call
type recordingHandler struct {
	name   string
	log    *[]string
	events []fleetlink.Event
	err    error
}

func (h *recordingHandler) OnEvent(ctx context.Context, event fleetlink.Event) error {
	*h.log = append(*h.log, h.name)
	h.events = append(h.events, event)
	return h.err
}

func taskUpdate(id string) fleetlink.TaskUpdate {
	return fleetlink.TaskUpdate{TaskID: id, Status: "running"}
}

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("handlers run once per dispatch in registration order", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		var log []string
		first := &recordingHandler{name: "first", log: &log}
		second := &recordingHandler{name: "second", log: &log}
		third := &recordingHandler{name: "third", log: &log}

		r.On(fleetlink.EventTaskUpdate, first)
		r.On(fleetlink.EventTaskUpdate, second)
		r.On(fleetlink.EventTaskUpdate, third)

		n := r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"first", "second", "third"}, log)

		r.Dispatch(ctx, taskUpdate("t2"))
		assert.Equal(t, []string{"first", "second", "third", "first", "second", "third"}, log)

		require.Len(t, first.events, 2)
		assert.Equal(t, taskUpdate("t1"), first.events[0])
		assert.Equal(t, taskUpdate("t2"), first.events[1])
	})

	t.Run("only handlers for the event name run", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "task", log: &log})
		r.On(fleetlink.EventDeviceStatus, &recordingHandler{name: "device", log: &log})

		r.Dispatch(ctx, fleetlink.DeviceStatus{DeviceID: "d1"})
		assert.Equal(t, []string{"device"}, log)
	})

	t.Run("no handlers is a no-op", func(t *testing.T) {
		r := NewRegistry(nil)
		assert.NotPanics(t, func() {
			assert.Equal(t, 0, r.Dispatch(ctx, fleetlink.SystemAlert{Message: "x"}))
		})
		assert.Equal(t, 0, r.Dispatch(ctx, nil))
	})

	t.Run("unknown names dispatch to handlers under the literal name", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		h := &recordingHandler{name: "custom", log: &log}
		r.On("firmware_progress", h)

		r.Dispatch(ctx, fleetlink.UnknownEvent{Name: "firmware_progress"})
		assert.Equal(t, []string{"custom"}, log)
	})

	t.Run("duplicate registrations are both invoked", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		h := &recordingHandler{name: "dup", log: &log}

		a := r.On(fleetlink.EventTaskUpdate, h)
		b := r.On(fleetlink.EventTaskUpdate, h)
		assert.NotEqual(t, a, b)

		r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, []string{"dup", "dup"}, log)

		r.Off(fleetlink.EventTaskUpdate, a)
		r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, []string{"dup", "dup", "dup"}, log)
	})

	t.Run("catch-all handlers run after typed handlers", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		r.OnAny(&recordingHandler{name: "any", log: &log})
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "typed", log: &log})

		r.Dispatch(ctx, taskUpdate("t1"))
		r.Dispatch(ctx, fleetlink.ErrorEvent{Message: "boom"})
		assert.Equal(t, []string{"typed", "any", "any"}, log)
	})
}

func TestRegistryHandlerIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("an erroring handler does not stop later handlers", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		r := NewRegistry(zap.New(core))

		var log []string
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "failing", log: &log, err: errors.New("render failed")})
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "healthy", log: &log})

		n := r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"failing", "healthy"}, log)

		entries := logs.FilterMessage("Event handler failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "task_update", entries[0].ContextMap()["event"])
	})

	t.Run("a panicking handler does not stop later handlers", func(t *testing.T) {
		metrics := o11y.NewMemoryProvider()
		r := NewRegistryWithObservability(zap.NewNop(), &o11y.ObservabilityConfig{MetricsProvider: metrics})

		var log []string
		r.On(fleetlink.EventTaskUpdate, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
			panic("handler bug")
		}))
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "second", log: &log})

		assert.NotPanics(t, func() {
			r.Dispatch(ctx, taskUpdate("t1"))
		})
		assert.Equal(t, []string{"second"}, log)
		assert.Equal(t, int64(1), metrics.CounterValue(o11y.MetricHandlerErrors))
		assert.Equal(t, int64(1), metrics.CounterValue(o11y.MetricEventsDispatched))
	})
}

func TestRegistryDispatchCancelled(t *testing.T) {
	t.Run("handlers after a cancelling handler do not run", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var log []string
		r.On(fleetlink.EventTaskUpdate, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
			log = append(log, "canceller")
			cancel()
			return nil
		}))
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "typed", log: &log})
		r.OnAny(&recordingHandler{name: "any", log: &log})

		n := r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"canceller"}, log)
	})

	t.Run("an already cancelled context invokes nothing", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var log []string
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "typed", log: &log})

		assert.Equal(t, 0, r.Dispatch(ctx, taskUpdate("t1")))
		assert.Empty(t, log)
	})
}

func TestRegistryOff(t *testing.T) {
	ctx := context.Background()

	t.Run("off without registrations removes all handlers for the type", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "a", log: &log})
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "b", log: &log})
		r.On(fleetlink.EventDeviceStatus, &recordingHandler{name: "c", log: &log})

		r.Off(fleetlink.EventTaskUpdate)
		assert.Equal(t, 0, r.Dispatch(ctx, taskUpdate("t1")))
		assert.Empty(t, log)
		assert.Equal(t, 1, r.Len(fleetlink.EventDeviceStatus))
	})

	t.Run("off with a registration removes only that one", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		a := r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "a", log: &log})
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "b", log: &log})

		r.Off(fleetlink.EventTaskUpdate, a)
		r.Dispatch(ctx, taskUpdate("t1"))
		assert.Equal(t, []string{"b"}, log)
	})

	t.Run("removing unknown registrations is a no-op", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		a := r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "a", log: &log})

		assert.NotPanics(t, func() {
			r.Off(fleetlink.EventTaskUpdate, Registration{})
			r.Off(fleetlink.EventDeviceStatus, a) // wrong type
			r.Off("never_registered")
			r.Remove(Registration{})
		})
		assert.Equal(t, 1, r.Len(fleetlink.EventTaskUpdate))

		r.Off(fleetlink.EventTaskUpdate, a)
		r.Off(fleetlink.EventTaskUpdate, a)
		assert.Equal(t, 0, r.Len(fleetlink.EventTaskUpdate))
	})

	t.Run("remove works without naming the event", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		reg := r.OnAny(&recordingHandler{name: "any", log: &log})
		assert.Equal(t, fleetlink.EventType(""), reg.EventType())

		r.Remove(reg)
		assert.Equal(t, 0, r.Total())
	})

	t.Run("clear removes every handler", func(t *testing.T) {
		r := NewRegistry(nil)
		var log []string
		r.On(fleetlink.EventTaskUpdate, &recordingHandler{name: "a", log: &log})
		r.OnAny(&recordingHandler{name: "b", log: &log})

		r.Clear()
		assert.Equal(t, 0, r.Total())
		assert.Equal(t, 0, r.Dispatch(ctx, taskUpdate("t1")))
	})

	t.Run("nil handlers and empty names are rejected", func(t *testing.T) {
		r := NewRegistry(nil)
		assert.False(t, r.On(fleetlink.EventTaskUpdate, nil).Valid())
		assert.False(t, r.On("", &recordingHandler{log: new([]string)}).Valid())
		assert.Equal(t, 0, r.Total())
	})
}

func TestRegistryReentrancy(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)

	var log []string
	late := &recordingHandler{name: "late", log: &log}

	var self Registration
	self = r.On(fleetlink.EventTaskUpdate, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		log = append(log, "once")
		r.Off(fleetlink.EventTaskUpdate, self)
		r.On(fleetlink.EventTaskUpdate, late)
		return nil
	}))

	r.Dispatch(ctx, taskUpdate("t1"))
	assert.Equal(t, []string{"once"}, log, "changes apply from the next dispatch")

	r.Dispatch(ctx, taskUpdate("t2"))
	assert.Equal(t, []string{"once", "late"}, log)
}

func TestTypedHandlers(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)

	var got []string
	r.On(fleetlink.EventTaskUpdate, fleetlink.Handle(func(ctx context.Context, u fleetlink.TaskUpdate) error {
		got = append(got, u.TaskID)
		return nil
	}))

	r.Dispatch(ctx, taskUpdate("t1"))
	r.Dispatch(ctx, fleetlink.UnknownEvent{Name: string(fleetlink.EventTaskUpdate)})
	assert.Equal(t, []string{"t1"}, got)
}
