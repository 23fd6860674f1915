// Package dispatch holds the registry of event handlers and fans decoded
// events out to them.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/o11y"
	"go.uber.org/zap"
)

// anyType keys catch-all registrations. It cannot collide with a real event
// name because event names are never empty.
const anyType fleetlink.EventType = ""

// Registration identifies one call to On or OnAny. Registering the same
// handler twice yields two registrations and two invocations per event;
// Off removes exactly the registrations it is given.
type Registration struct {
	id        uint64
	eventType fleetlink.EventType
}

// EventType returns the event name the registration was made under, or ""
// for catch-all registrations.
func (r Registration) EventType() fleetlink.EventType { return r.eventType }

// Valid reports whether r came from On or OnAny.
func (r Registration) Valid() bool { return r.id != 0 }

type entry struct {
	id      uint64
	handler fleetlink.Handler
}

// Registry maps event names to ordered handler lists. It is safe for
// concurrent use; handlers are invoked without any lock held, so they may
// register or remove handlers themselves. Such changes take effect from the
// next Dispatch.
type Registry struct {
	mu       sync.Mutex
	handlers map[fleetlink.EventType][]entry
	nextID   uint64
	logger   *zap.Logger
	metrics  *o11y.Instruments
}

func NewRegistry(logger *zap.Logger) *Registry {
	return NewRegistryWithObservability(logger, nil)
}

func NewRegistryWithObservability(logger *zap.Logger, obs *o11y.ObservabilityConfig) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		handlers: make(map[fleetlink.EventType][]entry),
		logger:   logger,
		metrics: o11y.NewInstruments(obs,
			[]string{o11y.MetricEventsDispatched, o11y.MetricHandlerErrors},
			[]string{o11y.MetricDispatchDuration},
			nil),
	}
}

// On appends handler to the list for eventType.
func (r *Registry) On(eventType fleetlink.EventType, handler fleetlink.Handler) Registration {
	if eventType == anyType {
		r.logger.Warn("Ignoring handler registered without an event type")
		return Registration{}
	}
	return r.add(eventType, handler)
}

// OnAny registers a handler that receives every dispatched event, after the
// handlers registered for that event's name.
func (r *Registry) OnAny(handler fleetlink.Handler) Registration {
	return r.add(anyType, handler)
}

func (r *Registry) add(eventType fleetlink.EventType, handler fleetlink.Handler) Registration {
	if handler == nil {
		r.logger.Warn("Ignoring nil handler", zap.String("event", string(eventType)))
		return Registration{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.handlers[eventType] = append(r.handlers[eventType], entry{id: r.nextID, handler: handler})
	return Registration{id: r.nextID, eventType: eventType}
}

// Off removes handlers for eventType. With no registrations given every
// handler for eventType is removed; otherwise only the given ones are.
// Registrations that are unknown, already removed, or were made under a
// different event name are ignored.
func (r *Registry) Off(eventType fleetlink.EventType, registrations ...Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(registrations) == 0 {
		delete(r.handlers, eventType)
		return
	}

	for _, reg := range registrations {
		if reg.eventType != eventType {
			continue
		}
		r.removeLocked(reg)
	}
}

// OffAny removes catch-all registrations; with none given it removes all of them.
func (r *Registry) OffAny(registrations ...Registration) {
	r.Off(anyType, registrations...)
}

// Remove removes a single registration under whichever event it was made.
func (r *Registry) Remove(reg Registration) {
	if !reg.Valid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(reg)
}

func (r *Registry) removeLocked(reg Registration) {
	list := r.handlers[reg.eventType]
	for i, e := range list {
		if e.id != reg.id {
			continue
		}

		remaining := make([]entry, 0, len(list)-1)
		remaining = append(remaining, list[:i]...)
		remaining = append(remaining, list[i+1:]...)

		if len(remaining) == 0 {
			delete(r.handlers, reg.eventType)
		} else {
			r.handlers[reg.eventType] = remaining
		}
		return
	}
}

// Clear removes every handler, catch-all ones included.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[fleetlink.EventType][]entry)
}

// Len returns the number of handlers registered for eventType.
func (r *Registry) Len(eventType fleetlink.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[eventType])
}

// Total returns the number of registrations across all event names.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.handlers {
		n += len(list)
	}
	return n
}

// snapshot returns the handlers to invoke for eventType. Lists are replaced
// rather than mutated in place, so the returned slices are safe to range
// over after the lock is released.
func (r *Registry) snapshot(eventType fleetlink.EventType) ([]entry, []entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[eventType], r.handlers[anyType]
}

// Dispatch invokes, in registration order and on the calling goroutine,
// every handler registered for the event's name followed by the catch-all
// handlers. A handler that returns an error or panics is logged and counted;
// the remaining handlers still run. Once ctx is done no further handlers
// are started. It returns the number of handlers invoked.
func (r *Registry) Dispatch(ctx context.Context, event fleetlink.Event) int {
	if event == nil {
		return 0
	}

	eventType := event.Type()
	typed, catchAll := r.snapshot(eventType)
	if len(typed) == 0 && len(catchAll) == 0 {
		return 0
	}

	start := time.Now()
	label := o11y.Label{Key: "event", Value: string(eventType)}

	invoked := 0
dispatch:
	for _, list := range [][]entry{typed, catchAll} {
		for _, e := range list {
			if ctx.Err() != nil {
				r.logger.Debug("Context done, skipping remaining handlers",
					zap.String("event", string(eventType)),
					zap.Int("invoked", invoked))
				break dispatch
			}
			invoked++
			if err := r.invoke(ctx, e.handler, event); err != nil {
				r.logger.Error("Event handler failed",
					zap.String("event", string(eventType)),
					zap.Uint64("registration", e.id),
					zap.Error(err))
				r.metrics.Add(ctx, o11y.MetricHandlerErrors, 1, label)
			}
		}
	}

	r.metrics.Add(ctx, o11y.MetricEventsDispatched, 1, label)
	r.metrics.Record(ctx, o11y.MetricDispatchDuration, time.Since(start).Seconds(), label)

	return invoked
}

func (r *Registry) invoke(ctx context.Context, handler fleetlink.Handler, event fleetlink.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.OnEvent(ctx, event)
}
