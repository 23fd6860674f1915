package subutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"go.uber.org/zap"
)

var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

type queuedEvent struct {
	ctx   context.Context
	event fleetlink.Event
}

// AsyncHandler wraps another handler and runs it on a background goroutine
// fed by a bounded queue, so a slow handler does not hold up the
// connection's read loop. Events are delivered to the wrapped handler in the
// order they were queued.
//
// Example:
//
//	slow := subutils.NewAsyncHandler(chartRenderer, 100, logger).Start()
//	defer slow.Close()
//	client.On(fleetlink.EventAnalyticsUpdate, slow)
//
// When the queue is full, OnEvent returns ErrQueueFull and the event is
// lost; the dispatcher logs it like any other handler error.
type AsyncHandler struct {
	wrapped   fleetlink.Handler
	logger    *zap.Logger
	queue     chan queuedEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncHandler creates an AsyncHandler with the given queue size. Errors
// returned by the wrapped handler are logged to logger, which may be nil.
// Call Start before registering it and Close when done.
func NewAsyncHandler(wrapped fleetlink.Handler, queueSize int, logger *zap.Logger) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AsyncHandler{
		wrapped: wrapped,
		logger:  logger,
		queue:   make(chan queuedEvent, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins processing queued events in a background goroutine.
func (a *AsyncHandler) Start() *AsyncHandler {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case item := <-a.queue:
			a.process(item)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case item := <-a.queue:
			a.process(item)
		default:
			return
		}
	}
}

func (a *AsyncHandler) process(item queuedEvent) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panicked: %v", p)
			}
		}()
		return a.wrapped.OnEvent(item.ctx, item.event)
	}()

	if err != nil {
		a.logger.Error("Async event handler failed",
			zap.String("event", string(item.event.Type())),
			zap.Error(err))
	}
}

// OnEvent queues the event and returns immediately.
func (a *AsyncHandler) OnEvent(ctx context.Context, event fleetlink.Event) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events, processes whatever is still queued and waits
// for the background goroutine to finish. It is safe to call more than once.
func (a *AsyncHandler) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// QueueSize returns the current number of queued events
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

// QueueCapacity returns the maximum capacity of the queue
func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

// IsClosed returns true if the handler has been closed
func (a *AsyncHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
