package fleetlink

import "context"

// Handler receives dispatched events. Handlers run synchronously on the
// connection's read loop and should return quickly; wrap slow ones with
// subutils.NewAsyncHandler.
type Handler interface {
	OnEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Handle adapts a function taking one concrete variant. Events of any other
// variant are ignored, so a typed handler registered under the wrong name
// simply never fires.
//
//	client.On(fleetlink.EventTaskUpdate, fleetlink.Handle(func(ctx context.Context, u fleetlink.TaskUpdate) error {
//	    return render(u.TaskID, u.Progress)
//	}))
func Handle[E Event](fn func(ctx context.Context, event E) error) Handler {
	return HandlerFunc(func(ctx context.Context, event Event) error {
		typed, ok := event.(E)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	})
}

// BaseHandler ignores every event. Embed it to implement only what you need.
type BaseHandler struct{}

func (BaseHandler) OnEvent(ctx context.Context, event Event) error {
	return nil
}
