package websocket

import "context"

// Handler processes one WebSocket message and returns the response to send
// back to the requesting client, or nil for no response.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes messages to handlers by message type. Registration
// happens during startup; Dispatch may then be called concurrently.
type Dispatcher struct {
	handlers map[MessageType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MessageType]Handler),
	}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(t MessageType, handler Handler) {
	d.handlers[t] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(t MessageType, handler HandlerFunc) {
	d.handlers[t] = handler
}

// Dispatch routes a message to its handler. Unknown types produce an error
// message rather than an error return, so the caller can forward it as-is.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewError(msg.ID, ErrorCodeUnknownType, "Unknown message type: "+string(msg.Type)), nil
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether a handler is registered for the type.
func (d *Dispatcher) HasHandler(t MessageType) bool {
	_, ok := d.handlers[t]
	return ok
}
