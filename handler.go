package peeklock

import "context"

// A Handler processes messages delivered by a Pump.
//
// ProcessMessage should return nil if the message was handled. With
// AutoComplete set the pump then completes the message if the handler did
// not settle it.
//
// If ProcessMessage returns a non-nil error or panics, the error is passed
// to the pump's ErrorHandler and the message is left as it is. Its lock runs
// out unless the handler settled it, and the broker redelivers it.
type Handler interface {
	ProcessMessage(context.Context, *Message) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(context.Context, *Message) error

func (fn HandlerFunc) ProcessMessage(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// An ErrorHandler is told about every failure inside a Pump: receive and
// settle errors, handler errors and panics, and lost locks found by the
// renewer. It may be called from several goroutines at once.
type ErrorHandler interface {
	HandleError(context.Context, *ProcessError)
}

// ErrorHandlerFunc adapts an ordinary function to an ErrorHandler.
type ErrorHandlerFunc func(context.Context, *ProcessError)

func (fn ErrorHandlerFunc) HandleError(ctx context.Context, err *ProcessError) {
	fn(ctx, err)
}
