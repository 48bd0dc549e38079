package binder

import (
	"context"
	"time"
)

// Caller identifies the peer that issued a transaction, as established by
// the transport (for example from SO_PEERCRED on a Unix socket).
type Caller struct {
	UID       int32
	PID       int32
	Transport string
}

type callerKey struct{}

// WithCaller attaches the caller identity to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller identity, if the transport recorded one.
// In-process calls carry no caller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Event describes one dispatched transaction.
type Event struct {
	Descriptor string
	Method     string
	Code       Code
	Status     Status
	Caller     Caller
	HasCaller  bool
	Duration   time.Duration
	Err        error
}

// Observer is notified after every transaction a Stub handles.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveTransaction(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) ObserveTransaction(ctx context.Context, ev Event) {
	f(ctx, ev)
}
