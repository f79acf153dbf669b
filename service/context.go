package service

import (
	"context"
	"net"
)

// Caller identifies the peer whose request is being served.
type Caller interface {
	ID() uint64
	RemoteAddr() net.Addr
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the peer that issued the current call.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c != nil
}
