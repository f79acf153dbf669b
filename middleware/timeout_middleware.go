package middleware

import (
	"context"
	"sync"
	"time"

	"duplex-rpc/message"
)

type inFlightKey struct{}

// WithInFlight makes TimeOutMiddleware count handlers it abandons in wg, so a
// wg.Wait also covers them. The caller must hold its own wg slot for the
// request while the middleware runs.
func WithInFlight(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, inFlightKey{}, wg)
}

// TimeOutMiddleware answers with CodeHandlerTimeout when the handler runs
// longer than timeout. The handler keeps running with a cancelled context and
// its late reply is discarded. Until it returns it runs beside the requests
// that follow, even on a serial session; it stays counted in the WaitGroup
// installed by WithInFlight.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			wg, _ := ctx.Value(inFlightKey{}).(*sync.WaitGroup)
			if wg != nil {
				wg.Add(1)
			}
			done := make(chan *message.Message, 1)
			go func() {
				if wg != nil {
					defer wg.Done()
				}
				done <- next(ctx, req)
			}()

			select {
			case rep := <-done:
				return rep
			case <-ctx.Done():
				return message.NewErrorReply(req,
					message.NewRemoteError(message.CodeHandlerTimeout, "request timed out"))
			}
		}
	}
}
