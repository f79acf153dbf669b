// Package middleware wraps the dispatcher's business handler.
//
// A HandlerFunc receives an inbound invoke request and returns its reply; it
// never returns nil. Middlewares form an onion around the handler:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"duplex-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func service(req *message.Message) (string, string) {
	if req.Invoke == nil {
		return "", ""
	}
	return req.Invoke.Service, req.Invoke.Method
}
