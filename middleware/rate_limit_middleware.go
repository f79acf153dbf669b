package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplex-rpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// Rejected calls are answered with CodeRateLimited without reaching the
// service, so a client may retry them.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewErrorReply(req,
					message.NewRemoteError(message.CodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
