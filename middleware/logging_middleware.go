package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/message"
)

// LoggingMiddleware logs every call with its duration. Failed calls are
// logged at warn level, the rest at debug. A nil logger uses zap.L().
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			rep := next(ctx, req)

			log := logger
			if log == nil {
				log = zap.L()
			}
			svc, method := service(req)
			fields := []zap.Field{
				zap.String("service", svc),
				zap.String("method", method),
				zap.Int64("msg_id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Invoke != nil && req.Invoke.Metadata[message.MetaClientID] != "" {
				fields = append(fields, zap.String("client", req.Invoke.Metadata[message.MetaClientID]))
			}
			if rep.Failed() {
				log.Warn("call failed", append(fields,
					zap.Stringer("code", rep.Reply.Error.Code),
					zap.String("error", rep.Reply.Error.Message))...)
				return rep
			}
			log.Debug("call served", fields...)
			return rep
		}
	}
}
