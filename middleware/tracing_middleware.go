package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"duplex-rpc/message"
)

const tracerName = "duplex-rpc"

// TracingMiddleware starts a server span per call. The caller's trace context
// is extracted from the request metadata with the global propagator, so the
// span joins the trace the caller started. A nil tracer uses the global
// provider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			tr := tracer
			if tr == nil {
				tr = otel.Tracer(tracerName)
			}
			svc, method := service(req)
			if req.Invoke != nil && len(req.Invoke.Metadata) > 0 {
				ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(req.Invoke.Metadata))
			}

			ctx, span := tr.Start(ctx, req.Target(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", tracerName),
					attribute.String("rpc.service", svc),
					attribute.String("rpc.method", method),
				))
			defer span.End()

			rep := next(ctx, req)
			if rep.Failed() {
				span.SetStatus(codes.Error, rep.Reply.Error.Message)
				span.SetAttributes(attribute.Int("rpc.error_code", int(rep.Reply.Error.Code)))
			}
			return rep
		}
	}
}
