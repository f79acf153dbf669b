package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"duplex-rpc/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewReply(req, []byte("ok"))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.NewReply(req, []byte("ok"))
}

func failingHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewErrorReply(req, message.NewRemoteError(message.CodeMethodError, "boom"))
}

func newReq() *message.Message {
	return message.NewInvoke("Arith", "Add", nil)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), newReq())
	if string(resp.Reply.Value) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", resp.Reply.Value)
	}
	LoggingMiddleware(logger)(failingHandler)(context.Background(), newReq())

	if logs.FilterMessage("call served").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}
	failed := logs.FilterMessage("call failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["service"] != "Arith" {
		t.Fatalf("expect one failure entry with service field, got %v", failed)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newReq())
	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Reply.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	req := newReq()
	resp := handler(context.Background(), req)
	if !resp.Failed() || resp.Reply.Error.Code != message.CodeHandlerTimeout {
		t.Fatalf("expect timeout error, got %+v", resp.Reply)
	}
	if resp.Reply.RepliedID != req.ID {
		t.Fatalf("timeout reply must answer the request")
	}
}

func TestTimeoutKeepsAbandonedHandlerInFlight(t *testing.T) {
	release := make(chan struct{})
	stuck := func(ctx context.Context, req *message.Message) *message.Message {
		<-release
		return message.NewReply(req, nil)
	}
	handler := TimeOutMiddleware(20 * time.Millisecond)(stuck)

	var wg sync.WaitGroup
	wg.Add(1) // the request's own slot, as a session holds it
	resp := handler(WithInFlight(context.Background(), &wg), newReq())
	if !resp.Failed() || resp.Reply.Error.Code != message.CodeHandlerTimeout {
		t.Fatalf("expect timeout error, got %+v", resp.Reply)
	}
	wg.Done()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("wait returned while the abandoned handler still runs")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned handler never left the group")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newReq())
		if resp.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Reply.Error)
		}
	}

	resp := handler(context.Background(), newReq())
	if !resp.Failed() || resp.Reply.Error.Code != message.CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp.Reply)
	}
	if !resp.Reply.Error.Code.Retryable() {
		t.Fatal("rate limited replies must be retryable")
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				rep := next(ctx, req)
				order = append(order, name+".after")
				return rep
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newReq())
	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Reply.Error)
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}

	mw := m.Middleware()
	mw(echoHandler)(context.Background(), newReq())
	mw(echoHandler)(context.Background(), newReq())
	mw(failingHandler)(context.Background(), newReq())

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("Arith", "Add", "ok")); got != 2 {
		t.Fatalf("expect 2 successful calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("Arith", "Add", "method error")); got != 1 {
		t.Fatalf("expect 1 failed call, got %v", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Fatalf("in-flight gauge should return to 0, got %v", got)
	}
	if n := testutil.CollectAndCount(m.Duration); n != 1 {
		t.Fatalf("expect one histogram series, got %d", n)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("registering twice on one registry should fail")
	}
}

func TestTracingJoinsCallerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	req := newReq()
	req.Invoke.Metadata = map[string]string{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent),
		propagation.MapCarrier(req.Invoke.Metadata))

	var seen trace.TraceID
	handler := TracingMiddleware(nil)(func(ctx context.Context, req *message.Message) *message.Message {
		seen = trace.SpanContextFromContext(ctx).TraceID()
		return message.NewReply(req, nil)
	})
	handler(context.Background(), req)

	if seen != traceID {
		t.Fatalf("handler context lost the caller trace: got %s, want %s", seen, traceID)
	}
}
