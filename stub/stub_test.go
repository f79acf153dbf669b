package stub

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/service"
	"duplex-rpc/transport"
)

type Greeter struct{}

func (Greeter) Hello(ctx context.Context, name string) (string, error) {
	return "hello " + name, nil
}

func (Greeter) Fail(ctx context.Context) error {
	return errors.New("nope")
}

type GreeterClient struct {
	Hello func(ctx context.Context, name string) (string, error)
	Fail  func(ctx context.Context) error
	Greet func(ctx context.Context, name string) (string, error) `rpc:"Hello"`

	unexported int
}

type localCaller struct{}

func (localCaller) ID() uint64           { return 1 }
func (localCaller) RemoteAddr() net.Addr { return nil }

// loopback serves requests with an in-process dispatcher.
type loopback struct {
	d      *service.Dispatcher
	closed atomic.Bool
	sent   atomic.Int32
	before func(req *message.Message) *message.Message
}

func (l *loopback) SendAndWait(ctx context.Context, req *message.Message, _ time.Duration) (*message.Message, error) {
	l.sent.Add(1)
	if l.before != nil {
		if rep := l.before(req); rep != nil {
			return rep, nil
		}
	}
	return l.d.Dispatch(ctx, localCaller{}, req), nil
}

func (l *loopback) Closed() bool { return l.closed.Load() }

func newLoopback(t *testing.T) *loopback {
	t.Helper()
	reg := service.NewRegistry()
	if err := reg.Register("Greeter", Greeter{}, service.WithVersion("3")); err != nil {
		t.Fatal(err)
	}
	return &loopback{d: service.NewDispatcher(reg, codec.Default)}
}

func TestCall(t *testing.T) {
	inv := NewInvoker(newLoopback(t), codec.Default)

	var out string
	if err := inv.Call(context.Background(), "Greeter", "Hello", &out, "bob"); err != nil {
		t.Fatal(err)
	}
	if out != "hello bob" {
		t.Fatalf("unexpected result %q", out)
	}

	err := inv.Call(context.Background(), "Greeter", "Missing", nil)
	if code, ok := CodeOf(err); !ok || code != message.CodeNoSuchMethod {
		t.Fatalf("expect CodeNoSuchMethod, got %v", err)
	}
}

func TestProxy(t *testing.T) {
	inv := NewInvoker(newLoopback(t), codec.Default)
	p, err := Proxy[GreeterClient](inv, "Greeter")
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.Hello(context.Background(), "ann")
	if err != nil || got != "hello ann" {
		t.Fatalf("Hello: %q, %v", got, err)
	}
	got, err = p.Greet(context.Background(), "tag")
	if err != nil || got != "hello tag" {
		t.Fatalf("tagged field: %q, %v", got, err)
	}

	err = p.Fail(context.Background())
	var rerr *message.RemoteError
	if !errors.As(err, &rerr) || rerr.Message != "nope" || rerr.Version != "3" {
		t.Fatalf("expect remote error with version, got %v", err)
	}
}

func TestBindRejectsBadShapes(t *testing.T) {
	inv := NewInvoker(newLoopback(t), codec.Default)

	var noCtx struct{ F func(int) error }
	if err := inv.Bind("Greeter", &noCtx); !errors.Is(err, ErrInvalidParamType) {
		t.Fatalf("expect ErrInvalidParamType, got %v", err)
	}
	var noErr struct{ F func(context.Context) int }
	if err := inv.Bind("Greeter", &noErr); !errors.Is(err, ErrInvalidResultType) {
		t.Fatalf("expect ErrInvalidResultType, got %v", err)
	}
	if err := inv.Bind("Greeter", GreeterClient{}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expect ErrInvalidTarget, got %v", err)
	}
}

func TestClosedSenderFailsFast(t *testing.T) {
	lb := newLoopback(t)
	inv := NewInvoker(lb, codec.Default)
	p, err := Proxy[GreeterClient](inv, "Greeter")
	if err != nil {
		t.Fatal(err)
	}

	lb.closed.Store(true)
	if _, err := p.Hello(context.Background(), "x"); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	if lb.sent.Load() != 0 {
		t.Fatal("closed invoker must not send")
	}
}

func TestRetryOnBusy(t *testing.T) {
	lb := newLoopback(t)
	var rejections atomic.Int32
	lb.before = func(req *message.Message) *message.Message {
		if rejections.Add(1) <= 2 {
			return message.NewErrorReply(req, message.NewRemoteError(message.CodeBusy, "server busy"))
		}
		return nil
	}

	inv := NewInvoker(lb, codec.Default, WithRetry(3, time.Millisecond))
	var out string
	if err := inv.Call(context.Background(), "Greeter", "Hello", &out, "r"); err != nil {
		t.Fatalf("retries should absorb busy replies: %v", err)
	}
	if lb.sent.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", lb.sent.Load())
	}

	// Method errors are never retried.
	lb.sent.Store(0)
	if err := inv.Call(context.Background(), "Greeter", "Fail", nil); err == nil {
		t.Fatal("expect error")
	}
	if lb.sent.Load() != 1 {
		t.Fatalf("method error retried %d times", lb.sent.Load())
	}
}

func TestRetryExhausted(t *testing.T) {
	lb := newLoopback(t)
	lb.before = func(req *message.Message) *message.Message {
		return message.NewErrorReply(req, message.NewRemoteError(message.CodeRateLimited, "rate limit exceeded"))
	}
	inv := NewInvoker(lb, codec.Default, WithRetry(2, time.Millisecond))
	err := inv.Call(context.Background(), "Greeter", "Hello", nil, "x")
	if code, _ := CodeOf(err); code != message.CodeRateLimited {
		t.Fatalf("expect CodeRateLimited after retries, got %v", err)
	}
	if lb.sent.Load() != 3 {
		t.Fatalf("expect 1 call + 2 retries, got %d", lb.sent.Load())
	}
}
