package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"duplex-rpc/client"
	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/registry"
	"duplex-rpc/stub"
	"duplex-rpc/transport"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args Args) (int, error) {
	return args.A + args.B, nil
}

func (a *Arith) Whoami(ctx context.Context) (uint64, error) {
	h, ok := ClientFromContext(ctx)
	if !ok {
		return 0, errors.New("no client in context")
	}
	return h.ID(), nil
}

func (a *Arith) Slow(ctx context.Context, d time.Duration) error {
	time.Sleep(d)
	return nil
}

// Counter calls back into the client once per step.
type Counter struct{}

type ProgressClient struct {
	Report func(ctx context.Context, step, total int) error
}

func (Counter) Count(ctx context.Context, n int) (int, error) {
	h, ok := ClientFromContext(ctx)
	if !ok {
		return 0, errors.New("no client in context")
	}
	progress, err := CallbackProxy[ProgressClient](h, "Progress")
	if err != nil {
		return 0, err
	}
	for i := 1; i <= n; i++ {
		if err := progress.Report(ctx, i, n); err != nil {
			return 0, err
		}
	}
	return n, nil
}

type Progress struct {
	mu    sync.Mutex
	steps []int
}

func (p *Progress) Report(ctx context.Context, step, total int) error {
	p.mu.Lock()
	p.steps = append(p.steps, step)
	p.mu.Unlock()
	return nil
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(opts...)
	if err := svr.Register("Arith", &Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register("Counter", Counter{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dial(t *testing.T, svr *Server, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := client.Dial(context.Background(), svr.Addr(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerRawFrames(t *testing.T) {
	svr := startServer(t)

	conn, err := net.Dial("tcp", svr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cdc := codec.Default
	param, _ := cdc.Encode(Args{A: 1, B: 2})
	req := message.NewInvoke("Arith", "Add", [][]byte{param})
	body, err := cdc.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.Encode(conn, body); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	replyBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	var rep message.Message
	if err := cdc.Decode(replyBody, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Kind != message.KindInvokeReply || rep.Reply.RepliedID != req.ID || rep.Failed() {
		t.Fatalf("unexpected reply %+v", rep)
	}
	var sum int
	if err := cdc.Decode(rep.Reply.Value, &sum); err != nil || sum != 3 {
		t.Fatalf("expect 3, got %d (%v)", sum, err)
	}
}

func TestServerCall(t *testing.T) {
	svr := startServer(t)
	cli := dial(t, svr)

	var sum int
	if err := cli.Call(context.Background(), "Arith", "Add", &sum, Args{A: 10, B: 20}); err != nil {
		t.Fatal(err)
	}
	if sum != 30 {
		t.Fatalf("expect 30, got %d", sum)
	}

	var id uint64
	if err := cli.Call(context.Background(), "Arith", "Whoami", &id); err != nil {
		t.Fatal(err)
	}
	clients := svr.Clients()
	if len(clients) != 1 || clients[0].ID() != id {
		t.Fatalf("caller id %d does not match connected clients", id)
	}

	err := cli.Call(context.Background(), "Nope", "Add", nil)
	if code, _ := stub.CodeOf(err); code != message.CodeNoSuchService {
		t.Fatalf("expect CodeNoSuchService, got %v", err)
	}
}

func TestCallbackDuringCall(t *testing.T) {
	svr := startServer(t)
	progress := &Progress{}
	cli := dial(t, svr, client.WithCallback("Progress", progress))

	var n int
	if err := cli.Call(context.Background(), "Counter", "Count", &n, 3); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expect 3, got %d", n)
	}
	progress.mu.Lock()
	defer progress.mu.Unlock()
	if len(progress.steps) != 3 || progress.steps[0] != 1 || progress.steps[2] != 3 {
		t.Fatalf("unexpected progress %v", progress.steps)
	}
}

func TestCallbackWithoutHandler(t *testing.T) {
	svr := startServer(t)
	cli := dial(t, svr)

	err := cli.Call(context.Background(), "Counter", "Count", nil, 1)
	if code, _ := stub.CodeOf(err); code != message.CodeMethodError {
		t.Fatalf("expect the method to fail, got %v", err)
	}
}

func TestProxyAfterDisconnect(t *testing.T) {
	handles := make(chan *ClientHandle, 1)
	svr := startServer(t, WithConnectHook(func(h *ClientHandle) { handles <- h }))

	progress := &Progress{}
	cli := dial(t, svr, client.WithCallback("Progress", progress))
	h := <-handles

	p, err := CallbackProxy[ProgressClient](h, "Progress")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Report(context.Background(), 1, 1); err != nil {
		t.Fatal(err)
	}

	cli.Close()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not notice the disconnect")
	}
	waitFor(t, "handle state", func() bool { return h.State() == Disconnected })

	if err := p.Report(context.Background(), 2, 2); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	progress.mu.Lock()
	defer progress.mu.Unlock()
	if len(progress.steps) != 1 {
		t.Fatalf("callback delivered after disconnect: %v", progress.steps)
	}
}

func TestHooksAndClientTable(t *testing.T) {
	var mu sync.Mutex
	var connected, disconnected []uint64
	svr := startServer(t,
		WithConnectHook(func(h *ClientHandle) {
			mu.Lock()
			connected = append(connected, h.ID())
			mu.Unlock()
		}),
		WithDisconnectHook(func(h *ClientHandle, err error) {
			mu.Lock()
			disconnected = append(disconnected, h.ID())
			mu.Unlock()
		}))

	a := dial(t, svr)
	b := dial(t, svr)
	waitFor(t, "two clients", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 2
	})

	mu.Lock()
	if len(connected) != 2 || connected[0] >= connected[1] {
		t.Fatalf("client ids not increasing: %v", connected)
	}
	first := connected[0]
	mu.Unlock()
	if _, ok := svr.Client(first); !ok {
		t.Fatalf("client %d not found", first)
	}

	a.Close()
	waitFor(t, "disconnect hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	})
	mu.Lock()
	if len(disconnected) != 1 || disconnected[0] != first {
		t.Fatalf("unexpected disconnects %v", disconnected)
	}
	mu.Unlock()
	if _, ok := svr.Client(first); ok {
		t.Fatal("disconnected client still in table")
	}

	var sum int
	if err := b.Call(context.Background(), "Arith", "Add", &sum, Args{A: 1, B: 1}); err != nil || sum != 2 {
		t.Fatalf("remaining client broken: %d %v", sum, err)
	}
}

func TestNotify(t *testing.T) {
	got := make(chan string, 1)
	svr := startServer(t, WithNotifyHook(func(h *ClientHandle, payload []byte) { got <- string(payload) }))
	cli := dial(t, svr)

	back := make(chan string, 1)
	cli.OnNotify(func(payload []byte) { back <- string(payload) })

	if err := cli.Notify([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("unexpected payload %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	waitFor(t, "client", func() bool { return len(svr.Clients()) == 1 })
	if err := svr.Clients()[0].Notify([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-back:
		if s != "pong" {
			t.Fatalf("unexpected payload %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server notification not received")
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	svr := NewServer(WithWorkerPool(4))
	if err := svr.Register("Arith", &Arith{}); err != nil {
		t.Fatal(err)
	}
	entered := make(chan struct{}, 1)
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			entered <- struct{}{}
			return next(ctx, req)
		}
	})
	if err := svr.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	cli := dial(t, svr)

	done := make(chan error, 1)
	go func() {
		done <- cli.Call(context.Background(), "Arith", "Slow", nil, 200*time.Millisecond)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the server")
	}

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
	select {
	case <-cli.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still connected after shutdown")
	}
	if err := svr.Start("127.0.0.1:0"); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expect ErrServerClosed, got %v", err)
	}
}

func TestRegisterAfterStart(t *testing.T) {
	svr := startServer(t)
	if err := svr.Register("Late", &Arith{}); err == nil {
		t.Fatal("register after start should fail")
	}
}

func TestDiscovery(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithDiscovery(reg, "127.0.0.1:7070", 10))
	if err := svr.Register("Arith", &Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	instances, _ := reg.Discover("Arith")
	if len(instances) != 1 || instances[0].Addr != "127.0.0.1:7070" || instances[0].NodeID != svr.NodeID() {
		t.Fatalf("unexpected instances %+v", instances)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover("Arith")
	if len(instances) != 0 {
		t.Fatalf("service still published after shutdown: %+v", instances)
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{Port: 7070, Codec: "json", WorkerPoolSize: 8}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.CallTimeout() != 30*time.Second {
		t.Fatalf("expect default timeout 30s, got %s", cfg.CallTimeout())
	}
	if cfg.Addr() != ":7070" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}

	var o options
	for _, opt := range cfg.Options() {
		opt(&o)
	}
	if _, ok := o.codec.(*codec.JSONCodec); !ok || o.poolSize != 8 || o.callTimeout != 30*time.Second {
		t.Fatalf("options not applied: %+v", o)
	}

	bad := []Config{
		{Port: 70000},
		{CallTimeoutMillis: -1},
		{Codec: "xml"},
		{WorkerPoolSize: -2},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("expect %+v to be rejected", c)
		}
	}
}
