package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
)

// flakyListener fails its first Accept, as a listener whose socket was lost would.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, errors.New("simulated accept failure")
	}
	return l.Listener.Accept()
}

func TestListenerAccepts(t *testing.T) {
	accepted := make(chan *Channel, 1)
	l := NewListener("127.0.0.1:0", codec.Default, func(ch *Channel) { accepted <- ch })
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	client, err := Dial(context.Background(), l.Addr(), codec.Default)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()
	client.Start()

	var server *Channel
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not handed to callback")
	}
	if server.State() != StateCreated {
		t.Fatalf("accepted channel should not be started, state %s", server.State())
	}

	got := make(chan *message.Message, 1)
	server.OnMessage(func(msg *message.Message) { got <- msg })
	server.Start()
	defer server.Disconnect()

	if err := client.Send(message.NewPlain([]byte("ping"))); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		if string(msg.Payload) != "ping" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestListenerRecoversFromAcceptFailure(t *testing.T) {
	var binds atomic.Int32
	listen := func(network, address string) (net.Listener, error) {
		n := binds.Add(1)
		if n == 2 {
			return nil, errors.New("address temporarily unavailable")
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return &flakyListener{Listener: ln}, nil
		}
		return ln, nil
	}

	accepted := make(chan *Channel, 1)
	l := NewListener("127.0.0.1:0", codec.Default, func(ch *Channel) { accepted <- ch },
		WithBackoff(20*time.Millisecond), WithListenFunc(listen))
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	// The first accept fails, the first rebind fails, the second rebind succeeds.
	deadline := time.Now().Add(2 * time.Second)
	for binds.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("listener did not rebind, binds=%d", binds.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	var client *Channel
	for {
		var err error
		client, err = Dial(context.Background(), l.Addr(), codec.Default)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial recovered listener: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer client.Disconnect()

	select {
	case ch := <-accepted:
		ch.Disconnect()
	case <-time.After(2 * time.Second):
		t.Fatal("recovered listener did not accept")
	}
}

func TestListenerStopInterruptsBackoff(t *testing.T) {
	var binds atomic.Int32
	listen := func(network, address string) (net.Listener, error) {
		if binds.Add(1) > 1 {
			return nil, errors.New("bind refused")
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		return &flakyListener{Listener: ln}, nil
	}

	l := NewListener("127.0.0.1:0", codec.Default, func(ch *Channel) { ch.Disconnect() },
		WithBackoff(time.Hour), WithListenFunc(listen))
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on backoff")
	}

	if err := l.Start(); !errors.Is(err, ErrListenerStopped) {
		t.Fatalf("expect ErrListenerStopped, got %v", err)
	}
}

func TestListenerInitialBindFailure(t *testing.T) {
	listen := func(network, address string) (net.Listener, error) {
		return nil, errors.New("permission denied")
	}
	l := NewListener("127.0.0.1:0", codec.Default, nil, WithListenFunc(listen))
	if err := l.Start(); err == nil {
		t.Fatal("expect initial bind error to be returned")
	}
}
