package server

import (
	"context"
	"net"
	"time"

	"duplex-rpc/message"
	"duplex-rpc/messenger"
	"duplex-rpc/service"
	"duplex-rpc/stub"
)

// State of a connected client.
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// ClientHandle is the server's view of one connected client. It serves the
// client's requests and lets server code call services the client exposes.
type ClientHandle struct {
	id          uint64
	connectedAt time.Time
	messenger   *messenger.Messenger
	invoker     *stub.Invoker
	session     *service.Session
}

// ID is unique per server and increases with every accepted connection.
func (h *ClientHandle) ID() uint64 { return h.id }

func (h *ClientHandle) RemoteAddr() net.Addr { return h.messenger.Channel().RemoteAddr() }

// ConnectedAt is when the connection was accepted.
func (h *ClientHandle) ConnectedAt() time.Time { return h.connectedAt }

func (h *ClientHandle) State() State {
	if h.messenger.Closed() {
		return Disconnected
	}
	return Connected
}

func (h *ClientHandle) Messenger() *messenger.Messenger { return h.messenger }

// Done is closed once the client is disconnected.
func (h *ClientHandle) Done() <-chan struct{} { return h.messenger.Done() }

// Call invokes service.method on the client. After the client disconnects it
// fails with transport.ErrConnectionClosed without sending.
func (h *ClientHandle) Call(ctx context.Context, service, method string, reply any, args ...any) error {
	return h.invoker.Call(ctx, service, method, reply, args...)
}

// Bind fills target's func fields with proxies for the client's service.
// See stub.Invoker.Bind.
func (h *ClientHandle) Bind(service string, target any) error {
	return h.invoker.Bind(service, target)
}

// Notify sends payload to the client without waiting for an answer.
func (h *ClientHandle) Notify(payload []byte) error {
	return h.messenger.SendOneWay(message.NewPlain(payload))
}

// Disconnect closes the client's connection.
func (h *ClientHandle) Disconnect() {
	h.messenger.Stop()
}

// ClientFromContext returns the client whose request is being served.
func ClientFromContext(ctx context.Context) (*ClientHandle, bool) {
	c, ok := service.CallerFromContext(ctx)
	if !ok {
		return nil, false
	}
	h, ok := c.(*ClientHandle)
	return h, ok
}

// CallbackProxy returns a T whose func fields call service on the client h.
func CallbackProxy[T any](h *ClientHandle, service string) (*T, error) {
	return stub.Proxy[T](h.invoker, service)
}
